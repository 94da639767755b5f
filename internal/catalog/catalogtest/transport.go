// Package catalogtest provides an in-memory catalog.Transport for tests.
package catalogtest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/packet"
)

var (
	ErrAlreadyConnected = errors.New("source already connected")
	ErrNotConnected     = errors.New("source not connected")
)

// Endpoint is a fake endpoint. Empty Model means the model is unknown.
type Endpoint struct {
	ID    uint64
	Name  string
	Model string

	// NoID makes the endpoint report no unique id.
	NoID bool
}

func (e *Endpoint) StringProperty(key catalog.Property) (string, bool) {
	switch key {
	case catalog.PropName:
		return e.Name, e.Name != ""
	case catalog.PropModel:
		return e.Model, e.Model != ""
	}
	return "", false
}

func (e *Endpoint) IntProperty(key catalog.Property) (uint64, bool) {
	if key == catalog.PropUniqueID && !e.NoID {
		return e.ID, true
	}
	return 0, false
}

// Physical returns an endpoint classified as hardware.
func Physical(id uint64, name string) *Endpoint {
	return &Endpoint{ID: id, Name: name, Model: "USB MIDI " + name}
}

// Bus returns an endpoint classified as a virtual bus.
func Bus(id uint64, name string) *Endpoint {
	return &Endpoint{ID: id, Name: name, Model: "IAC Driver"}
}

// Sent is a batch handed to Transport.Send.
type Sent struct {
	Dst   catalog.DeviceID
	Batch []packet.Event
}

// Transport is an in-memory catalog.Transport. Connect and Disconnect are not
// idempotent so tests catch duplicate calls.
type Transport struct {
	mtx         sync.Mutex
	sources     []*Endpoint
	dests       []*Endpoint
	handlers    map[uint64]catalog.PacketHandler
	connects    []catalog.DeviceID
	disconnects []catalog.DeviceID
	sent        []Sent
	sendErr     error

	// SentChan, when set, receives every sent batch.
	SentChan chan Sent
}

// New returns an empty transport.
func New() *Transport {
	return &Transport{handlers: make(map[uint64]catalog.PacketHandler)}
}

// SetSources replaces the current source endpoints.
func (t *Transport) SetSources(eps ...*Endpoint) {
	t.mtx.Lock()
	t.sources = eps
	t.mtx.Unlock()
}

// SetDestinations replaces the current destination endpoints.
func (t *Transport) SetDestinations(eps ...*Endpoint) {
	t.mtx.Lock()
	t.dests = eps
	t.mtx.Unlock()
}

// FailSends makes every following Send return err.
func (t *Transport) FailSends(err error) {
	t.mtx.Lock()
	t.sendErr = err
	t.mtx.Unlock()
}

func endpoints(eps []*Endpoint) []catalog.Endpoint {
	res := make([]catalog.Endpoint, len(eps))
	for i := range eps {
		res[i] = eps[i]
	}
	return res
}

func (t *Transport) Sources() ([]catalog.Endpoint, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return endpoints(t.sources), nil
}

func (t *Transport) Destinations() ([]catalog.Endpoint, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return endpoints(t.dests), nil
}

func asEndpoint(ep catalog.Endpoint) (*Endpoint, error) {
	e, ok := ep.(*Endpoint)
	if !ok {
		return nil, catalog.ErrNotEndpoint
	}
	return e, nil
}

func (t *Transport) Connect(src catalog.Endpoint, h catalog.PacketHandler) error {
	e, err := asEndpoint(src)
	if err != nil {
		return err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.handlers[e.ID]; ok {
		return fmt.Errorf("%d: %w", e.ID, ErrAlreadyConnected)
	}
	t.handlers[e.ID] = h
	t.connects = append(t.connects, catalog.DeviceID(e.ID))
	return nil
}

func (t *Transport) Disconnect(src catalog.Endpoint) error {
	e, err := asEndpoint(src)
	if err != nil {
		return err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.handlers[e.ID]; !ok {
		return fmt.Errorf("%d: %w", e.ID, ErrNotConnected)
	}
	delete(t.handlers, e.ID)
	t.disconnects = append(t.disconnects, catalog.DeviceID(e.ID))
	return nil
}

func (t *Transport) Send(dst catalog.Endpoint, batch []packet.Event) error {
	e, err := asEndpoint(dst)
	if err != nil {
		return err
	}

	// The caller may reuse batch after Send returns.
	cp := make([]packet.Event, len(batch))
	for i, ev := range batch {
		cp[i] = packet.Event{Timestamp: ev.Timestamp, Data: append([]byte(nil), ev.Data...)}
	}
	s := Sent{Dst: catalog.DeviceID(e.ID), Batch: cp}

	t.mtx.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mtx.Unlock()
		return err
	}
	t.sent = append(t.sent, s)
	c := t.SentChan
	t.mtx.Unlock()

	if c != nil {
		c <- s
	}
	return nil
}

func (t *Transport) Close() error { return nil }

// Inject delivers batch as if it was read from the source with the given id.
// It returns false if the source is not connected.
func (t *Transport) Inject(src uint64, batch []packet.Event) bool {
	t.mtx.Lock()
	h, ok := t.handlers[src]
	t.mtx.Unlock()
	if !ok {
		return false
	}
	h.HandlePackets(catalog.DeviceID(src), batch)
	return true
}

// Connected returns the ids of connected sources in ascending order.
func (t *Transport) Connected() []catalog.DeviceID {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	ids := make([]catalog.DeviceID, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, catalog.DeviceID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connects returns every id passed to a successful Connect, in call order.
func (t *Transport) Connects() []catalog.DeviceID {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]catalog.DeviceID(nil), t.connects...)
}

// Disconnects returns every id passed to a successful Disconnect, in call
// order.
func (t *Transport) Disconnects() []catalog.DeviceID {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]catalog.DeviceID(nil), t.disconnects...)
}

// SentBatches returns every batch sent so far.
func (t *Transport) SentBatches() []Sent {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]Sent(nil), t.sent...)
}
