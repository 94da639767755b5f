// Package mididrv implements catalog.Transport on top of a gomidi driver.
package mididrv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/decred/slog"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/packet"
	"github.com/puzpuzpuz/xsync/v3"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// virtualOpener is implemented by drivers able to create virtual ports, such
// as rtmididrv.
type virtualOpener interface {
	OpenVirtualOut(name string) (drivers.Out, error)
}

// port is the catalog.Endpoint handed out by Transport.
type port struct {
	id    uint64
	name  string
	model string
	in    drivers.In
	out   drivers.Out
}

func (p *port) StringProperty(key catalog.Property) (string, bool) {
	switch key {
	case catalog.PropName:
		return p.name, true
	case catalog.PropModel:
		return p.model, p.model != ""
	}
	return "", false
}

func (p *port) IntProperty(key catalog.Property) (uint64, bool) {
	if key == catalog.PropUniqueID {
		return p.id, true
	}
	return 0, false
}

// portID derives a stable id from the port name. Ports sharing a name (two
// identical devices) are told apart by their enumeration order.
func portID(name string, occurrence int) uint64 {
	if occurrence == 0 {
		return xxhash.Sum64String(name)
	}
	return xxhash.Sum64String(name + "#" + strconv.Itoa(occurrence))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// stableName strips the " client:port" address rtmidi appends to ALSA port
// names. The kernel assigns those numbers when the device is plugged in, so
// they differ between sessions.
func stableName(name string) string {
	i := strings.LastIndexByte(name, ' ')
	if i < 0 {
		return name
	}
	client, port, ok := strings.Cut(name[i+1:], ":")
	if !ok || !isDigits(client) || !isDigits(port) {
		return name
	}
	return name[:i]
}

type listener struct {
	in   drivers.In
	stop func()
}

// Config holds the options of a Transport.
type Config struct {
	// VirtualOutput, when not empty, is the name of a virtual output port
	// created by the transport and offered as a virtual bus destination.
	VirtualOutput string

	Log slog.Logger
}

// Transport routes packets through a gomidi driver.
type Transport struct {
	drv     drivers.Driver
	log     slog.Logger
	virtual *port

	listeners *xsync.MapOf[uint64, listener]
	outs      *xsync.MapOf[uint64, drivers.Out]
}

// New creates a transport over drv, creating the virtual output if one was
// configured.
func New(drv drivers.Driver, cfg Config) (*Transport, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	t := &Transport{
		drv:       drv,
		log:       log,
		listeners: xsync.NewMapOf[uint64, listener](),
		outs:      xsync.NewMapOf[uint64, drivers.Out](),
	}

	if cfg.VirtualOutput != "" {
		vo, ok := drv.(virtualOpener)
		if !ok {
			return nil, fmt.Errorf("driver %s does not support virtual ports", drv)
		}
		out, err := vo.OpenVirtualOut(cfg.VirtualOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to create virtual output %q: %w",
				cfg.VirtualOutput, err)
		}
		t.virtual = &port{
			id:    portID(catalog.VirtualBusModel+":"+cfg.VirtualOutput, 0),
			name:  cfg.VirtualOutput,
			model: catalog.VirtualBusModel,
			out:   out,
		}
		log.Infof("Created virtual output %q", cfg.VirtualOutput)
	}
	return t, nil
}

// rtmidiOutClient is the ALSA client name rtmidi gives the virtual ports it
// creates.
const rtmidiOutClient = "RtMidi Output Client"

// isOwnPort returns true for the ports through which other clients see our
// virtual output. Listening to them would feed our output back into us.
func (t *Transport) isOwnPort(name string) bool {
	if t.virtual == nil {
		return false
	}
	name = stableName(name)
	return name == t.virtual.name || name == rtmidiOutClient+":"+t.virtual.name
}

func (t *Transport) Sources() ([]catalog.Endpoint, error) {
	ins, err := t.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("failed to get MIDI inputs: %w", err)
	}
	seen := make(map[string]int, len(ins))
	eps := make([]catalog.Endpoint, 0, len(ins))
	for _, in := range ins {
		name := in.String()
		if t.isOwnPort(name) {
			continue
		}
		stable := stableName(name)
		eps = append(eps, &port{
			id:    portID(stable, seen[stable]),
			name:  name,
			model: name,
			in:    in,
		})
		seen[stable]++
	}
	return eps, nil
}

func (t *Transport) Destinations() ([]catalog.Endpoint, error) {
	outs, err := t.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("failed to get MIDI outputs: %w", err)
	}
	seen := make(map[string]int, len(outs))
	present := make(map[uint64]struct{}, len(outs))
	eps := make([]catalog.Endpoint, 0, len(outs)+1)
	if t.virtual != nil {
		eps = append(eps, t.virtual)
	}
	for _, out := range outs {
		name := out.String()
		if t.isOwnPort(name) {
			continue
		}
		stable := stableName(name)
		p := &port{
			id:    portID(stable, seen[stable]),
			name:  name,
			model: name,
			out:   out,
		}
		seen[stable]++
		present[p.id] = struct{}{}
		eps = append(eps, p)
	}

	// Close cached ports of outputs that went away.
	t.outs.Range(func(id uint64, out drivers.Out) bool {
		if _, ok := present[id]; !ok {
			t.outs.Delete(id)
			if err := out.Close(); err != nil {
				t.log.Debugf("Closing stale output %s: %v", out, err)
			}
		}
		return true
	})
	return eps, nil
}

func asPort(ep catalog.Endpoint) (*port, error) {
	p, ok := ep.(*port)
	if !ok {
		return nil, catalog.ErrNotEndpoint
	}
	return p, nil
}

// Connect starts listening on src. Connecting an already connected source is
// a no-op.
func (t *Transport) Connect(src catalog.Endpoint, h catalog.PacketHandler) error {
	p, err := asPort(src)
	if err != nil {
		return err
	}
	if p.in == nil {
		return fmt.Errorf("%s is not an input: %w", p.name, catalog.ErrNotEndpoint)
	}
	if _, ok := t.listeners.Load(p.id); ok {
		return nil
	}

	if !p.in.IsOpen() {
		if err := p.in.Open(); err != nil {
			return fmt.Errorf("failed to open %s: %w", p.name, err)
		}
	}
	// The driver calls back from a single goroutine per port, so the
	// batch is reused across messages.
	id := catalog.DeviceID(p.id)
	batch := make([]packet.Event, 1)
	stop, err := p.in.Listen(func(msg []byte, milliseconds int32) {
		batch[0] = packet.Event{Timestamp: milliseconds, Data: msg}
		h.HandlePackets(id, batch)
		batch[0] = packet.Event{}
	}, drivers.ListenConfig{SysEx: true})
	if err != nil {
		p.in.Close()
		return fmt.Errorf("failed to start listening on %s: %w", p.name, err)
	}
	t.listeners.Store(p.id, listener{in: p.in, stop: stop})
	return nil
}

// Disconnect stops listening on src. Disconnecting a source that is not
// connected is a no-op.
func (t *Transport) Disconnect(src catalog.Endpoint) error {
	p, err := asPort(src)
	if err != nil {
		return err
	}
	l, ok := t.listeners.LoadAndDelete(p.id)
	if !ok {
		return nil
	}
	l.stop()
	return l.in.Close()
}

// outPort returns the open port for dst, opening it on first use.
func (t *Transport) outPort(p *port) (drivers.Out, error) {
	if p.out == nil {
		return nil, fmt.Errorf("%s is not an output: %w", p.name, catalog.ErrNotEndpoint)
	}
	if p == t.virtual {
		return p.out, nil
	}
	if out, ok := t.outs.Load(p.id); ok {
		return out, nil
	}
	if !p.out.IsOpen() {
		if err := p.out.Open(); err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", p.name, err)
		}
	}
	out, loaded := t.outs.LoadOrStore(p.id, p.out)
	if loaded {
		// Lost a race against another sender.
		p.out.Close()
	}
	return out, nil
}

// Send writes every event of batch to dst, in order.
func (t *Transport) Send(dst catalog.Endpoint, batch []packet.Event) error {
	p, err := asPort(dst)
	if err != nil {
		return err
	}
	out, err := t.outPort(p)
	if err != nil {
		return err
	}
	for _, ev := range batch {
		if err := out.Send(ev.Data); err != nil {
			return fmt.Errorf("failed to send to %s: %w", p.name, err)
		}
	}
	return nil
}

// Close stops every listener, closes every port and the driver.
func (t *Transport) Close() error {
	var errs []error
	t.listeners.Range(func(id uint64, l listener) bool {
		t.listeners.Delete(id)
		l.stop()
		if err := l.in.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	t.outs.Range(func(id uint64, out drivers.Out) bool {
		t.outs.Delete(id)
		if err := out.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	if t.virtual != nil {
		if err := t.virtual.out.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.drv.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
