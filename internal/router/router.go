// Package router decides which input devices are connected and which output
// receives the rewritten event stream, and forwards incoming packets.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/decred/slog"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/metrics"
	"github.com/leafo/blackkeys/internal/packet"
	"github.com/leafo/blackkeys/internal/selection"
)

var (
	// ErrUnknownDevice is returned when selecting a device that is not
	// currently available for the requested role.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrVelocityRange is returned for velocity percentages outside
	// [1, 100].
	ErrVelocityRange = errors.New("velocity percent out of range")
)

// Config holds the dependencies of a Controller.
type Config struct {
	Catalog   *catalog.Catalog
	Transport catalog.Transport
	State     *selection.State

	// Stats is optional.
	Stats *metrics.Stats

	// Log is optional.
	Log slog.Logger
}

// route is the immutable snapshot read by the packet path.
type route struct {
	percent int
	out     catalog.Device
	hasOut  bool
}

// Change is the result of an input selection edit.
type Change struct {
	Added   []catalog.DeviceID
	Removed []catalog.DeviceID
}

// Controller owns the device selection. All selection edits and
// reconciliations are serialized by mtx; the packet path only reads the
// route snapshot.
type Controller struct {
	cat   *catalog.Catalog
	t     catalog.Transport
	state *selection.State
	stats *metrics.Stats
	log   slog.Logger

	route atomic.Pointer[route]
	bufs  sync.Pool

	mtx       sync.Mutex
	scanned   bool
	known     catalog.IDSet
	selected  catalog.IDSet
	connected map[catalog.DeviceID]catalog.Device
	output    *catalog.Device
	percent   int
}

// New returns a controller. Start must be called before packets are routed.
func New(cfg Config) *Controller {
	stats := cfg.Stats
	if stats == nil {
		stats = metrics.New()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	c := &Controller{
		cat:       cfg.Catalog,
		t:         cfg.Transport,
		state:     cfg.State,
		stats:     stats,
		log:       log,
		connected: make(map[catalog.DeviceID]catalog.Device),
		percent:   packet.DefaultPercent,
	}
	c.bufs.New = func() interface{} {
		return new(packet.Buffer)
	}
	c.publish()
	return c
}

// publish stores a new route snapshot. Must be called with mtx held.
func (c *Controller) publish() {
	r := &route{percent: c.percent}
	if c.output != nil {
		r.out = *c.output
		r.hasOut = true
	}
	c.route.Store(r)
}

// Start loads the persisted velocity and runs the initial reconciliation.
func (c *Controller) Start() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	percent, err := c.state.Velocity()
	if err != nil {
		return err
	}
	c.percent = percent
	c.publish()
	return c.reconcile()
}

// TopologyChanged re-reads the device catalog and reconciles the selection
// against it. It is safe to call from any goroutine.
func (c *Controller) TopologyChanged() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.log.Debugf("MIDI topology changed")
	if err := c.reconcile(); err != nil {
		c.log.Errorf("Unable to reconcile devices: %v", err)
	}
}

// Close disconnects every connected input.
func (c *Controller) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, id := range c.connectedIDs() {
		d := c.connected[id]
		if err := c.t.Disconnect(d.Endpoint()); err != nil {
			c.log.Warnf("Unable to disconnect %s: %v", d, err)
		}
		delete(c.connected, id)
	}
	c.stats.ConnectedInputs.Set(0)
}

// AvailableInputDevices lists the input devices currently present.
func (c *Controller) AvailableInputDevices() ([]catalog.Device, error) {
	return c.cat.Enumerate(catalog.Input)
}

// AvailableOutputDevices lists the virtual bus outputs currently present.
func (c *Controller) AvailableOutputDevices() ([]catalog.Device, error) {
	return c.cat.Enumerate(catalog.Output)
}

// SelectedInputDevices returns the selected input ids, including ids of
// devices that are not currently present.
func (c *Controller) SelectedInputDevices() []catalog.DeviceID {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.selected.Slice()
}

// ConnectedInputDevices returns the ids of inputs with a live transport
// connection.
func (c *Controller) ConnectedInputDevices() []catalog.DeviceID {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.connectedIDs()
}

// SelectedOutputDevice returns the active output, if any.
func (c *Controller) SelectedOutputDevice() (catalog.Device, bool) {
	r := c.route.Load()
	return r.out, r.hasOut
}

// VelocityScalePercent returns the current velocity scale.
func (c *Controller) VelocityScalePercent() int {
	return c.route.Load().percent
}

// SetVelocityScalePercent changes and persists the velocity scale.
func (c *Controller) SetVelocityScalePercent(percent int) error {
	if percent < packet.MinPercent || percent > packet.MaxPercent {
		return fmt.Errorf("%d: %w", percent, ErrVelocityRange)
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.state.SetVelocity(percent); err != nil {
		return err
	}
	c.percent = percent
	c.publish()
	c.log.Infof("Velocity scale set to %d%%", percent)
	return nil
}

// SetSelectedOutputDevice makes the output with the given id active and
// persists the choice.
func (c *Controller) SetSelectedOutputDevice(id catalog.DeviceID) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	d, ok, err := c.cat.Resolve(id, catalog.Output)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("output %s: %w", id, ErrUnknownDevice)
	}
	if err := c.state.SetOutput(id); err != nil {
		return err
	}
	c.setOutput(&d)
	return nil
}

// SetSelectedInputDevices replaces the input selection, connecting the
// inputs that were added and disconnecting the ones that were removed. Ids of
// devices that are not present are kept selected and connected once they
// appear.
func (c *Controller) SetSelectedInputDevices(ids []catalog.DeviceID) (Change, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.setInputs(catalog.NewIDSet(ids...))
}

// ToggleInputDevice flips the selection of a single input.
func (c *Controller) ToggleInputDevice(id catalog.DeviceID) (Change, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	sel := c.selected.With(id)
	if c.selected.Contains(id) {
		sel = c.selected.Without(id)
	}
	return c.setInputs(sel)
}

func (c *Controller) setInputs(sel catalog.IDSet) (Change, error) {
	change := Change{
		Added:   sel.Difference(c.selected).Slice(),
		Removed: c.selected.Difference(sel).Slice(),
	}
	c.selected = sel
	c.log.Debugf("Input selection changed: added %v, removed %v",
		change.Added, change.Removed)

	// Sources of devices that are not present are connected on the next
	// reconciliation, so a failed enumeration does not stop the
	// selection from being persisted.
	ins, err := c.cat.Enumerate(catalog.Input)
	if err != nil {
		c.log.Errorf("Unable to list inputs: %v", err)
	} else {
		c.syncConnections(ins)
	}
	if err := c.state.SetInputs(sel); err != nil {
		return change, err
	}
	return change, nil
}

// RestoreDefaults wipes the persisted selection and reconciles from scratch,
// as if the process had just started with no saved state.
func (c *Controller) RestoreDefaults() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.state.Reset(); err != nil {
		return err
	}
	c.scanned = false
	c.known = catalog.IDSet{}
	c.selected = catalog.IDSet{}
	c.percent = packet.DefaultPercent
	c.output = nil
	c.publish()
	c.log.Infof("Restored default settings")
	return c.reconcile()
}

// connectedIDs returns the connected ids in ascending order. Must be called
// with mtx held.
func (c *Controller) connectedIDs() []catalog.DeviceID {
	ids := make([]catalog.DeviceID, 0, len(c.connected))
	for id := range c.connected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
