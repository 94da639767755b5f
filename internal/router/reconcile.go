package router

import (
	"github.com/leafo/blackkeys/internal/catalog"
)

// reconcile brings the active output and input connections in line with
// the current catalog. Must be called with mtx held.
func (c *Controller) reconcile() error {
	c.stats.Reconciles.Inc()
	if err := c.reconcileOutput(); err != nil {
		return err
	}
	return c.reconcileInputs()
}

func findDevice(devices []catalog.Device, id catalog.DeviceID) *catalog.Device {
	for i := range devices {
		if devices[i].ID == id {
			return &devices[i]
		}
	}
	return nil
}

// reconcileOutput picks the active output. The persisted output wins
// whenever it is present. Otherwise the current output is kept if still
// present, else the first enumerated output is used. The fallback is never
// persisted so the user's choice is restored once its device comes back.
func (c *Controller) reconcileOutput() error {
	outs, err := c.cat.Enumerate(catalog.Output)
	if err != nil {
		return err
	}
	persisted, hasPersisted, err := c.state.Output()
	if err != nil {
		return err
	}

	var active *catalog.Device
	if hasPersisted {
		active = findDevice(outs, persisted)
	}
	if active == nil && c.output != nil {
		active = findDevice(outs, c.output.ID)
	}
	if active == nil && len(outs) > 0 {
		active = &outs[0]
	}
	if active == nil && (c.output != nil || !c.scanned) {
		c.log.Warnf("No virtual bus output available; events will be dropped")
	}
	c.setOutput(active)
	return nil
}

// setOutput makes d (nil for none) the active output. Must be called with
// mtx held.
func (c *Controller) setOutput(d *catalog.Device) {
	prev := c.output
	c.output = d
	c.publish()

	switch {
	case prev == nil && d == nil:
	case prev == nil:
		c.log.Infof("Output device: %s", d)
	case d == nil:
		c.log.Infof("Output device %s is gone", prev)
	case prev.ID != d.ID:
		c.log.Infof("Output device changed from %s to %s", prev, d)
	}
}

// reconcileInputs updates the input selection and connections. The first
// scan restores the persisted selection (or selects everything when there is
// none). Later scans auto-select devices never seen before by this process,
// but not devices that were seen and deselected.
func (c *Controller) reconcileInputs() error {
	ins, err := c.cat.Enumerate(catalog.Input)
	if err != nil {
		return err
	}
	present := catalog.IDs(ins)

	var persist bool
	if !c.scanned {
		persisted, ok, err := c.state.Inputs()
		if err != nil {
			return err
		}
		if ok {
			c.selected = persisted
		} else {
			// Selecting everything is what an absent key means, so
			// there is nothing to persist yet.
			c.selected = present
		}
		c.known = present
		c.scanned = true
		c.log.Debugf("Initial input selection: %v", c.selected.Slice())
	} else {
		brandNew := present.Difference(c.known)
		if brandNew.Len() > 0 {
			for _, d := range ins {
				if brandNew.Contains(d.ID) {
					c.log.Infof("New input device %s selected", d)
				}
			}
			c.selected = c.selected.Union(brandNew)
			persist = true
		}
		c.known = c.known.Union(present)
	}

	c.syncConnections(ins)

	if persist {
		return c.state.SetInputs(c.selected)
	}
	return nil
}

// syncConnections connects every selected input that is present and
// disconnects every connected input that is either gone or no longer
// selected. Transport errors are logged. Must be called with mtx held.
func (c *Controller) syncConnections(ins []catalog.Device) {
	present := make(map[catalog.DeviceID]catalog.Device, len(ins))
	for _, d := range ins {
		present[d.ID] = d
	}

	for _, id := range c.connectedIDs() {
		d := c.connected[id]
		_, isPresent := present[id]
		if isPresent && c.selected.Contains(id) {
			continue
		}
		delete(c.connected, id)
		err := c.t.Disconnect(d.Endpoint())
		switch {
		case !isPresent:
			// The device is gone, so failing to release its
			// listener is expected on some transports.
			c.log.Infof("Input device %s disconnected", d)
			if err != nil {
				c.log.Debugf("Releasing %s: %v", d, err)
			}
		case err != nil:
			c.log.Errorf("Unable to disconnect %s: %v", d, err)
		default:
			c.log.Infof("Stopped listening to %s", d)
		}
	}

	for _, d := range ins {
		if !c.selected.Contains(d.ID) {
			continue
		}
		if _, ok := c.connected[d.ID]; ok {
			continue
		}
		if err := c.t.Connect(d.Endpoint(), c); err != nil {
			c.log.Errorf("Unable to connect %s: %v", d, err)
			continue
		}
		c.connected[d.ID] = d
		c.log.Infof("Listening to %s", d)
	}

	c.stats.ConnectedInputs.Set(float64(len(c.connected)))
}
