package catalog

import (
	"fmt"
	"strings"

	"github.com/decred/slog"
)

// VirtualBusModel is the model reported by virtual ports created by this
// process.
const VirtualBusModel = "Virtual Bus"

// DefaultVirtualBusMarkers are the model substrings that identify virtual bus
// endpoints: the macOS IAC driver, the ALSA through port, and our own ports.
var DefaultVirtualBusMarkers = []string{"IAC Driver", "Midi Through", VirtualBusModel}

// Config holds the dependencies of a Catalog.
type Config struct {
	Transport Transport

	// VirtualBusMarkers overrides DefaultVirtualBusMarkers when non-empty.
	VirtualBusMarkers []string

	Log slog.Logger
}

// Catalog is a read-through view over a Transport. It keeps no state between
// calls.
type Catalog struct {
	t       Transport
	markers []string
	log     slog.Logger
}

// New returns a new catalog.
func New(cfg Config) *Catalog {
	markers := cfg.VirtualBusMarkers
	if len(markers) == 0 {
		markers = DefaultVirtualBusMarkers
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Catalog{t: cfg.Transport, markers: markers, log: log}
}

// Classify returns the class of the endpoint based on its model.
func (c *Catalog) Classify(ep Endpoint) Class {
	model, ok := ep.StringProperty(PropModel)
	if !ok || model == "" {
		return ClassUnknown
	}
	for _, m := range c.markers {
		if strings.Contains(model, m) {
			return ClassVirtualBus
		}
	}
	return ClassPhysical
}

// keep applies the role filter: outputs must be virtual buses, inputs must
// not be. Unknown endpoints are kept as inputs and dropped as outputs.
func keep(role Role, class Class) bool {
	if role == Output {
		return class == ClassVirtualBus
	}
	return class != ClassVirtualBus
}

// Enumerate lists the devices available for role, in transport order.
func (c *Catalog) Enumerate(role Role) ([]Device, error) {
	var eps []Endpoint
	var err error
	if role == Output {
		eps, err = c.t.Destinations()
	} else {
		eps, err = c.t.Sources()
	}
	if err != nil {
		return nil, fmt.Errorf("unable to list %s endpoints: %w", role, err)
	}

	devices := make([]Device, 0, len(eps))
	for _, ep := range eps {
		uid, ok := ep.IntProperty(PropUniqueID)
		if !ok {
			name, _ := ep.StringProperty(PropName)
			c.log.Warnf("Skipping %s endpoint %q without unique id", role, name)
			continue
		}
		class := c.Classify(ep)
		if !keep(role, class) {
			continue
		}
		name, ok := ep.StringProperty(PropName)
		if !ok || name == "" {
			name = fmt.Sprintf("Unnamed %s %d", role, uid)
		}
		devices = append(devices, Device{
			ID:    DeviceID(uid),
			Name:  name,
			Role:  role,
			Class: class,
			ep:    ep,
		})
	}
	return devices, nil
}

// Resolve looks up the device with the given id among the currently
// enumerated devices for role.
func (c *Catalog) Resolve(id DeviceID, role Role) (Device, bool, error) {
	devices, err := c.Enumerate(role)
	if err != nil {
		return Device{}, false, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}
