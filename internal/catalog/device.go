// Package catalog enumerates the MIDI endpoints exposed by a transport and
// classifies them into selectable input and output devices.
package catalog

import (
	"fmt"
	"strconv"
)

// DeviceID is the stable identifier the transport assigns to an endpoint.
type DeviceID uint64

func (id DeviceID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Role is the direction of a device from this process' point of view.
type Role int

const (
	Input Role = iota
	Output
)

func (r Role) String() string {
	switch r {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Class tells virtual bus endpoints (software-only ports used to route
// between applications) from hardware or driver backed ones.
type Class int

const (
	// ClassUnknown is used when the endpoint did not report a model.
	ClassUnknown Class = iota
	ClassPhysical
	ClassVirtualBus
)

func (c Class) String() string {
	switch c {
	case ClassPhysical:
		return "physical"
	case ClassVirtualBus:
		return "virtual bus"
	default:
		return "unknown"
	}
}

// Device is an enumerated endpoint.
type Device struct {
	ID    DeviceID
	Name  string
	Role  Role
	Class Class

	ep Endpoint
}

// IsVirtualBus returns true if the device was classified as a virtual bus.
func (d Device) IsVirtualBus() bool {
	return d.Class == ClassVirtualBus
}

// Endpoint returns the transport handle the device was built from.
func (d Device) Endpoint() Endpoint {
	return d.ep
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// IDs returns the set of ids of the given devices.
func IDs(devices []Device) IDSet {
	ids := make([]DeviceID, len(devices))
	for i := range devices {
		ids[i] = devices[i].ID
	}
	return NewIDSet(ids...)
}
