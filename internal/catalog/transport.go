package catalog

import (
	"errors"

	"github.com/leafo/blackkeys/internal/packet"
)

// ErrNotEndpoint is returned by transports handed an endpoint they did not
// produce.
var ErrNotEndpoint = errors.New("endpoint does not belong to transport")

// Property is the key of an endpoint property.
type Property int

const (
	PropName Property = iota
	PropModel
	PropUniqueID
)

// Endpoint is a transport level port handle. Property lookups return false
// when the transport does not know the property for this endpoint.
type Endpoint interface {
	StringProperty(key Property) (string, bool)
	IntProperty(key Property) (uint64, bool)
}

// PacketHandler receives batches of events read from connected sources. It
// is called from the transport's own goroutines. The batch and its data are
// only valid for the duration of the call.
type PacketHandler interface {
	HandlePackets(src DeviceID, batch []packet.Event)
}

// Transport is the OS MIDI layer. Implementations must be safe for
// concurrent use.
type Transport interface {
	// Sources lists endpoints that can be read from.
	Sources() ([]Endpoint, error)

	// Destinations lists endpoints that can be sent to.
	Destinations() ([]Endpoint, error)

	// Connect starts delivering packets read from src to h.
	Connect(src Endpoint, h PacketHandler) error

	// Disconnect stops delivering packets from src.
	Disconnect(src Endpoint) error

	// Send writes a batch to dst.
	Send(dst Endpoint, batch []packet.Event) error

	Close() error
}
