// Package packet rewrites Note-On velocities of black-key notes in batches of
// raw MIDI events.
package packet

const (
	// DefaultPercent is the velocity scale used until the user picks one.
	DefaultPercent = 83

	MinPercent = 1
	MaxPercent = 100

	minVelocity = 1
	maxVelocity = 127

	statusNoteOn   = 0x90
	statusCodeMask = 0xf0
)

// Event is a single raw MIDI message as delivered by the transport, along
// with the timestamp the transport attached to it.
type Event struct {
	Timestamp int32
	Data      []byte
}

// IsBlackKey reports whether the note number falls on a black key, i.e. its
// pitch class is one of C#, D#, F#, G# or A#.
func IsBlackKey(note uint8) bool {
	switch note % 12 {
	case 1, 3, 6, 8, 10:
		return true
	}
	return false
}

// ScaleVelocity returns floor(velocity*percent/100) clamped to [1, 127].
func ScaleVelocity(velocity uint8, percent int) uint8 {
	v := int(velocity) * percent / 100
	if v < minVelocity {
		return minVelocity
	}
	if v > maxVelocity {
		return maxVelocity
	}
	return uint8(v)
}

// isBlackNoteOn reports whether data is a 3 byte Note-On for a black key.
// Note-On with velocity 0 is a Note-Off and is left alone.
func isBlackNoteOn(data []byte) bool {
	return len(data) == 3 && data[0]&statusCodeMask == statusNoteOn &&
		data[2] != 0 && IsBlackKey(data[1])
}

// Buffer holds the storage reused across scaled batches so that scaling
// does not allocate once the buffer has grown to the batch sizes seen. The
// zero value is ready to use. A Buffer is not safe for concurrent use.
type Buffer struct {
	events []Event
	data   []byte
}

// Scale returns the scaled version of every event in batch along with the
// number of rewritten notes. The result lives in b and is valid until the
// next call to Scale or Reset. Events that are not rewritten share their Data
// with batch, which is never modified.
func (b *Buffer) Scale(batch []Event, percent int) ([]Event, int) {
	b.events, b.data = b.events[:0], b.data[:0]
	var n int
	for _, ev := range batch {
		data := ev.Data
		if isBlackNoteOn(data) {
			// Slices taken before a regrow keep pointing at the old
			// array, which is not written again.
			start := len(b.data)
			b.data = append(b.data, data[0], data[1], ScaleVelocity(data[2], percent))
			data = b.data[start:len(b.data):len(b.data)]
			n++
		}
		b.events = append(b.events, Event{Timestamp: ev.Timestamp, Data: data})
	}
	return b.events, n
}

// Reset drops the references to event data held by b.
func (b *Buffer) Reset() {
	for i := range b.events {
		b.events[i] = Event{}
	}
	b.events = b.events[:0]
	b.data = b.data[:0]
}

// Scale returns a new batch with the velocities of black-key Note-On events
// scaled by percent. The result has the same length, order and timestamps as
// batch.
func Scale(batch []Event, percent int) []Event {
	var b Buffer
	out, _ := b.Scale(batch, percent)
	return out
}
