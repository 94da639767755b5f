package packet

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteName converts a MIDI note number to note name (60 is C4).
func NoteName(note uint8) string {
	octave := int(note)/12 - 1
	return fmt.Sprintf("%s%d", noteNames[note%12], octave)
}

// hasChannelInfo checks if a message is a channel message (0x80-0xEF).
func hasChannelInfo(data []byte) bool {
	return len(data) >= 1 && data[0] >= 0x80 && data[0] <= 0xef
}

// formatVelocity formats velocity info with before->after if changed.
func formatVelocity(orig, scaled uint8) string {
	if orig != scaled {
		return fmt.Sprintf("velocity: %d->%d", orig, scaled)
	}
	return fmt.Sprintf("velocity: %d", orig)
}

// Describe creates a human readable line for an event and its scaled
// counterpart, showing the velocity transformation when one was applied.
func Describe(orig, scaled Event) string {
	msg := midi.Message(orig.Data)
	messageType := msg.Type().String()

	if !hasChannelInfo(orig.Data) {
		if len(orig.Data) > 1 {
			return fmt.Sprintf("%s data: %v", messageType, orig.Data[1:])
		}
		return messageType
	}

	channel := orig.Data[0]&0x0f + 1
	var ch, key, velocity uint8
	if msg.GetNoteOn(&ch, &key, &velocity) && len(scaled.Data) == 3 {
		return fmt.Sprintf("%s channel: %d, note: %s, %s", messageType,
			channel, NoteName(key), formatVelocity(velocity, scaled.Data[2]))
	}
	if len(orig.Data) > 1 {
		return fmt.Sprintf("%s channel: %d, data: %v", messageType, channel, orig.Data[1:])
	}
	return fmt.Sprintf("%s channel: %d", messageType, channel)
}
