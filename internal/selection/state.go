// Package selection persists which input devices are selected, which output
// device is selected and the velocity scale percentage.
package selection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/packet"
)

const (
	keyInputs   = "selectedInputIDs"
	keyOutput   = "selectedOutputID"
	keyVelocity = "velocityPercent"
)

// State is a typed view over a Store. It does no locking of its own; callers
// serialize access.
type State struct {
	db Store
}

// New returns a State persisted in db.
func New(db Store) *State {
	return &State{db: db}
}

func (s *State) get(key string, v interface{}) (bool, error) {
	b, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to read %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("unable to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) put(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", key, err)
	}
	if err := s.db.Put(key, b); err != nil {
		return fmt.Errorf("unable to write %s: %w", key, err)
	}
	return nil
}

// Inputs returns the persisted input selection. The bool is false when no
// selection was ever persisted, which is not the same as an empty selection.
func (s *State) Inputs() (catalog.IDSet, bool, error) {
	var ids catalog.IDSet
	ok, err := s.get(keyInputs, &ids)
	return ids, ok, err
}

// SetInputs persists the input selection.
func (s *State) SetInputs(ids catalog.IDSet) error {
	return s.put(keyInputs, ids)
}

// Output returns the persisted output selection, if any.
func (s *State) Output() (catalog.DeviceID, bool, error) {
	var id catalog.DeviceID
	ok, err := s.get(keyOutput, &id)
	return id, ok, err
}

// SetOutput persists the output selection.
func (s *State) SetOutput(id catalog.DeviceID) error {
	return s.put(keyOutput, id)
}

// Velocity returns the persisted velocity percentage or packet.DefaultPercent
// when none was persisted. Stored values outside [1, 100] are clamped.
func (s *State) Velocity() (int, error) {
	var v int
	ok, err := s.get(keyVelocity, &v)
	if err != nil || !ok {
		return packet.DefaultPercent, err
	}
	switch {
	case v < packet.MinPercent:
		v = packet.MinPercent
	case v > packet.MaxPercent:
		v = packet.MaxPercent
	}
	return v, nil
}

// SetVelocity persists the velocity percentage.
func (s *State) SetVelocity(percent int) error {
	return s.put(keyVelocity, percent)
}

// Reset removes every persisted key.
func (s *State) Reset() error {
	if err := s.db.Delete(keyInputs, keyOutput, keyVelocity); err != nil {
		return fmt.Errorf("unable to reset selection: %w", err)
	}
	return nil
}
