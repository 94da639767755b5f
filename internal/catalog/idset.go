package catalog

import (
	"encoding/json"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// IDSet is an immutable set of device ids. The zero value is an empty set.
type IDSet struct {
	bmp *roaring64.Bitmap
}

// NewIDSet returns a set holding the given ids.
func NewIDSet(ids ...DeviceID) IDSet {
	bmp := roaring64.New()
	for _, id := range ids {
		bmp.Add(uint64(id))
	}
	return IDSet{bmp: bmp}
}

func (s IDSet) bitmap() *roaring64.Bitmap {
	if s.bmp == nil {
		return roaring64.New()
	}
	return s.bmp
}

// Contains returns true if id is in the set.
func (s IDSet) Contains(id DeviceID) bool {
	return s.bmp != nil && s.bmp.Contains(uint64(id))
}

// Len returns the number of ids in the set.
func (s IDSet) Len() int {
	if s.bmp == nil {
		return 0
	}
	return int(s.bmp.GetCardinality())
}

// Slice returns the ids in ascending order.
func (s IDSet) Slice() []DeviceID {
	if s.bmp == nil {
		return nil
	}
	arr := s.bmp.ToArray()
	ids := make([]DeviceID, len(arr))
	for i, v := range arr {
		ids[i] = DeviceID(v)
	}
	return ids
}

// Union returns s ∪ o.
func (s IDSet) Union(o IDSet) IDSet {
	return IDSet{bmp: roaring64.Or(s.bitmap(), o.bitmap())}
}

// Difference returns s − o.
func (s IDSet) Difference(o IDSet) IDSet {
	return IDSet{bmp: roaring64.AndNot(s.bitmap(), o.bitmap())}
}

// With returns a copy of s that includes id.
func (s IDSet) With(id DeviceID) IDSet {
	bmp := s.bitmap().Clone()
	bmp.Add(uint64(id))
	return IDSet{bmp: bmp}
}

// Without returns a copy of s that does not include id.
func (s IDSet) Without(id DeviceID) IDSet {
	bmp := s.bitmap().Clone()
	bmp.Remove(uint64(id))
	return IDSet{bmp: bmp}
}

// Equal returns true if both sets hold the same ids.
func (s IDSet) Equal(o IDSet) bool {
	return s.bitmap().Equals(o.bitmap())
}

// MarshalJSON encodes the set as a list of integers.
func (s IDSet) MarshalJSON() ([]byte, error) {
	ids := s.Slice()
	if ids == nil {
		ids = []DeviceID{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes a list of integers into the set.
func (s *IDSet) UnmarshalJSON(b []byte) error {
	var ids []DeviceID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}
