// Package vclock implements a {device_id -> counter} vector clock defining a
// partial "happens-before" order across devices. Missing is zero: Get is a
// total function over device-id strings.
package vclock

import "sort"

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Less indicates the receiver happened before the argument.
	Less Ordering = iota
	// Equal indicates the two clocks are pointwise identical.
	Equal
	// Greater indicates the receiver happened after the argument.
	Greater
)

// Clock is a vector clock: an ordered map of device id to logical counter.
type Clock struct {
	clocks map[string]uint64
}

// New returns a new, empty vector clock.
func New() Clock {
	return Clock{clocks: make(map[string]uint64)}
}

// Clone returns a deep copy of the clock.
func (c Clock) Clone() Clock {
	out := New()
	for k, v := range c.clocks {
		out.clocks[k] = v
	}
	return out
}

// Tick strictly increments the given device's entry by one.
func (c *Clock) Tick(deviceID string) {
	if c.clocks == nil {
		c.clocks = make(map[string]uint64)
	}
	c.clocks[deviceID]++
}

// Get returns the device's counter, or zero if absent.
func (c Clock) Get(deviceID string) uint64 {
	return c.clocks[deviceID]
}

// Merge pointwise-maxes other into c.
func (c *Clock) Merge(other Clock) {
	if c.clocks == nil {
		c.clocks = make(map[string]uint64)
	}
	for device, ts := range other.clocks {
		if ts > c.clocks[device] {
			c.clocks[device] = ts
		}
	}
}

// PartialCmp compares two vector clocks, returning the ordering if one
// dominates the other, or (_, false) if they are concurrent.
func (c Clock) PartialCmp(other Clock) (Ordering, bool) {
	keys := make(map[string]struct{}, len(c.clocks)+len(other.clocks))
	for k := range c.clocks {
		keys[k] = struct{}{}
	}
	for k := range other.clocks {
		keys[k] = struct{}{}
	}

	var hasGreater, hasLess bool
	for k := range keys {
		a, b := c.Get(k), other.Get(k)
		switch {
		case a > b:
			hasGreater = true
		case a < b:
			hasLess = true
		}
		if hasGreater && hasLess {
			return Equal, false
		}
	}

	switch {
	case hasGreater:
		return Greater, true
	case hasLess:
		return Less, true
	default:
		return Equal, true
	}
}

// IsConcurrent reports whether neither clock dominates the other.
func (c Clock) IsConcurrent(other Clock) bool {
	_, ok := c.PartialCmp(other)
	return !ok
}

// Equals reports pointwise equality, ignoring zero-valued entries so a clock
// with an explicit zero entry compares equal to one missing that entry.
func (c Clock) Equals(other Clock) bool {
	ord, ok := c.PartialCmp(other)
	return ok && ord == Equal
}

// DeviceIDs returns the sorted list of device ids with a non-zero entry.
func (c Clock) DeviceIDs() []string {
	ids := make([]string, 0, len(c.clocks))
	for k := range c.clocks {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// IsEmpty reports whether the clock has no entries.
func (c Clock) IsEmpty() bool {
	return len(c.clocks) == 0
}

// AsMap returns a copy of the clock's underlying map, for serialization.
func (c Clock) AsMap() map[string]uint64 {
	out := make(map[string]uint64, len(c.clocks))
	for k, v := range c.clocks {
		out[k] = v
	}
	return out
}

// FromMap builds a Clock from a plain map, e.g. after JSON decode.
func FromMap(m map[string]uint64) Clock {
	out := New()
	for k, v := range m {
		out.clocks[k] = v
	}
	return out
}

// MarshalJSON serializes the clock as a plain {device_id: counter} object.
func (c Clock) MarshalJSON() ([]byte, error) {
	return marshalMap(c.clocks)
}

// UnmarshalJSON deserializes a plain {device_id: counter} object.
func (c *Clock) UnmarshalJSON(data []byte) error {
	m, err := unmarshalMap(data)
	if err != nil {
		return err
	}
	c.clocks = m
	return nil
}
