// Package atomicint provides counters that can be logged and
// served as JSON without copying them out first.
package atomicint

import (
	"strconv"
	"sync/atomic"
)

// Int64 is a counter safe for concurrent use.
// The zero value is ready to use.
type Int64 struct {
	v atomic.Int64
}

// Inc adds one and returns the new value.
func (i *Int64) Inc() int64 {
	return i.v.Add(1)
}

// Load returns the current value.
func (i *Int64) Load() int64 {
	return i.v.Load()
}

func (i *Int64) String() string {
	return strconv.FormatInt(i.Load(), 10)
}

// MarshalJSON encodes the current value as a JSON number.
func (i *Int64) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, i.Load(), 10), nil
}
