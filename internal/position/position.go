// Package position synthesizes ordering keys for items in a list.
//
// Keys are fixed-point integers. A new key is placed halfway between its
// neighbours; when no integer remains between them the whole list is
// renumbered with an even gap.
package position

import (
	"errors"
	"math"
)

// DefaultGap is the distance between adjacent keys after a renumber
const DefaultGap int64 = 1024

// ErrIndexOutOfRange is returned when the target index is past either end
// of the list.
var ErrIndexOutOfRange = errors.New("target index out of range")

// Keyed is an item already placed in a list
type Keyed struct {
	ID  string
	Key int64
}

// Placement is the result of placing an item.
type Placement struct {
	Key int64

	// Renumbered is nil unless the list had to be respaced. When set it holds
	// the new key of every item in the list, the placed item included.
	Renumbered map[string]int64
}

// Allocator computes keys with a fixed gap
type Allocator struct {
	gap int64
}

// New returns an allocator. A non-positive gap falls back to DefaultGap.
func New(gap int64) Allocator {
	if gap <= 0 {
		gap = DefaultGap
	}
	return Allocator{gap: gap}
}

// Gap returns the spacing used for head, tail and renumbered keys
func (a Allocator) Gap() int64 {
	if a.gap <= 0 {
		return DefaultGap
	}
	return a.gap
}

// Between returns a key strictly between prev and next. A nil bound means
// the corresponding end of the list. ok is false when no such key exists.
func (a Allocator) Between(prev, next *int64) (key int64, ok bool) {
	gap := a.Gap()

	switch {
	case prev == nil && next == nil:
		return gap, true
	case prev == nil:
		if *next < math.MinInt64+gap {
			return 0, false
		}
		return *next - gap, true
	case next == nil:
		if *prev > math.MaxInt64-gap {
			return 0, false
		}
		return *prev + gap, true
	}

	lo, hi := *prev, *next
	if hi <= lo {
		return 0, false
	}
	// span fits in uint64 even when lo and hi straddle zero
	span := uint64(hi) - uint64(lo)
	mid := lo + int64(span/2)
	if mid == lo || mid == hi {
		return 0, false
	}
	return mid, true
}

// Place computes a key for id inserted at index among ordered, which must be
// sorted by key and must not contain id itself. index == len(ordered)
// appends.
func (a Allocator) Place(ordered []Keyed, index int, id string) (Placement, error) {
	if index < 0 || index > len(ordered) {
		return Placement{}, ErrIndexOutOfRange
	}

	var prev, next *int64
	if index > 0 {
		prev = &ordered[index-1].Key
	}
	if index < len(ordered) {
		next = &ordered[index].Key
	}

	if key, ok := a.Between(prev, next); ok {
		return Placement{Key: key}, nil
	}

	ids := make([]string, 0, len(ordered)+1)
	for i, item := range ordered {
		if i == index {
			ids = append(ids, id)
		}
		ids = append(ids, item.ID)
	}
	if index == len(ordered) {
		ids = append(ids, id)
	}

	keys := a.Renumber(ids)
	return Placement{Key: keys[id], Renumbered: keys}, nil
}

// Renumber assigns evenly spaced keys to ids in their given order
func (a Allocator) Renumber(ids []string) map[string]int64 {
	gap := a.Gap()
	out := make(map[string]int64, len(ids))
	for i, id := range ids {
		out[id] = gap * int64(i+1)
	}
	return out
}

// HasDuplicates reports whether two adjacent items in a sorted list share a
// key.
func HasDuplicates(ordered []Keyed) bool {
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Key <= ordered[i-1].Key {
			return true
		}
	}
	return false
}
