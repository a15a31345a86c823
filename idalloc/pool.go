// Package idalloc implements the packet-identifier allocator: an
// interval-compressed free pool over a bounded range of uint16 values.
//
// The design mirrors value_allocator from the mqtt_cpp broker this module
// was distilled from: free values are tracked as an ordered set of disjoint
// closed intervals rather than a bitmap or a linear scan, so allocate/release
// stay close to O(log n) in the number of distinct free runs instead of
// O(range) in the size of the value space.
package idalloc

import "sort"

// interval is a closed, inclusive range [low, high] of free values.
type interval struct {
	low, high uint16
}

// Pool allocates and releases values from a bounded range, coalescing
// adjacent free runs into a single interval. The zero value is not usable;
// construct with New.
type Pool struct {
	lowest, highest uint16
	free            []interval // kept sorted by low, pairwise disjoint and non-adjacent
}

// New creates a Pool covering the closed range [lowest, highest].
func New(lowest, highest uint16) *Pool {
	p := &Pool{lowest: lowest, highest: highest}
	p.Clear()
	return p
}

// NewPacketIDPool creates the pool described by spec §4.2: the full 16-bit
// packet-identifier space with 0 excluded (reserved, never allocated).
func NewPacketIDPool() *Pool {
	return New(1, 65535)
}

// Allocate returns the low end of the smallest free interval, shrinking or
// removing that interval. It reports false if the pool has nothing free.
func (p *Pool) Allocate() (uint16, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	iv := p.free[0]
	value := iv.low
	if iv.low < iv.high {
		p.free[0].low = iv.low + 1
	} else {
		p.free = p.free[1:]
	}
	return value, true
}

// FirstVacant peeks at the value Allocate would return, without consuming it.
func (p *Pool) FirstVacant() (uint16, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	return p.free[0].low, true
}

// Release returns value to the pool, coalescing with an adjacent interval on
// either side when possible. Releasing a value already free is a no-op.
func (p *Pool) Release(value uint16) {
	if value < p.lowest || value > p.highest {
		return
	}

	// idx is the first interval whose low is > value.
	idx := sort.Search(len(p.free), func(i int) bool {
		return p.free[i].low > value
	})

	// Check containment in the interval immediately before idx (if any);
	// releasing an already-free value is a no-op.
	if idx > 0 {
		prev := p.free[idx-1]
		if value >= prev.low && value <= prev.high {
			return
		}
	}

	mergeLeft := idx > 0 && p.free[idx-1].high+1 == value
	mergeRight := idx < len(p.free) && value+1 == p.free[idx].low
	// value == 65535 (max uint16) would overflow the +1 checks above; guard
	// explicitly since the allocator's range never actually reaches the
	// uint16 ceiling for either packet ids or topic aliases in a way that
	// leaves this ambiguous (highest is always <= 65535 and a free interval
	// ending at 65535 simply never looks adjacent-right to anything).
	if value == 65535 {
		mergeRight = false
	}

	switch {
	case mergeLeft && mergeRight:
		p.free[idx-1].high = p.free[idx].high
		p.free = append(p.free[:idx], p.free[idx+1:]...)
	case mergeLeft:
		p.free[idx-1].high = value
	case mergeRight:
		p.free[idx].low = value
	default:
		p.free = append(p.free, interval{})
		copy(p.free[idx+1:], p.free[idx:])
		p.free[idx] = interval{low: value, high: value}
	}
}

// Use removes value from the pool, declaring it in use, splitting its
// containing interval as needed. It reports false if value was already in
// use (not found in any free interval) or out of range.
func (p *Pool) Use(value uint16) bool {
	if value < p.lowest || value > p.highest {
		return false
	}

	idx := sort.Search(len(p.free), func(i int) bool {
		return p.free[i].high >= value
	})
	if idx == len(p.free) || value < p.free[idx].low {
		return false
	}

	iv := p.free[idx]
	switch {
	case iv.low == value && iv.high == value:
		p.free = append(p.free[:idx], p.free[idx+1:]...)
	case iv.low == value:
		p.free[idx].low = value + 1
	case iv.high == value:
		p.free[idx].high = value - 1
	default:
		p.free[idx].high = value - 1
		tail := interval{low: value + 1, high: iv.high}
		p.free = append(p.free, interval{})
		copy(p.free[idx+2:], p.free[idx+1:])
		p.free[idx+1] = tail
	}
	return true
}

// Clear resets the pool to a single interval spanning the whole configured range.
func (p *Pool) Clear() {
	p.free = []interval{{low: p.lowest, high: p.highest}}
}

// IntervalCount reports the number of disjoint free runs currently tracked;
// a diagnostic, not part of the allocation contract.
func (p *Pool) IntervalCount() int {
	return len(p.free)
}

// Interval is a closed, inclusive range of free values, exported for
// snapshotting a Pool's state (e.g. when persisting a session).
type Interval struct {
	Low, High uint16
}

// FreeIntervals returns a snapshot of the currently free intervals, in order.
func (p *Pool) FreeIntervals() []Interval {
	out := make([]Interval, len(p.free))
	for i, iv := range p.free {
		out[i] = Interval{Low: iv.low, High: iv.high}
	}
	return out
}

// Bounds returns the pool's configured [lowest, highest] range.
func (p *Pool) Bounds() (lowest, highest uint16) {
	return p.lowest, p.highest
}

// Restore rebuilds a Pool over [lowest, highest] with exactly the given free
// intervals, as captured by a prior FreeIntervals call.
func Restore(lowest, highest uint16, free []Interval) *Pool {
	p := &Pool{lowest: lowest, highest: highest}
	p.free = make([]interval, len(free))
	for i, iv := range free {
		p.free[i] = interval{low: iv.Low, high: iv.High}
	}
	return p
}
