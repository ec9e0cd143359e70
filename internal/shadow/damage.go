// Package shadow implements the shadow-fd replication engine: the table of
// locally-owned file descriptors mirrored across the channel, dirty-region
// tracking, the block diff engine, and the apply path that patches mirrored
// resources on the receiving side.
package shadow

import "sort"

// -------------------------------------------------------------------------
// Damage — coalesced dirty byte intervals
// -------------------------------------------------------------------------

// Interval is a half-open byte range [Lo, Hi) within a resource.
type Interval struct {
	Lo int64
	Hi int64
}

// Len returns the interval length in bytes.
func (iv Interval) Len() int64 { return iv.Hi - iv.Lo }

// Damage tracks the dirty region of a shadow resource as a coalesced set of
// half-open byte intervals, with a sentinel "all" state that marks a full
// resend. The zero value is an empty damage set.
//
// Not safe for concurrent mutation; the owning worker is the only mutator.
type Damage struct {
	all       bool
	intervals []Interval
}

// Empty reports whether no bytes are damaged.
func (d *Damage) Empty() bool {
	return !d.all && len(d.intervals) == 0
}

// All reports whether the sentinel full-resend state is set.
func (d *Damage) All() bool { return d.all }

// MarkAll sets the sentinel full-resend state, discarding any tracked
// intervals.
func (d *Damage) MarkAll() {
	d.all = true
	d.intervals = nil
}

// Add unions the half-open interval [lo, hi) into the damage set, coalescing
// any intervals it touches. Adjacent intervals merge. Empty or inverted
// ranges are ignored.
func (d *Damage) Add(lo, hi int64) {
	if d.all || hi <= lo {
		return
	}

	// Find the insertion window: every existing interval overlapping or
	// adjacent to [lo, hi) is absorbed.
	merged := Interval{Lo: lo, Hi: hi}
	out := make([]Interval, 0, len(d.intervals)+1)
	inserted := false
	for _, iv := range d.intervals {
		switch {
		case iv.Hi < merged.Lo:
			out = append(out, iv)
		case merged.Hi < iv.Lo:
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, iv)
		default:
			if iv.Lo < merged.Lo {
				merged.Lo = iv.Lo
			}
			if iv.Hi > merged.Hi {
				merged.Hi = iv.Hi
			}
		}
	}
	if !inserted {
		out = append(out, merged)
	}

	// Absorbing can leave the merged interval out of place relative to
	// later absorbed spans; restore order.
	sort.Slice(out, func(i, j int) bool { return out[i].Lo < out[j].Lo })
	d.intervals = out
}

// Clear resets the damage set to empty.
func (d *Damage) Clear() {
	d.all = false
	d.intervals = nil
}

// Intervals materializes the damage as concrete intervals clamped to
// [0, size). The sentinel state yields the single interval [0, size).
func (d *Damage) Intervals(size int64) []Interval {
	if d.all {
		if size <= 0 {
			return nil
		}
		return []Interval{{Lo: 0, Hi: size}}
	}

	out := make([]Interval, 0, len(d.intervals))
	for _, iv := range d.intervals {
		lo, hi := iv.Lo, iv.Hi
		if lo < 0 {
			lo = 0
		}
		if hi > size {
			hi = size
		}
		if hi > lo {
			out = append(out, Interval{Lo: lo, Hi: hi})
		}
	}
	return out
}

// Covered returns the total number of damaged bytes within [0, size).
func (d *Damage) Covered(size int64) int64 {
	var total int64
	for _, iv := range d.Intervals(size) {
		total += iv.Len()
	}
	return total
}
