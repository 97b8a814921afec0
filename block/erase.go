// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

// AllocEnd selects which end of a region AdjustForEraseGeometry allocates
// from.
type AllocEnd int

const (
	AllocFront AllocEnd = iota // lowest address
	AllocBack                  // highest address
)

// AdjustForEraseGeometry is the one non-obvious algorithm spec.md §4.4
// calls out: it finds a location within [regionStart, regionStart+regionLen)
// of at least length bytes, aligned to the erase unit of whichever erase
// region it lands in, rounding length up to a multiple of that erase unit.
// geometry lists the device's non-overlapping erase regions in ascending
// offset order; a device with no erase geometry should pass a single
// region spanning the whole device with EraseSize == its block size.
//
// Regions are visited in order for AllocFront, in reverse for AllocBack,
// and the search returns on the first region that fits (regionLen is
// rounded down per-region to whole erase units before the fit check, since
// a partial erase unit at either end of a region cannot be allocated into).
func AdjustForEraseGeometry(geometry []EraseRegion, regionStart, regionLen, length int64, end AllocEnd) (offset int64, adjustedLength int64, ok bool) {
	indices := make([]int, len(geometry))
	for i := range geometry {
		indices[i] = i
	}
	if end == AllocBack {
		for i, j := 0, len(indices)-1; i < j; i, j = i+1, j-1 {
			indices[i], indices[j] = indices[j], indices[i]
		}
	}

	for _, idx := range indices {
		r := geometry[idx]
		lo := max64(r.Start, regionStart)
		hi := min64(r.Start+r.Length, regionStart+regionLen)
		if lo >= hi {
			continue
		}
		unit := r.EraseSize
		if unit <= 0 {
			continue
		}
		// Align the usable window to whole erase units.
		alignedLo := roundUp(lo, unit)
		alignedHi := roundDown(hi, unit)
		if alignedHi <= alignedLo {
			continue
		}
		want := roundUp(length, unit)
		if alignedHi-alignedLo < want {
			continue
		}
		if end == AllocFront {
			return alignedLo, want, true
		}
		return alignedHi - want, want, true
	}
	return 0, 0, false
}

func roundUp(v, unit int64) int64 {
	if unit <= 0 {
		return v
	}
	rem := v % unit
	if rem == 0 {
		return v
	}
	return v + (unit - rem)
}

func roundDown(v, unit int64) int64 {
	if unit <= 0 {
		return v
	}
	return v - (v % unit)
}
