// Package guestmem maps guest-physical address ranges onto host-process
// memory for one vhost device. The region set is replaced wholesale whenever
// the guest's memory layout changes; translations taken before a swap remain
// valid because they alias the old backing slices.
package guestmem

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

var (
	// ErrOutOfRange is returned when a guest-physical span does not fall
	// entirely within a single registered region.
	ErrOutOfRange = errors.New("guestmem: address out of range")

	// ErrOverlap is returned by Register when two regions' guest-physical
	// ranges intersect.
	ErrOverlap = errors.New("guestmem: overlapping regions")
)

// Region describes one guest-physical range and its host backing.
// Host must be at least Size bytes long; the first Size bytes back the
// guest-physical range [GPA, GPA+Size).
type Region struct {
	GPA  uint64
	Size uint64
	Host []byte
}

// Map is the translation table for one device. Register and Unregister swap
// the whole region set atomically as observed by subsequent Translate calls.
// The caller sequences swaps against in-flight I/O.
type Map struct {
	regions atomic.Pointer[[]Region]
}

// NewMap returns an empty translation table.
func NewMap() *Map {
	m := &Map{}
	empty := []Region{}
	m.regions.Store(&empty)
	return m
}

// Register replaces the region set. Regions may be passed in any order; they
// are validated and stored sorted by guest-physical base. The previous set is
// discarded in one swap.
func (m *Map) Register(regions []Region) error {
	set := make([]Region, len(regions))
	copy(set, regions)
	sort.Slice(set, func(i, j int) bool { return set[i].GPA < set[j].GPA })

	for i, r := range set {
		if r.Size == 0 {
			return fmt.Errorf("guestmem: region %d at 0x%x has zero size", i, r.GPA)
		}
		if uint64(len(r.Host)) < r.Size {
			return fmt.Errorf("guestmem: region %d at 0x%x: host backing %d bytes, need %d",
				i, r.GPA, len(r.Host), r.Size)
		}
		if r.GPA+r.Size < r.GPA {
			return fmt.Errorf("guestmem: region %d at 0x%x wraps the address space", i, r.GPA)
		}
		if i > 0 && set[i-1].GPA+set[i-1].Size > r.GPA {
			return fmt.Errorf("%w: [0x%x, 0x%x) and [0x%x, 0x%x)", ErrOverlap,
				set[i-1].GPA, set[i-1].GPA+set[i-1].Size, r.GPA, r.GPA+r.Size)
		}
	}

	m.regions.Store(&set)
	return nil
}

// Unregister swaps in an empty region set. Translations already handed out
// keep their backing.
func (m *Map) Unregister() {
	empty := []Region{}
	m.regions.Store(&empty)
}

// Translate resolves the guest-physical span [gpa, gpa+length) to host
// memory. The span must lie entirely within one region; a span straddling
// two regions fails with ErrOutOfRange even if both halves are mapped,
// because adjacent guest-physical regions need not be host-contiguous.
func (m *Map) Translate(gpa uint64, length uint32) ([]byte, error) {
	r, off, ok := m.find(gpa)
	if !ok || uint64(length) > r.Size-off {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)", ErrOutOfRange, gpa, gpa+uint64(length))
	}
	return r.Host[off : off+uint64(length) : off+uint64(length)], nil
}

// TranslateTail resolves gpa to host memory extending to the end of its
// region. Ring accessors use this to slice fixed-layout structures without
// re-translating every field.
func (m *Map) TranslateTail(gpa uint64) ([]byte, error) {
	r, off, ok := m.find(gpa)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrOutOfRange, gpa)
	}
	return r.Host[off:r.Size], nil
}

// NumRegions returns the size of the current region set.
func (m *Map) NumRegions() int {
	return len(*m.regions.Load())
}

func (m *Map) find(gpa uint64) (Region, uint64, bool) {
	set := *m.regions.Load()
	// First region starting above gpa; the candidate is the one before it.
	i := sort.Search(len(set), func(i int) bool { return set[i].GPA > gpa })
	if i == 0 {
		return Region{}, 0, false
	}
	r := set[i-1]
	off := gpa - r.GPA
	if off >= r.Size {
		return Region{}, 0, false
	}
	return r, off, true
}
