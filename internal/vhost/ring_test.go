package vhost

import (
	"encoding/binary"
	"testing"

	"github.com/costad2/spdk/internal/vhost/guestmem"
)

// guestRig plays the guest side for tests: it owns a single memory region,
// lays ring sets out inside it, and publishes avail entries the way a driver
// would. The embedded default guestQueue is ring slot 0; multi-queue tests
// take more slots with queueAt.
type guestRig struct {
	*guestQueue

	t    *testing.T
	mem  *guestmem.Map
	host []byte
	base uint64
	size uint16

	dataNext uint64 // bump allocator for payload buffers
}

// guestQueue is the guest's view of one ring set.
type guestQueue struct {
	g *guestRig

	descGPA  uint64
	availGPA uint64
	usedGPA  uint64

	availShadow uint16 // guest's producer index
	nextDesc    uint16 // next free descriptor table entry
}

const (
	rigBase       = 0x1000
	rigRegionSize = 0x10000
	rigRingOff    = 0x8000
	rigRingStride = 0x1000
	rigDataOff    = 0x100
)

func newGuestRig(t *testing.T, size uint16) *guestRig {
	t.Helper()
	g := &guestRig{
		t:    t,
		mem:  guestmem.NewMap(),
		host: make([]byte, rigRegionSize),
		base: rigBase,
		size: size,
	}
	g.guestQueue = g.queueAt(0)
	g.dataNext = rigBase + rigDataOff
	if err := g.mem.Register(g.regions()); err != nil {
		t.Fatalf("register region: %v", err)
	}
	return g
}

// regions returns the rig's memory layout, for handing to a device's own
// map. It shares the rig's host backing.
func (g *guestRig) regions() []guestmem.Region {
	return []guestmem.Region{{GPA: g.base, Size: rigRegionSize, Host: g.host}}
}

// queueAt lays out a ring set in the given slot.
func (g *guestRig) queueAt(slot int) *guestQueue {
	desc := g.base + rigRingOff + uint64(slot)*rigRingStride
	avail := desc + uint64(g.size)*descEntrySize
	used := (avail + ringHdrSize + uint64(g.size)*2 + 0xff) &^ 0xff
	return &guestQueue{g: g, descGPA: desc, availGPA: avail, usedGPA: used}
}

// hostAt returns the host bytes backing gpa.
func (g *guestRig) hostAt(gpa uint64) []byte {
	return g.host[gpa-g.base:]
}

// allocData reserves n bytes of guest memory and returns their GPA.
func (g *guestRig) allocData(n int) uint64 {
	gpa := g.dataNext
	g.dataNext += uint64(n+15) &^ 15
	return gpa
}

func (q *guestQueue) newQueue(n Notifier) *Virtqueue {
	q.g.t.Helper()
	vq, err := NewVirtqueue(q.g.mem, q.g.size, q.descGPA, q.availGPA, q.usedGPA, n)
	if err != nil {
		q.g.t.Fatalf("NewVirtqueue: %v", err)
	}
	return vq
}

func (q *guestQueue) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	e := q.g.hostAt(q.descGPA + uint64(i)*descEntrySize)
	binary.LittleEndian.PutUint64(e[0:8], addr)
	binary.LittleEndian.PutUint32(e[8:12], length)
	binary.LittleEndian.PutUint16(e[12:14], flags)
	binary.LittleEndian.PutUint16(e[14:16], next)
}

// pushAvail publishes head indices: ring entries first, then the idx, as a
// driver would.
func (q *guestQueue) pushAvail(heads ...uint16) {
	ring := q.g.hostAt(q.availGPA)
	for _, h := range heads {
		slot := q.availShadow % q.g.size
		binary.LittleEndian.PutUint16(ring[ringHdrSize+2*uint32(slot):], h)
		q.availShadow++
	}
	binary.LittleEndian.PutUint16(ring[2:4], q.availShadow)
}

func (q *guestQueue) setAvailFlags(v uint16) {
	binary.LittleEndian.PutUint16(q.g.hostAt(q.availGPA)[0:2], v)
}

func (q *guestQueue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.g.hostAt(q.usedGPA)[2:4])
}

func (q *guestQueue) usedElem(slot uint16) (id, length uint32) {
	e := q.g.hostAt(q.usedGPA + ringHdrSize + usedElemSize*uint64(slot))
	return binary.LittleEndian.Uint32(e[0:4]), binary.LittleEndian.Uint32(e[4:8])
}
