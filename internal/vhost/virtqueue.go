// Package vhost implements the virtqueue processing engine: descriptor-chain
// walking over guest-supplied memory, the split-ring avail/used protocol,
// and the device objects that bridge ring requests onto backend block
// devices. A device's queues are only ever touched from the reactor that
// owns the device, which is what keeps the ring bookkeeping lock-free.
package vhost

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/costad2/spdk/internal/vhost/guestmem"
)

// Descriptor flags, fixed by the virtio split-ring layout.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// Guest-controlled flag in avail.flags asking the device to skip
// notifications.
const vringAvailFNoInterrupt = 1

const (
	descEntrySize = 16
	usedElemSize  = 8
	ringHdrSize   = 4 // flags + idx

	// MaxQueueSize bounds negotiated queue sizes.
	MaxQueueSize = 1024
)

var (
	// ErrChainTooLong means a descriptor chain visited more entries than
	// the queue holds, which includes any cycle.
	ErrChainTooLong = errors.New("vhost: descriptor chain too long")

	// ErrBadDescriptor means a head or next index fell outside the
	// descriptor table.
	ErrBadDescriptor = errors.New("vhost: descriptor index out of bounds")

	// ErrIndirectUnsupported means the guest used VRING_DESC_F_INDIRECT,
	// which the device never negotiates.
	ErrIndirectUnsupported = errors.New("vhost: indirect descriptors not negotiated")
)

// Desc is one entry of the descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether the chain continues at Next.
func (d Desc) HasNext() bool { return d.Flags&descFNext != 0 }

// IsWrite reports whether the buffer is device-writable.
func (d Desc) IsWrite() bool { return d.Flags&descFWrite != 0 }

// Segment is one element of a request's scatter/gather list: a host-resolved
// buffer and its direction. Segment lists never outlive their request.
type Segment struct {
	Buf   []byte
	Write bool
}

// Virtqueue is the device-side state of one split ring. All methods must be
// called from the owning device's reactor; the guest side writes the avail
// ring and reads the used ring concurrently from its own context.
type Virtqueue struct {
	size uint16

	// Ring windows, translated once at setup. The guest may not move the
	// rings while the queue is attached.
	descTable []byte
	availRing []byte
	usedRing  []byte

	lastAvailIdx uint16
	lastUsedIdx  uint16

	notifier Notifier
}

// NewVirtqueue translates the three ring windows and returns the queue.
// size must be a power of two no larger than MaxQueueSize.
func NewVirtqueue(mem *guestmem.Map, size uint16, descGPA, availGPA, usedGPA uint64, n Notifier) (*Virtqueue, error) {
	if size == 0 || size > MaxQueueSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("vhost: bad queue size %d", size)
	}
	desc, err := mem.Translate(descGPA, uint32(size)*descEntrySize)
	if err != nil {
		return nil, fmt.Errorf("vhost: descriptor table: %w", err)
	}
	avail, err := mem.Translate(availGPA, ringHdrSize+uint32(size)*2)
	if err != nil {
		return nil, fmt.Errorf("vhost: avail ring: %w", err)
	}
	used, err := mem.Translate(usedGPA, ringHdrSize+uint32(size)*usedElemSize)
	if err != nil {
		return nil, fmt.Errorf("vhost: used ring: %w", err)
	}
	return &Virtqueue{
		size:      size,
		descTable: desc,
		availRing: avail,
		usedRing:  used,
		notifier:  n,
	}, nil
}

// Size returns the descriptor count.
func (q *Virtqueue) Size() uint16 { return q.size }

// LastAvailIdx returns the next avail entry to consume.
func (q *Virtqueue) LastAvailIdx() uint16 { return q.lastAvailIdx }

// LastUsedIdx returns the next used slot to produce into.
func (q *Virtqueue) LastUsedIdx() uint16 { return q.lastUsedIdx }

// Desc reads one descriptor table entry. The guest owns the backing memory,
// so the entry is copied out before any decision is made on it.
func (q *Virtqueue) Desc(idx uint16) (Desc, error) {
	if idx >= q.size {
		return Desc{}, fmt.Errorf("%w: %d of %d", ErrBadDescriptor, idx, q.size)
	}
	e := q.descTable[uint32(idx)*descEntrySize:]
	return Desc{
		Addr:  binary.LittleEndian.Uint64(e[0:8]),
		Len:   binary.LittleEndian.Uint32(e[8:12]),
		Flags: binary.LittleEndian.Uint16(e[12:14]),
		Next:  binary.LittleEndian.Uint16(e[14:16]),
	}, nil
}

func (q *Virtqueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.availRing[2:4])
}

func (q *Virtqueue) availFlags() uint16 {
	return binary.LittleEndian.Uint16(q.availRing[0:2])
}

// AvailRingGet consumes up to len(reqs) new avail entries, strictly in ring
// order, filling reqs with head descriptor indices. lastAvailIdx is the sole
// record of consumption; an entry is never returned twice. The batch bound
// caps per-call latency, so callers drain in a loop if they want more.
func (q *Virtqueue) AvailRingGet(reqs []uint16) int {
	avail := q.availIdx()
	n := 0
	for n < len(reqs) && q.lastAvailIdx != avail {
		slot := q.lastAvailIdx % q.size
		reqs[n] = binary.LittleEndian.Uint16(q.availRing[ringHdrSize+2*uint32(slot):])
		q.lastAvailIdx++
		n++
	}
	return n
}

// WalkChain follows the descriptor chain rooted at head and returns its
// scatter/gather list, resolving every span through the memory map. The walk
// is all or nothing: any failure discards everything resolved so far.
func (q *Virtqueue) WalkChain(mem *guestmem.Map, head uint16) ([]Segment, error) {
	var segs []Segment
	idx := head
	for visited := uint16(0); ; visited++ {
		if visited >= q.size {
			// More entries than the table holds: a cycle or a corrupted
			// next index.
			return nil, fmt.Errorf("%w: head %d", ErrChainTooLong, head)
		}
		d, err := q.Desc(idx)
		if err != nil {
			return nil, err
		}
		if d.Flags&descFIndirect != 0 {
			return nil, fmt.Errorf("%w: descriptor %d", ErrIndirectUnsupported, idx)
		}
		buf, err := mem.Translate(d.Addr, d.Len)
		if err != nil {
			return nil, fmt.Errorf("vhost: descriptor %d: %w", idx, err)
		}
		segs = append(segs, Segment{Buf: buf, Write: d.IsWrite()})
		if !d.HasNext() {
			return segs, nil
		}
		idx = d.Next
	}
}

// UsedRingEnqueue retires one request: it writes {id, len} into the next
// used slot, then publishes the new used.idx. The element write precedes the
// index write so the guest never observes an index covering a stale slot.
func (q *Virtqueue) UsedRingEnqueue(id uint16, length uint32) {
	slot := q.lastUsedIdx % q.size
	elem := q.usedRing[ringHdrSize+usedElemSize*uint32(slot):]
	binary.LittleEndian.PutUint32(elem[0:4], uint32(id))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	q.lastUsedIdx++
	binary.LittleEndian.PutUint16(q.usedRing[2:4], q.lastUsedIdx)
}

// UsedIdx returns the guest-visible used index.
func (q *Virtqueue) UsedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.usedRing[2:4])
}

// ShouldNotify is the notification-suppression decision: notify unless the
// guest set VRING_AVAIL_F_NO_INTERRUPT. Kept separate from the ring
// bookkeeping so the heuristic can change without touching it. Advisory
// only; correctness never depends on a prompt notification.
func (q *Virtqueue) ShouldNotify() bool {
	return q.availFlags()&vringAvailFNoInterrupt == 0
}

// SignalUsed notifies the guest of new used entries if suppression allows.
func (q *Virtqueue) SignalUsed() {
	if q.notifier != nil && q.ShouldNotify() {
		_ = q.notifier.Notify()
	}
}
