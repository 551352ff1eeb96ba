// Package bdev is the backend block-device abstraction consumed by the vhost
// data plane. A Bdev pairs fixed geometry with a Backend ops table chosen at
// registration. I/O is asynchronous: submit entry points return an error
// synchronously, and the completion callback fires exactly once iff the
// submit returned nil. Completions are delivered through the submitting
// IOChannel and fire only from that channel's Poll, so callbacks always run
// on the channel's owning thread.
package bdev

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrRemoved is returned by submit entry points after the backing
	// device has been hot-removed.
	ErrRemoved = errors.New("bdev: device removed")

	// ErrUnsupported is returned when the backend does not support the
	// requested I/O type.
	ErrUnsupported = errors.New("bdev: io type not supported")

	// ErrOutOfRange is returned when an I/O falls outside the device.
	ErrOutOfRange = errors.New("bdev: io out of range")
)

// IOType identifies one backend operation.
type IOType int

const (
	IOTypeInvalid IOType = iota
	IOTypeRead
	IOTypeWrite
	IOTypeUnmap
	IOTypeFlush
	IOTypeReset
	IOTypeNVMeAdmin
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeUnmap:
		return "unmap"
	case IOTypeFlush:
		return "flush"
	case IOTypeReset:
		return "reset"
	case IOTypeNVMeAdmin:
		return "nvme-admin"
	}
	return "invalid"
}

// Status is the completion status of an IO.
type Status int

const (
	StatusSCSIError Status = -3
	StatusNVMeError Status = -2
	StatusFailed    Status = -1
	StatusPending   Status = 0
	StatusSuccess   Status = 1
)

// SCSI status bytes and sense keys used by the status accessors.
const (
	SCSIStatusGood           = 0x00
	SCSIStatusCheckCondition = 0x02

	SenseKeyNoSense        = 0x0
	SenseKeyNotReady       = 0x2
	SenseKeyMediumError    = 0x3
	SenseKeyHardwareError  = 0x4
	SenseKeyIllegalRequest = 0x5
	SenseKeyAbortedCommand = 0xb
)

// SCSIStatus is the primary command-set status a completed IO carries.
type SCSIStatus struct {
	Status   uint8
	SenseKey uint8
	ASC      uint8
	ASCQ     uint8
}

// NVMeStatus is the secondary status encoding.
type NVMeStatus struct {
	SCT int
	SC  int
}

// UnmapDesc names one block range to deallocate.
type UnmapDesc struct {
	LBA       uint64
	NumBlocks uint32
}

// CompletionFn is invoked exactly once per successfully submitted IO, from
// the submitting channel's Poll.
type CompletionFn func(io *IO, success bool, ctx any)

// IO is one in-flight backend operation.
type IO struct {
	Type       IOType
	OffsetBlks uint64
	NumBlks    uint64
	Iov        [][]byte
	UnmapDescs []UnmapDesc

	status Status
	scsi   SCSIStatus
	nvme   NVMeStatus

	ch  *IOChannel
	cb  CompletionFn
	ctx any
}

// Complete finishes the IO with the given status and queues its callback on
// the owning channel. Backends must call a Complete variant exactly once per
// submitted IO.
func (io *IO) Complete(status Status) {
	io.status = status
	io.ch.completed = append(io.ch.completed, io)
}

// CompleteSCSI finishes the IO with an explicit SCSI status.
func (io *IO) CompleteSCSI(sc, sk, asc, ascq uint8) {
	io.scsi = SCSIStatus{Status: sc, SenseKey: sk, ASC: asc, ASCQ: ascq}
	io.Complete(StatusSCSIError)
}

// CompleteNVMe finishes the IO with an explicit NVMe status.
func (io *IO) CompleteNVMe(sct, sc int) {
	io.nvme = NVMeStatus{SCT: sct, SC: sc}
	io.Complete(StatusNVMeError)
}

// Status returns the completion status.
func (io *IO) Status() Status { return io.status }

// SCSIStatus returns the IO's primary command-set status, synthesizing a
// CHECK CONDITION for generic failures.
func (io *IO) SCSIStatus() SCSIStatus {
	switch io.status {
	case StatusSuccess:
		return SCSIStatus{Status: SCSIStatusGood}
	case StatusSCSIError:
		return io.scsi
	default:
		// internal target failure
		return SCSIStatus{
			Status:   SCSIStatusCheckCondition,
			SenseKey: SenseKeyHardwareError,
			ASC:      0x44,
		}
	}
}

// NVMeStatus returns the IO's secondary status encoding.
func (io *IO) NVMeStatus() NVMeStatus {
	if io.status == StatusNVMeError {
		return io.nvme
	}
	if io.status == StatusSuccess {
		return NVMeStatus{}
	}
	return NVMeStatus{SCT: 0, SC: 0x06} // internal device error
}

// Length returns the byte count described by the IO's buffer list.
func (io *IO) Length() uint64 {
	var n uint64
	for _, b := range io.Iov {
		n += uint64(len(b))
	}
	return n
}

// Backend is the per-implementation ops table, fixed when the Bdev is
// created.
type Backend interface {
	// SubmitRequest starts one IO. It must not block; it completes the IO
	// either inline or from a backend context, in both cases by calling a
	// Complete variant, and the callback fires on the next channel Poll.
	SubmitRequest(ch *IOChannel, io *IO)

	// IOTypeSupported reports whether the backend handles the given type.
	IOTypeSupported(t IOType) bool
}

// Bdev is one registered block device.
type Bdev struct {
	name       string
	product    string
	blockSize  uint32
	numBlocks  uint64
	bufAlign   int
	writeCache bool
	backend    Backend

	mu       sync.Mutex
	claimed  bool
	removeCb func()
	removed  bool
}

// New builds a Bdev over the given backend. The device still needs Register
// to become findable by name.
func New(name, product string, blockSize uint32, numBlocks uint64, bufAlign int, writeCache bool, backend Backend) *Bdev {
	return &Bdev{
		name:       name,
		product:    product,
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		bufAlign:   bufAlign,
		writeCache: writeCache,
		backend:    backend,
	}
}

func (b *Bdev) Name() string        { return b.name }
func (b *Bdev) ProductName() string { return b.product }
func (b *Bdev) BlockSize() uint32   { return b.blockSize }
func (b *Bdev) NumBlocks() uint64   { return b.numBlocks }
func (b *Bdev) BufAlign() int       { return b.bufAlign }
func (b *Bdev) HasWriteCache() bool { return b.writeCache }

// IOTypeSupported reports whether the backend handles the given I/O type.
func (b *Bdev) IOTypeSupported(t IOType) bool {
	return b.backend.IOTypeSupported(t)
}

// Claim asserts exclusive ownership of the device. It returns false if the
// device is already claimed, leaving the existing claim and its remove
// callback untouched. removeCb, if non-nil, fires once if the device is
// hot-removed while claimed.
func (b *Bdev) Claim(removeCb func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		slog.Warn("bdev already claimed", "bdev", b.name)
		return false
	}
	b.claimed = true
	b.removeCb = removeCb
	return true
}

// Unclaim releases a claim taken with Claim.
func (b *Bdev) Unclaim() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimed = false
	b.removeCb = nil
}

// Claimed reports whether the device is currently claimed.
func (b *Bdev) Claimed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimed
}

// NotifyRemove marks the device hot-removed. New submissions fail with
// ErrRemoved; the claimer's remove callback fires exactly once.
func (b *Bdev) NotifyRemove() {
	b.mu.Lock()
	cb := b.removeCb
	b.removeCb = nil
	already := b.removed
	b.removed = true
	b.mu.Unlock()

	if already {
		return
	}
	slog.Info("bdev hot-removed", "bdev", b.name)
	if cb != nil {
		cb()
	}
}

func (b *Bdev) isRemoved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removed
}

// GetIOChannel returns an I/O channel for the calling thread. All submits
// and the corresponding Poll calls for a channel must stay on one thread;
// channel-level thread-safety beyond that is the backend's concern.
func (b *Bdev) GetIOChannel() *IOChannel {
	return &IOChannel{bdev: b}
}

func (b *Bdev) submit(ch *IOChannel, io *IO, cb CompletionFn, ctx any) error {
	if b.isRemoved() {
		return ErrRemoved
	}
	if !b.backend.IOTypeSupported(io.Type) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupported, io.Type, b.name)
	}
	io.ch = ch
	io.cb = cb
	io.ctx = ctx
	io.status = StatusPending
	b.backend.SubmitRequest(ch, io)
	return nil
}

// Readv reads numBlks blocks starting at offsetBlks into the buffer list.
func (b *Bdev) Readv(ch *IOChannel, iov [][]byte, offsetBlks, numBlks uint64, cb CompletionFn, ctx any) error {
	if err := b.checkRange(offsetBlks, numBlks, iov); err != nil {
		return err
	}
	return b.submit(ch, &IO{Type: IOTypeRead, OffsetBlks: offsetBlks, NumBlks: numBlks, Iov: iov}, cb, ctx)
}

// Writev writes numBlks blocks starting at offsetBlks from the buffer list.
func (b *Bdev) Writev(ch *IOChannel, iov [][]byte, offsetBlks, numBlks uint64, cb CompletionFn, ctx any) error {
	if err := b.checkRange(offsetBlks, numBlks, iov); err != nil {
		return err
	}
	return b.submit(ch, &IO{Type: IOTypeWrite, OffsetBlks: offsetBlks, NumBlks: numBlks, Iov: iov}, cb, ctx)
}

// Unmap deallocates the described block ranges.
func (b *Bdev) Unmap(ch *IOChannel, descs []UnmapDesc, cb CompletionFn, ctx any) error {
	for _, d := range descs {
		if err := b.checkRange(d.LBA, uint64(d.NumBlocks), nil); err != nil {
			return err
		}
	}
	return b.submit(ch, &IO{Type: IOTypeUnmap, UnmapDescs: descs}, cb, ctx)
}

// Flush forces buffered writes in the given range to stable storage.
func (b *Bdev) Flush(ch *IOChannel, offsetBlks, numBlks uint64, cb CompletionFn, ctx any) error {
	if err := b.checkRange(offsetBlks, numBlks, nil); err != nil {
		return err
	}
	return b.submit(ch, &IO{Type: IOTypeFlush, OffsetBlks: offsetBlks, NumBlks: numBlks}, cb, ctx)
}

// Reset aborts outstanding I/O and resets the device.
func (b *Bdev) Reset(ch *IOChannel, cb CompletionFn, ctx any) error {
	return b.submit(ch, &IO{Type: IOTypeReset}, cb, ctx)
}

func (b *Bdev) checkRange(offsetBlks, numBlks uint64, iov [][]byte) error {
	end := offsetBlks + numBlks
	if end < offsetBlks || end > b.numBlocks {
		return fmt.Errorf("%w: blocks [%d, %d) of %d", ErrOutOfRange, offsetBlks, end, b.numBlocks)
	}
	if iov != nil {
		var n uint64
		for _, buf := range iov {
			n += uint64(len(buf))
		}
		if n != numBlks*uint64(b.blockSize) {
			return fmt.Errorf("bdev: buffer list is %d bytes, io is %d blocks of %d", n, numBlks, b.blockSize)
		}
	}
	return nil
}

// IOStat is the per-channel I/O counter set.
type IOStat struct {
	BytesRead    uint64
	NumReadOps   uint64
	BytesWritten uint64
	NumWriteOps  uint64
}

// IOChannel binds a Bdev to one owning thread. Completions queue here and
// their callbacks fire from Poll.
type IOChannel struct {
	bdev      *Bdev
	completed []*IO
	stat      IOStat
}

// Bdev returns the channel's device.
func (ch *IOChannel) Bdev() *Bdev { return ch.bdev }

// Poll fires the callbacks of all completions queued on the channel,
// returning how many fired. Must be called from the channel's owning thread.
func (ch *IOChannel) Poll() int {
	if len(ch.completed) == 0 {
		return 0
	}
	done := ch.completed
	ch.completed = nil
	for _, io := range done {
		ok := io.status == StatusSuccess
		if ok {
			switch io.Type {
			case IOTypeRead:
				ch.stat.BytesRead += io.Length()
				ch.stat.NumReadOps++
			case IOTypeWrite:
				ch.stat.BytesWritten += io.Length()
				ch.stat.NumWriteOps++
			}
		}
		if io.cb != nil {
			io.cb(io, ok, io.ctx)
		}
	}
	return len(done)
}

// Stat returns the channel's I/O counters and resets them.
func (ch *IOChannel) Stat() IOStat {
	s := ch.stat
	ch.stat = IOStat{}
	return s
}
