package vhost

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/costad2/spdk/internal/bdev"
)

// virtio-scsi queue roles: queue 0 is the control queue, queue 1 the event
// queue, everything above carries requests.
const (
	scsiControlQueue      = 0
	scsiEventQueue        = 1
	scsiRequestQueueFirst = 2
)

// Per-iteration consumption bound for one queue.
const reqBatchSize = 32

const (
	cdbSize   = 32
	senseSize = 96

	// virtio_scsi_cmd_req: lun[8] tag[8] task_attr prio crn cdb[32]
	cmdReqSize   = 19 + cdbSize
	cmdReqCdbOff = 19

	// virtio_scsi_cmd_resp: sense_len[4] resid[4] status_qualifier[2]
	// status response sense[96]
	cmdRespSize     = 12 + senseSize
	respStatusOff   = 10
	respResponseOff = 11
	respSenseOff    = 12

	// virtio_scsi_event: event[4] lun[8] reason[4]
	scsiEventSize = 16
)

// virtio-scsi response codes.
const (
	scsiRespOK               = 0
	scsiRespBadTarget        = 3
	scsiRespFailure          = 9
	scsiRespFunctionRejected = 11
)

// virtio-scsi event types.
const (
	scsiEvtTransportReset = 1
	scsiEvtReasonRemoved  = 3
)

// SCSI opcodes the bridge understands. Everything else gets ILLEGAL REQUEST.
const (
	opTestUnitReady     = 0x00
	opRequestSense      = 0x03
	opRead6             = 0x08
	opWrite6            = 0x0a
	opInquiry           = 0x12
	opModeSense6        = 0x1a
	opReadCapacity10    = 0x25
	opRead10            = 0x28
	opWrite10           = 0x2a
	opSyncCache10       = 0x35
	opUnmap             = 0x42
	opRead16            = 0x88
	opWrite16           = 0x8a
	opServiceActionIn16 = 0x9e
	opReportLuns        = 0xa0
)

// Additional sense codes.
const (
	ascInvalidOpcode     = 0x20
	ascLBAOutOfRange     = 0x21
	ascInvalidFieldInCDB = 0x24
)

// SCSIBackend bridges a device's request queues onto one claimed backend
// block device, exposed to the guest as LUN 0.
type SCSIBackend struct {
	bdevName string
	bd       *bdev.Bdev
	ch       *bdev.IOChannel
	batch    [reqBatchSize]uint16
}

// NewSCSIBackend returns the ops table for a SCSI device bound to the named
// backend block device. The claim is taken at Load time, not here.
func NewSCSIBackend(bdevName string) *SCSIBackend {
	return &SCSIBackend{bdevName: bdevName}
}

// VirtioFeatures implements DeviceBackend.
func (c *SCSIBackend) VirtioFeatures() uint64 {
	return VirtioFVersion1 | VhostUserFProtocol
}

// DisabledFeatures implements DeviceBackend. Indirect descriptors and
// used-event suppression are never offered; the walker rejects the former.
func (c *SCSIBackend) DisabledFeatures() uint64 {
	return VirtioRingFIndirectDesc | VirtioRingFEventIdx
}

// Start claims the backend device and opens this reactor's I/O channel.
func (c *SCSIBackend) Start(dev *Dev) error {
	bd := bdev.GetByName(c.bdevName)
	if bd == nil {
		return fmt.Errorf("vhost-scsi: no bdev %q", c.bdevName)
	}
	if !bd.Claim(func() { c.onHotRemove(dev) }) {
		return fmt.Errorf("vhost-scsi: bdev %q already claimed", c.bdevName)
	}
	c.bd = bd
	c.ch = bd.GetIOChannel()
	return nil
}

// Stop releases the claim.
func (c *SCSIBackend) Stop(dev *Dev) error {
	if c.bd != nil {
		c.bd.Unclaim()
		c.bd = nil
		c.ch = nil
	}
	return nil
}

// Stat returns and resets the backend channel's I/O counters.
func (c *SCSIBackend) Stat() bdev.IOStat {
	if c.ch == nil {
		return bdev.IOStat{}
	}
	return c.ch.Stat()
}

func (c *SCSIBackend) onHotRemove(dev *Dev) {
	dev.hotRemove()
	// Tell the guest, if it posted an event buffer.
	_ = dev.target.app.Call(dev.lcore, func() {
		c.sendEvent(dev, scsiEvtTransportReset, scsiEvtReasonRemoved)
	})
}

// PollQueues implements DeviceBackend: one run-to-completion iteration on
// the owning reactor. Completions fire first so their used entries land
// before new submissions are taken.
func (c *SCSIBackend) PollQueues(dev *Dev) bool {
	busy := false
	if c.ch != nil && c.ch.Poll() > 0 {
		busy = true
	}
	if q := dev.Queue(scsiControlQueue); q != nil {
		if c.pollControlQueue(dev, q) {
			busy = true
		}
	}
	for i := scsiRequestQueueFirst; i < dev.NumQueues(); i++ {
		q := dev.Queue(i)
		if q == nil {
			continue
		}
		if c.pollRequestQueue(dev, q) {
			busy = true
		}
	}
	return busy
}

// scsiTask is one in-flight request from consume to retire.
type scsiTask struct {
	dev  *Dev
	q    *Virtqueue
	head uint16

	resp      []byte
	readBytes uint32
}

func (c *SCSIBackend) pollRequestQueue(dev *Dev, q *Virtqueue) bool {
	n := q.AvailRingGet(c.batch[:])
	for i := 0; i < n; i++ {
		c.processRequest(dev, q, c.batch[i])
	}
	return n > 0
}

// processRequest walks one consumed head and either submits it to the
// backend or retires it on the spot. Every head consumed here produces
// exactly one used entry, even on protocol violations, so the guest's chain
// is always freed.
func (c *SCSIBackend) processRequest(dev *Dev, q *Virtqueue, head uint16) {
	dev.taskStarted()
	task := &scsiTask{dev: dev, q: q, head: head}

	segs, err := q.WalkChain(dev.mem, head)
	if err != nil {
		slog.Warn("vhost-scsi: dropping malformed chain", "dev", dev.name, "head", head, "err", err)
		c.retire(task, 0)
		return
	}

	// [cmd_req RO] [data-out RO ...] [cmd_resp WO] [data-in WO ...]
	respIdx := -1
	for i, s := range segs {
		if s.Write {
			respIdx = i
			break
		}
	}
	if respIdx < 1 || len(segs[respIdx].Buf) < cmdRespSize {
		slog.Warn("vhost-scsi: request without response descriptor", "dev", dev.name, "head", head)
		c.retire(task, 0)
		return
	}
	task.resp = segs[respIdx].Buf

	if segs[0].Write || len(segs[0].Buf) < cmdReqSize {
		slog.Warn("vhost-scsi: bad request header", "dev", dev.name, "head", head)
		c.completeResp(task, scsiRespFailure, bdev.SCSIStatus{Status: bdev.SCSIStatusGood})
		return
	}
	dataOut := segs[1:respIdx]
	dataIn := segs[respIdx+1:]
	for _, s := range dataIn {
		if !s.Write {
			slog.Warn("vhost-scsi: read-only descriptor after response", "dev", dev.name, "head", head)
			c.completeResp(task, scsiRespFailure, bdev.SCSIStatus{Status: bdev.SCSIStatusGood})
			return
		}
	}

	if dev.State() != StateClaimed {
		// Backend gone or teardown in progress: fail fast.
		c.completeResp(task, scsiRespBadTarget, bdev.SCSIStatus{Status: bdev.SCSIStatusGood})
		return
	}

	cdb := segs[0].Buf[cmdReqCdbOff : cmdReqCdbOff+cdbSize]
	c.executeCDB(task, cdb, dataOut, dataIn)
}

// executeCDB dispatches one CDB: data-path opcodes go to the backend
// asynchronously, everything else is answered inline from device geometry.
func (c *SCSIBackend) executeCDB(task *scsiTask, cdb []byte, dataOut, dataIn []Segment) {
	blockSize := uint64(c.bd.BlockSize())
	numBlocks := c.bd.NumBlocks()

	switch cdb[0] {
	case opTestUnitReady:
		c.completeGood(task)

	case opRequestSense:
		n := c.writeDataIn(task, dataIn, fixedSense(bdev.SenseKeyNoSense, 0, 0))
		task.readBytes = n
		c.completeGood(task)

	case opInquiry:
		if cdb[1]&0x01 != 0 {
			// VPD pages not implemented.
			c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
			return
		}
		task.readBytes = c.writeDataIn(task, dataIn, c.inquiryData())
		c.completeGood(task)

	case opModeSense6:
		task.readBytes = c.writeDataIn(task, dataIn, []byte{3, 0, 0, 0})
		c.completeGood(task)

	case opReadCapacity10:
		var buf [8]byte
		last := numBlocks - 1
		if last > 0xffffffff {
			last = 0xffffffff
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(last))
		binary.BigEndian.PutUint32(buf[4:8], uint32(blockSize))
		task.readBytes = c.writeDataIn(task, dataIn, buf[:])
		c.completeGood(task)

	case opServiceActionIn16:
		if cdb[1]&0x1f != 0x10 { // READ CAPACITY (16)
			c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
			return
		}
		var buf [32]byte
		binary.BigEndian.PutUint64(buf[0:8], numBlocks-1)
		binary.BigEndian.PutUint32(buf[8:12], uint32(blockSize))
		task.readBytes = c.writeDataIn(task, dataIn, buf[:])
		c.completeGood(task)

	case opReportLuns:
		var buf [16]byte
		binary.BigEndian.PutUint32(buf[0:4], 8) // one LUN entry
		task.readBytes = c.writeDataIn(task, dataIn, buf[:])
		c.completeGood(task)

	case opRead6, opRead10, opRead16:
		lba, blocks, ok := parseRWCdb(cdb)
		if !ok {
			c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
			return
		}
		c.submitRW(task, bdev.IOTypeRead, lba, blocks, dataIn)

	case opWrite6, opWrite10, opWrite16:
		lba, blocks, ok := parseRWCdb(cdb)
		if !ok {
			c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
			return
		}
		c.submitRW(task, bdev.IOTypeWrite, lba, blocks, dataOut)

	case opSyncCache10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks := uint64(binary.BigEndian.Uint16(cdb[7:9]))
		if blocks == 0 {
			if lba > numBlocks {
				c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascLBAOutOfRange, 0)
				return
			}
			blocks = numBlocks - lba
		}
		if !c.bd.IOTypeSupported(bdev.IOTypeFlush) {
			// No volatile cache to flush.
			c.completeGood(task)
			return
		}
		if err := c.bd.Flush(c.ch, lba, blocks, c.ioDone, task); err != nil {
			c.submitFailed(task, err)
		}

	case opUnmap:
		c.submitUnmap(task, dataOut)

	default:
		slog.Debug("vhost-scsi: unsupported opcode", "dev", task.dev.name, "opcode", fmt.Sprintf("0x%02x", cdb[0]))
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidOpcode, 0)
	}
}

func (c *SCSIBackend) submitRW(task *scsiTask, t bdev.IOType, lba, blocks uint64, data []Segment) {
	if blocks == 0 {
		c.completeGood(task)
		return
	}
	if lba+blocks < lba || lba+blocks > c.bd.NumBlocks() {
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascLBAOutOfRange, 0)
		return
	}
	xfer := blocks * uint64(c.bd.BlockSize())
	iov := make([][]byte, 0, len(data))
	var total uint64
	for _, s := range data {
		iov = append(iov, s.Buf)
		total += uint64(len(s.Buf))
	}
	if total != xfer {
		slog.Warn("vhost-scsi: transfer length mismatch", "dev", task.dev.name,
			"cdb_bytes", xfer, "chain_bytes", total)
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
		return
	}

	var err error
	if t == bdev.IOTypeRead {
		err = c.bd.Readv(c.ch, iov, lba, blocks, c.ioDone, task)
	} else {
		err = c.bd.Writev(c.ch, iov, lba, blocks, c.ioDone, task)
	}
	if err != nil {
		c.submitFailed(task, err)
	}
}

func (c *SCSIBackend) submitUnmap(task *scsiTask, dataOut []Segment) {
	if !c.bd.IOTypeSupported(bdev.IOTypeUnmap) {
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidOpcode, 0)
		return
	}
	var list []byte
	for _, s := range dataOut {
		list = append(list, s.Buf...)
	}
	if len(list) < 8 {
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
		return
	}
	descLen := int(binary.BigEndian.Uint16(list[2:4]))
	if descLen%16 != 0 || 8+descLen > len(list) {
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascInvalidFieldInCDB, 0)
		return
	}
	var descs []bdev.UnmapDesc
	for off := 8; off < 8+descLen; off += 16 {
		descs = append(descs, bdev.UnmapDesc{
			LBA:       binary.BigEndian.Uint64(list[off : off+8]),
			NumBlocks: binary.BigEndian.Uint32(list[off+8 : off+12]),
		})
	}
	if len(descs) == 0 {
		c.completeGood(task)
		return
	}
	if err := c.bd.Unmap(c.ch, descs, c.ioDone, task); err != nil {
		c.submitFailed(task, err)
	}
}

// ioDone is the backend completion callback. The bdev contract delivers it
// from the channel's Poll, on the owning reactor, so writing the used ring
// here keeps the single-writer invariant.
func (c *SCSIBackend) ioDone(io *bdev.IO, success bool, ctx any) {
	task := ctx.(*scsiTask)
	if success && io.Type == bdev.IOTypeRead {
		task.readBytes = uint32(io.Length())
	}
	c.completeResp(task, scsiRespOK, io.SCSIStatus())
}

// submitFailed handles a synchronous submit error: the completion callback
// will never fire, so the bridge itself retires the request.
func (c *SCSIBackend) submitFailed(task *scsiTask, err error) {
	slog.Warn("vhost-scsi: submit failed", "dev", task.dev.name, "err", err)
	switch {
	case errors.Is(err, bdev.ErrRemoved):
		c.completeResp(task, scsiRespBadTarget, bdev.SCSIStatus{Status: bdev.SCSIStatusGood})
	case errors.Is(err, bdev.ErrOutOfRange):
		c.checkCondition(task, bdev.SenseKeyIllegalRequest, ascLBAOutOfRange, 0)
	default:
		c.checkCondition(task, bdev.SenseKeyHardwareError, 0x44, 0)
	}
}

func (c *SCSIBackend) completeGood(task *scsiTask) {
	c.completeResp(task, scsiRespOK, bdev.SCSIStatus{Status: bdev.SCSIStatusGood})
}

func (c *SCSIBackend) checkCondition(task *scsiTask, key, asc, ascq uint8) {
	c.completeResp(task, scsiRespOK, bdev.SCSIStatus{
		Status:   bdev.SCSIStatusCheckCondition,
		SenseKey: key,
		ASC:      asc,
		ASCQ:     ascq,
	})
}

// completeResp fills the response descriptor and retires the request. The
// used length counts only bytes the device actually wrote: the response
// structure plus any data-in payload, never a guest-declared length.
func (c *SCSIBackend) completeResp(task *scsiTask, response uint8, st bdev.SCSIStatus) {
	resp := task.resp
	clear(resp[:cmdRespSize])
	resp[respStatusOff] = st.Status
	resp[respResponseOff] = response
	if st.Status == bdev.SCSIStatusCheckCondition {
		sense := fixedSense(st.SenseKey, st.ASC, st.ASCQ)
		binary.LittleEndian.PutUint32(resp[0:4], uint32(len(sense)))
		copy(resp[respSenseOff:], sense)
	}
	c.retire(task, cmdRespSize+task.readBytes)
}

// retire writes the used entry for the task's head and signals the guest.
// The sole decrement of the in-flight count lives here.
func (c *SCSIBackend) retire(task *scsiTask, usedLen uint32) {
	task.q.UsedRingEnqueue(task.head, usedLen)
	task.q.SignalUsed()
	task.dev.taskDone()
}

// writeDataIn copies payload into the data-in segments, truncating to their
// capacity, and returns the byte count written.
func (c *SCSIBackend) writeDataIn(task *scsiTask, dataIn []Segment, payload []byte) uint32 {
	var n uint32
	for _, s := range dataIn {
		if len(payload) == 0 {
			break
		}
		m := copy(s.Buf, payload)
		payload = payload[m:]
		n += uint32(m)
	}
	return n
}

func (c *SCSIBackend) inquiryData() []byte {
	buf := make([]byte, 36)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02
	buf[4] = byte(len(buf) - 5)
	copy(buf[8:16], []byte("GOVHOST "))
	prod := make([]byte, 16)
	for i := range prod {
		prod[i] = ' '
	}
	copy(prod, c.bd.ProductName())
	copy(buf[16:32], prod)
	copy(buf[32:36], []byte("0001"))
	return buf
}

// fixedSense builds an 18-byte fixed-format sense block.
func fixedSense(key, asc, ascq uint8) []byte {
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = key
	sense[7] = 10
	sense[12] = asc
	sense[13] = ascq
	return sense
}

// parseRWCdb extracts LBA and transfer length from READ/WRITE (6/10/16).
func parseRWCdb(cdb []byte) (lba, blocks uint64, ok bool) {
	switch cdb[0] {
	case opRead6, opWrite6:
		lba = uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		blocks = uint64(cdb[4])
		if blocks == 0 {
			blocks = 256
		}
		return lba, blocks, true
	case opRead10, opWrite10:
		lba = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks = uint64(binary.BigEndian.Uint16(cdb[7:9]))
		return lba, blocks, true
	case opRead16, opWrite16:
		lba = binary.BigEndian.Uint64(cdb[2:10])
		blocks = uint64(binary.BigEndian.Uint32(cdb[10:14]))
		return lba, blocks, true
	}
	return 0, 0, false
}

// pollControlQueue answers task-management and async-notification requests.
// TMFs are rejected; there is nothing to abort that the data path cannot
// drain on its own.
func (c *SCSIBackend) pollControlQueue(dev *Dev, q *Virtqueue) bool {
	n := q.AvailRingGet(c.batch[:])
	for i := 0; i < n; i++ {
		head := c.batch[i]
		dev.taskStarted()
		task := &scsiTask{dev: dev, q: q, head: head}
		segs, err := q.WalkChain(dev.mem, head)
		if err != nil {
			slog.Warn("vhost-scsi: malformed control request", "dev", dev.name, "err", err)
			c.retire(task, 0)
			continue
		}
		respIdx := -1
		for j, s := range segs {
			if s.Write {
				respIdx = j
				break
			}
		}
		if respIdx < 1 || len(segs[0].Buf) < 4 || len(segs[respIdx].Buf) < 1 {
			c.retire(task, 0)
			continue
		}
		resp := segs[respIdx].Buf
		reqType := binary.LittleEndian.Uint32(segs[0].Buf[0:4])
		var used uint32
		if reqType == 0 { // task management function
			resp[0] = scsiRespFunctionRejected
			used = 1
		} else { // async notification query/subscribe
			clear(resp[:min(len(resp), 5)])
			if len(resp) >= 5 {
				resp[4] = scsiRespOK
				used = 5
			} else {
				resp[0] = scsiRespOK
				used = 1
			}
		}
		task.q.UsedRingEnqueue(head, used)
		task.q.SignalUsed()
		dev.taskDone()
	}
	return n > 0
}

// sendEvent posts one event-queue entry if the guest supplied a buffer.
func (c *SCSIBackend) sendEvent(dev *Dev, evt, reason uint32) {
	q := dev.Queue(scsiEventQueue)
	if q == nil {
		return
	}
	var heads [1]uint16
	if q.AvailRingGet(heads[:]) == 0 {
		slog.Warn("vhost-scsi: event dropped, no guest buffer", "dev", dev.name)
		return
	}
	segs, err := q.WalkChain(dev.mem, heads[0])
	if err != nil || len(segs) == 0 || !segs[0].Write || len(segs[0].Buf) < scsiEventSize {
		q.UsedRingEnqueue(heads[0], 0)
		q.SignalUsed()
		return
	}
	buf := segs[0].Buf
	clear(buf[:scsiEventSize])
	binary.LittleEndian.PutUint32(buf[0:4], evt)
	buf[4] = 1 // LUN 0 on target 0
	binary.LittleEndian.PutUint32(buf[12:16], reason)
	q.UsedRingEnqueue(heads[0], scsiEventSize)
	q.SignalUsed()
}

var _ DeviceBackend = (*SCSIBackend)(nil)
