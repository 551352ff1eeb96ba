package bdev

import "sync"

// mallocBackend is a RAM-backed block device. Requests execute inline on the
// submitting thread and complete through the channel's queue, so callbacks
// still fire from Poll on the owning thread.
type mallocBackend struct {
	mu        sync.Mutex
	buf       []byte
	blockSize uint32

	failNext int
}

// NewMalloc builds and returns an unregistered RAM-backed Bdev.
func NewMalloc(name string, numBlocks uint64, blockSize uint32) *Bdev {
	mb := &mallocBackend{
		buf:       make([]byte, numBlocks*uint64(blockSize)),
		blockSize: blockSize,
	}
	return New(name, "Malloc disk", blockSize, numBlocks, 1, false, mb)
}

func (m *mallocBackend) IOTypeSupported(t IOType) bool {
	switch t {
	case IOTypeRead, IOTypeWrite, IOTypeUnmap, IOTypeFlush:
		return true
	}
	return false
}

func (m *mallocBackend) SubmitRequest(ch *IOChannel, io *IO) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		io.Complete(StatusFailed)
		return
	}

	switch io.Type {
	case IOTypeRead:
		off := io.OffsetBlks * uint64(m.blockSize)
		for _, b := range io.Iov {
			copy(b, m.buf[off:off+uint64(len(b))])
			off += uint64(len(b))
		}
	case IOTypeWrite:
		off := io.OffsetBlks * uint64(m.blockSize)
		for _, b := range io.Iov {
			copy(m.buf[off:off+uint64(len(b))], b)
			off += uint64(len(b))
		}
	case IOTypeUnmap:
		for _, d := range io.UnmapDescs {
			off := d.LBA * uint64(m.blockSize)
			end := off + uint64(d.NumBlocks)*uint64(m.blockSize)
			clear(m.buf[off:end])
		}
	case IOTypeFlush:
		// Nothing buffered.
	default:
		io.Complete(StatusFailed)
		return
	}
	io.Complete(StatusSuccess)
}

// FailNext makes the next n requests on any channel complete with
// StatusFailed. Test hook.
func FailNext(b *Bdev, n int) {
	if mb, ok := b.backend.(*mallocBackend); ok {
		mb.mu.Lock()
		mb.failNext = n
		mb.mu.Unlock()
	}
}
