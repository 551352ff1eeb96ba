package bdev

import (
	"bytes"
	"errors"
	"testing"
)

func newTestMalloc(t *testing.T, numBlocks uint64, blockSize uint32) *Bdev {
	t.Helper()
	b := NewMalloc(t.Name(), numBlocks, blockSize)
	if err := Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { Unregister(t.Name()) })
	return b
}

func TestReadvWritevRoundTrip(t *testing.T) {
	b := newTestMalloc(t, 64, 512)
	ch := b.GetIOChannel()

	src := bytes.Repeat([]byte{0x5a}, 1024)
	calls := 0
	err := b.Writev(ch, [][]byte{src[:512], src[512:]}, 4, 2, func(io *IO, ok bool, ctx any) {
		calls++
		if !ok {
			t.Error("write completion reported failure")
		}
	}, nil)
	if err != nil {
		t.Fatalf("Writev: %v", err)
	}
	if calls != 0 {
		t.Fatal("callback fired before Poll")
	}
	if n := ch.Poll(); n != 1 {
		t.Fatalf("Poll fired %d callbacks, want 1", n)
	}
	if calls != 1 {
		t.Fatalf("callback fired %d times, want 1", calls)
	}
	if ch.Poll() != 0 {
		t.Fatal("second Poll re-fired a completion")
	}

	dst := make([]byte, 1024)
	err = b.Readv(ch, [][]byte{dst}, 4, 2, func(io *IO, ok bool, ctx any) {
		if !ok {
			t.Error("read completion reported failure")
		}
	}, nil)
	if err != nil {
		t.Fatalf("Readv: %v", err)
	}
	ch.Poll()
	if !bytes.Equal(dst, src) {
		t.Error("read data does not match written data")
	}
}

func TestSubmitErrorMeansNoCallback(t *testing.T) {
	b := newTestMalloc(t, 64, 512)
	ch := b.GetIOChannel()

	err := b.Reset(ch, func(io *IO, ok bool, ctx any) {
		t.Error("callback fired for failed submit")
	}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Reset err = %v, want ErrUnsupported", err)
	}
	if ch.Poll() != 0 {
		t.Error("completion queued for failed submit")
	}
}

func TestSubmitOutOfRange(t *testing.T) {
	b := newTestMalloc(t, 64, 512)
	ch := b.GetIOChannel()
	buf := make([]byte, 512)

	if err := b.Readv(ch, [][]byte{buf}, 64, 1, nil, nil); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: err = %v, want ErrOutOfRange", err)
	}
	if err := b.Flush(ch, 60, 8, nil, nil); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("flush past end: err = %v, want ErrOutOfRange", err)
	}
}

func TestUnmapZeroes(t *testing.T) {
	b := newTestMalloc(t, 16, 512)
	ch := b.GetIOChannel()

	data := bytes.Repeat([]byte{0xff}, 512*3)
	if err := b.Writev(ch, [][]byte{data}, 2, 3, nil, nil); err != nil {
		t.Fatalf("Writev: %v", err)
	}
	ch.Poll()
	if err := b.Unmap(ch, []UnmapDesc{{LBA: 3, NumBlocks: 1}}, nil, nil); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	ch.Poll()

	out := make([]byte, 512*3)
	if err := b.Readv(ch, [][]byte{out}, 2, 3, nil, nil); err != nil {
		t.Fatalf("Readv: %v", err)
	}
	ch.Poll()
	if !bytes.Equal(out[:512], data[:512]) || !bytes.Equal(out[1024:], data[1024:]) {
		t.Error("unmap touched neighboring blocks")
	}
	if !bytes.Equal(out[512:1024], make([]byte, 512)) {
		t.Error("unmapped block not zeroed")
	}
}

func TestClaimContention(t *testing.T) {
	b := newTestMalloc(t, 8, 512)

	firstRemoved := false
	if !b.Claim(func() { firstRemoved = true }) {
		t.Fatal("first claim failed")
	}
	if b.Claim(func() { t.Error("second claimer's callback fired") }) {
		t.Fatal("second claim succeeded on a claimed bdev")
	}
	// The original claim and its remove callback are intact.
	b.NotifyRemove()
	if !firstRemoved {
		t.Error("original remove callback lost after contended claim")
	}
}

func TestClaimReleaseReclaim(t *testing.T) {
	b := newTestMalloc(t, 8, 512)
	if !b.Claim(nil) {
		t.Fatal("claim failed")
	}
	b.Unclaim()
	if b.Claimed() {
		t.Fatal("still claimed after Unclaim")
	}
	if !b.Claim(nil) {
		t.Fatal("re-claim after release failed")
	}
}

func TestNotifyRemoveOnce(t *testing.T) {
	b := newTestMalloc(t, 8, 512)
	ch := b.GetIOChannel()

	calls := 0
	b.Claim(func() { calls++ })
	b.NotifyRemove()
	b.NotifyRemove()
	if calls != 1 {
		t.Fatalf("remove callback fired %d times, want 1", calls)
	}

	buf := make([]byte, 512)
	if err := b.Readv(ch, [][]byte{buf}, 0, 1, nil, nil); !errors.Is(err, ErrRemoved) {
		t.Errorf("submit after remove: err = %v, want ErrRemoved", err)
	}
}

func TestFailedIOStatus(t *testing.T) {
	b := newTestMalloc(t, 8, 512)
	ch := b.GetIOChannel()
	FailNext(b, 1)

	var got *IO
	buf := make([]byte, 512)
	if err := b.Readv(ch, [][]byte{buf}, 0, 1, func(io *IO, ok bool, ctx any) {
		if ok {
			t.Error("failed IO reported success")
		}
		got = io
	}, nil); err != nil {
		t.Fatalf("Readv: %v", err)
	}
	ch.Poll()
	if got == nil {
		t.Fatal("no completion")
	}
	st := got.SCSIStatus()
	if st.Status != SCSIStatusCheckCondition || st.SenseKey != SenseKeyHardwareError {
		t.Errorf("synthesized SCSI status = %+v, want check condition / hardware error", st)
	}
}

func TestChannelStatResetOnRead(t *testing.T) {
	b := newTestMalloc(t, 64, 512)
	ch := b.GetIOChannel()
	buf := make([]byte, 1024)

	if err := b.Writev(ch, [][]byte{buf}, 0, 2, nil, nil); err != nil {
		t.Fatalf("Writev: %v", err)
	}
	if err := b.Readv(ch, [][]byte{buf}, 0, 2, nil, nil); err != nil {
		t.Fatalf("Readv: %v", err)
	}
	ch.Poll()

	st := ch.Stat()
	if st.NumWriteOps != 1 || st.BytesWritten != 1024 || st.NumReadOps != 1 || st.BytesRead != 1024 {
		t.Errorf("stat = %+v", st)
	}
	if st = ch.Stat(); st != (IOStat{}) {
		t.Errorf("stat not reset on read: %+v", st)
	}
}

func TestRegistry(t *testing.T) {
	b := NewMalloc("registry-test", 8, 512)
	if err := Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer Unregister("registry-test")

	if Register(NewMalloc("registry-test", 8, 512)) == nil {
		t.Error("duplicate name accepted")
	}
	if GetByName("registry-test") != b {
		t.Error("GetByName returned wrong device")
	}
	if GetByName("absent") != nil {
		t.Error("GetByName invented a device")
	}
}

func TestGeometryAccessors(t *testing.T) {
	b := newTestMalloc(t, 128, 4096)
	if b.BlockSize() != 4096 || b.NumBlocks() != 128 {
		t.Errorf("geometry = %d x %d", b.NumBlocks(), b.BlockSize())
	}
	if b.HasWriteCache() {
		t.Error("malloc bdev claims a write cache")
	}
	if !b.IOTypeSupported(IOTypeRead) || b.IOTypeSupported(IOTypeNVMeAdmin) {
		t.Error("io type support wrong")
	}
}
