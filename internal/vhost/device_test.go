package vhost

import (
	"errors"
	"testing"
	"time"

	"github.com/costad2/spdk/internal/bdev"
	"github.com/costad2/spdk/internal/event"
)

// devRig is the management-path harness: a running reactor app, a registered
// malloc bdev and a constructed but not yet loaded device. Guest-side ring
// writes after Load are marshalled onto the owning reactor.
type devRig struct {
	t      *testing.T
	g      *guestRig
	app    *event.App
	target *Target
	dev    *Dev
	reqQ   *guestQueue
	notif  *ChanNotifier
}

func newDevRig(t *testing.T) *devRig {
	t.Helper()
	r := &devRig{t: t, g: newGuestRig(t, 16)}

	bd := bdev.NewMalloc(t.Name(), 64, 512)
	if err := bdev.Register(bd); err != nil {
		t.Fatalf("register bdev: %v", err)
	}
	t.Cleanup(func() { bdev.Unregister(t.Name()) })

	r.app = event.NewApp([]int32{0}, false)
	r.app.Start()
	t.Cleanup(r.app.Stop)
	r.target = NewTarget(r.app)

	dev, err := r.target.Construct("vhost.0", 0x1, DevTypeSCSI, NewSCSIBackend(t.Name()))
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	r.dev = dev
	if err := dev.SetMemTable(r.g.regions()); err != nil {
		t.Fatalf("SetMemTable: %v", err)
	}
	r.reqQ = r.g.queueAt(scsiRequestQueueFirst)
	r.notif = NewChanNotifier()
	for i, q := range []*guestQueue{r.g.queueAt(0), r.g.queueAt(1), r.reqQ} {
		if err := dev.SetVring(i, 16, q.descGPA, q.availGPA, q.usedGPA, r.notif); err != nil {
			t.Fatalf("SetVring %d: %v", i, err)
		}
	}
	return r
}

// onLcore runs fn on the device's reactor and fails the test on dispatch
// errors.
func (r *devRig) onLcore(fn func()) {
	r.t.Helper()
	if err := r.app.CallTimed(r.dev.lcore, fn, time.Second); err != nil {
		r.t.Fatalf("CallTimed: %v", err)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	r := newDevRig(t)

	if s := r.dev.State(); s != StateUnclaimed {
		t.Fatalf("state after construct = %s, want unclaimed", s)
	}
	if _, err := r.target.Load("vhost.0", 7); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s := r.dev.State(); s != StateClaimed {
		t.Fatalf("state after load = %s, want claimed", s)
	}
	if r.target.FindByVid(7) != r.dev {
		t.Error("FindByVid does not resolve the loaded connection")
	}

	// One request through the running poller, end to end.
	var respGPA uint64
	r.onLcore(func() {
		q := r.reqQ
		hdrGPA := r.g.allocData(cmdReqSize)
		hdr := r.g.hostAt(hdrGPA)
		clear(hdr[:cmdReqSize])
		hdr[0] = 1
		hdr[cmdReqCdbOff] = opTestUnitReady
		respGPA = r.g.allocData(cmdRespSize)
		q.writeDesc(0, hdrGPA, cmdReqSize, descFNext, 1)
		q.writeDesc(1, respGPA, cmdRespSize, descFWrite, 0)
		q.pushAvail(0)
	})

	select {
	case <-r.notif.C:
	case <-time.After(time.Second):
		t.Fatal("poller never retired the request")
	}
	var response uint8
	r.onLcore(func() { response = r.g.hostAt(respGPA)[respResponseOff] })
	if response != scsiRespOK {
		t.Fatalf("response = %d, want ok", response)
	}

	if err := r.target.Unload(r.dev); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if s := r.dev.State(); s != StateDead {
		t.Fatalf("state after unload = %s, want dead", s)
	}
	if r.target.FindByVid(7) != nil {
		t.Error("vid still resolvable after unload")
	}
	if err := r.target.Remove(r.dev); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.dev.State() != StateInvalid || r.target.FindByName("vhost.0") != nil {
		t.Error("device still alive after remove")
	}
}

func TestUnloadWithTasksInFlight(t *testing.T) {
	r := newDevRig(t)
	if _, err := r.target.Load("vhost.0", 1); err != nil {
		t.Fatalf("Load: %v", err)
	}

	r.dev.taskStarted()
	err := r.target.Unload(r.dev)
	if !errors.Is(err, ErrTasksInFlight) {
		t.Fatalf("err = %v, want ErrTasksInFlight", err)
	}
	// The failed unload still fenced off new submissions.
	if s := r.dev.State(); s != StateRemoving {
		t.Fatalf("state = %s, want removing", s)
	}

	r.dev.taskDone()
	if err := r.target.Unload(r.dev); err != nil {
		t.Fatalf("Unload after drain: %v", err)
	}
	if r.dev.State() != StateDead {
		t.Error("device not dead after successful unload")
	}
}

func TestRemoveWhileLoaded(t *testing.T) {
	r := newDevRig(t)
	if _, err := r.target.Load("vhost.0", 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.target.Remove(r.dev); !errors.Is(err, ErrDevBusy) {
		t.Fatalf("err = %v, want ErrDevBusy", err)
	}
}

func TestLoadErrors(t *testing.T) {
	r := newDevRig(t)

	if _, err := r.target.Load("nope", 1); err == nil {
		t.Error("load of unknown device succeeded")
	}
	if _, err := r.target.Load("vhost.0", 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := r.target.Load("vhost.0", 2); !errors.Is(err, ErrDevBusy) {
		t.Errorf("double load: err = %v, want ErrDevBusy", err)
	}
}

func TestLoadRollbackOnClaimFailure(t *testing.T) {
	r := newDevRig(t)

	// Steal the claim so the backend's Start fails.
	bd := bdev.GetByName(t.Name())
	if !bd.Claim(nil) {
		t.Fatal("claim failed")
	}
	if _, err := r.target.Load("vhost.0", 1); err == nil {
		t.Fatal("load succeeded with a stolen claim")
	}
	if r.dev.Vid() != -1 || r.target.FindByVid(1) != nil {
		t.Error("vid binding not rolled back after failed load")
	}
	if s := r.dev.State(); s != StateUnclaimed {
		t.Errorf("state = %s after failed load, want unclaimed", s)
	}

	// The device is still loadable once the claim frees up.
	bd.Unclaim()
	if _, err := r.target.Load("vhost.0", 1); err != nil {
		t.Fatalf("Load after release: %v", err)
	}
}

func TestConstructErrors(t *testing.T) {
	r := newDevRig(t)

	if _, err := r.target.Construct("vhost.0", 0x1, DevTypeSCSI, NewSCSIBackend(t.Name())); err == nil {
		t.Error("duplicate name accepted")
	}
	if _, err := r.target.Construct("vhost.9", 0x2, DevTypeSCSI, NewSCSIBackend(t.Name())); err == nil {
		t.Error("cpumask selecting no reactor accepted")
	}
	if _, err := r.target.Construct("", 0x1, DevTypeSCSI, NewSCSIBackend(t.Name())); err == nil {
		t.Error("empty name accepted")
	}
}

func TestNegotiateFeatures(t *testing.T) {
	r := newDevRig(t)

	offered := VirtioFVersion1 | VirtioRingFIndirectDesc | VirtioRingFEventIdx
	got := r.dev.NegotiateFeatures(offered)
	if got != VirtioFVersion1 {
		t.Errorf("negotiated = %#x, want version1 only", got)
	}
	if r.dev.Features() != got {
		t.Error("Features does not report the negotiated set")
	}
}

func TestSetVringValidation(t *testing.T) {
	r := newDevRig(t)
	q := r.g.queueAt(3)

	if err := r.dev.SetVring(-1, 16, q.descGPA, q.availGPA, q.usedGPA, nil); err == nil {
		t.Error("negative vring index accepted")
	}
	if err := r.dev.SetVring(maxVrings, 16, q.descGPA, q.availGPA, q.usedGPA, nil); err == nil {
		t.Error("vring index past the limit accepted")
	}
	// Rings outside the registered memory are rejected at setup time.
	if err := r.dev.SetVring(3, 16, 0xdead0000, q.availGPA, q.usedGPA, nil); err == nil {
		t.Error("untranslatable descriptor table accepted")
	}
}
