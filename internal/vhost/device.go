package vhost

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/costad2/spdk/internal/event"
	"github.com/costad2/spdk/internal/vhost/guestmem"
)

// Feature bits the device model knows about.
const (
	VirtioRingFIndirectDesc = uint64(1) << 28
	VirtioRingFEventIdx     = uint64(1) << 29
	VhostUserFProtocol      = uint64(1) << 30
	VirtioFVersion1         = uint64(1) << 32
)

// DevType selects the per-variant backend ops table. The variant is fixed at
// construct time for the lifetime of the device object.
type DevType int

const (
	DevTypeSCSI DevType = iota
)

func (t DevType) String() string {
	if t == DevTypeSCSI {
		return "scsi"
	}
	return "unknown"
}

// State is the connection state machine of a device.
type State int32

const (
	// StateInvalid marks a device object used before construct or after
	// final teardown.
	StateInvalid State = iota
	// StateUnclaimed: constructed, no backend claim held.
	StateUnclaimed
	// StateClaimed: backend claimed, requests flowing.
	StateClaimed
	// StateRemoving: hot-remove observed or unload requested; new
	// submissions are rejected while in-flight ones drain.
	StateRemoving
	// StateDead: unloaded; terminal until Remove destroys the object.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateClaimed:
		return "claimed"
	case StateRemoving:
		return "removing"
	case StateDead:
		return "dead"
	}
	return "invalid"
}

var (
	// ErrTasksInFlight is returned by Unload while requests are still
	// outstanding; callers drain and retry.
	ErrTasksInFlight = errors.New("vhost: tasks still in flight")

	// ErrDevBusy is returned by Remove while a connection is attached.
	ErrDevBusy = errors.New("vhost: device has an active connection")

	// ErrBadState rejects an operation the state machine does not allow.
	ErrBadState = errors.New("vhost: operation not allowed in this state")
)

// DeviceBackend is the per-type ops table (SCSI today). Start and Stop run
// on the device's owning reactor; PollQueues is the device's poll iteration
// and returns true when it did work.
type DeviceBackend interface {
	VirtioFeatures() uint64
	DisabledFeatures() uint64
	Start(dev *Dev) error
	Stop(dev *Dev) error
	PollQueues(dev *Dev) bool
}

// Dev is one vhost device: a guest connection's queues bridged to a claimed
// backend block device. It is exclusively owned by one reactor.
type Dev struct {
	name    string
	vid     int
	cpumask uint64
	lcore   int32
	devType DevType
	backend DeviceBackend

	negotiatedFeatures uint64

	mem *guestmem.Map
	vqs []*Virtqueue

	taskCnt atomic.Int32
	state   atomic.Int32

	target *Target
	poller *event.Poller

	// backend-private per-connection state
	priv any
}

func (d *Dev) Name() string       { return d.name }
func (d *Dev) Vid() int           { return d.vid }
func (d *Dev) Lcore() int32       { return d.lcore }
func (d *Dev) Type() DevType      { return d.devType }
func (d *Dev) Mem() *guestmem.Map { return d.mem }
func (d *Dev) NumQueues() int     { return len(d.vqs) }
func (d *Dev) Features() uint64   { return d.negotiatedFeatures }

// State returns the connection state. Safe from any goroutine; management
// callers use it to re-query after a timed-dispatch timeout.
func (d *Dev) State() State { return State(d.state.Load()) }

func (d *Dev) setState(s State) { d.state.Store(int32(s)) }

// TaskCount returns the number of in-flight requests. Teardown is gated on
// this reaching zero.
func (d *Dev) TaskCount() int32 { return d.taskCnt.Load() }

func (d *Dev) taskStarted() { d.taskCnt.Add(1) }
func (d *Dev) taskDone()    { d.taskCnt.Add(-1) }

// Queue returns the idx'th virtqueue, or nil.
func (d *Dev) Queue(idx int) *Virtqueue {
	if idx < 0 || idx >= len(d.vqs) {
		return nil
	}
	return d.vqs[idx]
}

// NegotiateFeatures records the feature set for the connection: the
// intersection of what the guest offers and what the backend supports, minus
// what the backend explicitly disables.
func (d *Dev) NegotiateFeatures(offered uint64) uint64 {
	d.negotiatedFeatures = offered & d.backend.VirtioFeatures() &^ d.backend.DisabledFeatures()
	return d.negotiatedFeatures
}

// SetMemTable replaces the device's guest memory map wholesale. The caller
// sequences this against in-flight I/O.
func (d *Dev) SetMemTable(regions []guestmem.Region) error {
	return d.mem.Register(regions)
}

// ClearMemTable drops all regions.
func (d *Dev) ClearMemTable() {
	d.mem.Unregister()
}

// SetVring attaches one queue. Queues are set up during Load and never
// resized while the connection is attached.
func (d *Dev) SetVring(idx int, size uint16, descGPA, availGPA, usedGPA uint64, n Notifier) error {
	if idx < 0 || idx >= maxVrings {
		return fmt.Errorf("vhost: vring index %d out of range", idx)
	}
	q, err := NewVirtqueue(d.mem, size, descGPA, availGPA, usedGPA, n)
	if err != nil {
		return err
	}
	for len(d.vqs) <= idx {
		d.vqs = append(d.vqs, nil)
	}
	d.vqs[idx] = q
	return nil
}

const maxVrings = 256

// opTimeout bounds cross-core management dispatch.
const opTimeout = 3 * time.Second

// Target owns the device catalog and marshals management operations onto
// each device's owning reactor.
type Target struct {
	app *event.App

	mu    sync.Mutex
	devs  map[string]*Dev
	byVid map[int]*Dev
}

// NewTarget builds a target over the reactor set.
func NewTarget(app *event.App) *Target {
	return &Target{
		app:   app,
		devs:  make(map[string]*Dev),
		byVid: make(map[int]*Dev),
	}
}

// Construct creates and registers a device object. The cpumask selects the
// owning lcore; the device never migrates afterwards.
func (t *Target) Construct(name string, cpumask uint64, devType DevType, backend DeviceBackend) (*Dev, error) {
	if name == "" {
		return nil, errors.New("vhost: empty device name")
	}
	lcore, err := t.app.LcoreFromMask(cpumask)
	if err != nil {
		return nil, fmt.Errorf("vhost: %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devs[name]; ok {
		return nil, fmt.Errorf("vhost: device %q already exists", name)
	}
	d := &Dev{
		name:    name,
		vid:     -1,
		cpumask: cpumask,
		lcore:   lcore,
		devType: devType,
		backend: backend,
		mem:     guestmem.NewMap(),
		target:  t,
	}
	d.setState(StateUnclaimed)
	t.devs[name] = d
	slog.Info("vhost device constructed", "name", name, "type", devType, "lcore", lcore)
	return d, nil
}

// Remove destroys a device object. It fails while a connection is attached.
func (t *Target) Remove(dev *Dev) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dev.vid >= 0 {
		return fmt.Errorf("%w: %s", ErrDevBusy, dev.name)
	}
	switch dev.State() {
	case StateUnclaimed, StateDead:
	default:
		return fmt.Errorf("%w: remove in %s", ErrBadState, dev.State())
	}
	delete(t.devs, dev.name)
	dev.setState(StateInvalid)
	slog.Info("vhost device removed", "name", dev.name)
	return nil
}

// FindByName returns the named device, or nil.
func (t *Target) FindByName(name string) *Dev {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devs[name]
}

// FindByVid returns the device holding the given connection id, or nil.
func (t *Target) FindByVid(vid int) *Dev {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byVid[vid]
}

// Load attaches connection vid to the named device: the backend claims its
// block device and the poll loop starts on the owning reactor. Memory table
// and vrings must be set before Load. Runs on the owning reactor via timed
// dispatch; on ErrTimedOut the outcome is unknown and the caller re-queries
// Dev.State.
func (t *Target) Load(name string, vid int) (*Dev, error) {
	t.mu.Lock()
	dev, ok := t.devs[name]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("vhost: no device %q", name)
	}
	if dev.vid >= 0 {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already has vid %d", ErrDevBusy, name, dev.vid)
	}
	if dev.State() != StateUnclaimed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: load in %s", ErrBadState, dev.State())
	}
	dev.vid = vid
	t.byVid[vid] = dev
	t.mu.Unlock()

	var startErr error
	err := t.app.CallTimed(dev.lcore, func() {
		startErr = dev.backend.Start(dev)
		if startErr != nil {
			return
		}
		dev.setState(StateClaimed)
	}, opTimeout)
	if err == nil {
		err = startErr
	}
	if err != nil {
		t.mu.Lock()
		delete(t.byVid, vid)
		dev.vid = -1
		t.mu.Unlock()
		return nil, fmt.Errorf("vhost: load %s: %w", name, err)
	}

	p, perr := t.app.RegisterPoller(dev.lcore, func() bool {
		return dev.backend.PollQueues(dev)
	})
	if perr != nil {
		return nil, fmt.Errorf("vhost: load %s: %w", name, perr)
	}
	dev.poller = p
	slog.Info("vhost device loaded", "name", name, "vid", vid)
	return dev, nil
}

// Unload detaches the device's connection. New submissions are rejected as
// soon as the device leaves StateClaimed; the call fails with
// ErrTasksInFlight until outstanding requests have drained, and the caller
// retries. Runs on the owning reactor via timed dispatch.
func (t *Target) Unload(dev *Dev) error {
	var opErr error
	err := t.app.CallTimed(dev.lcore, func() {
		switch dev.State() {
		case StateClaimed, StateRemoving:
		default:
			opErr = fmt.Errorf("%w: unload in %s", ErrBadState, dev.State())
			return
		}
		dev.setState(StateRemoving)
		if n := dev.TaskCount(); n > 0 {
			opErr = fmt.Errorf("%w: %d", ErrTasksInFlight, n)
			return
		}
		opErr = dev.backend.Stop(dev)
		dev.setState(StateDead)
	}, opTimeout)
	if err == nil {
		err = opErr
	}
	if err != nil {
		return fmt.Errorf("vhost: unload %s: %w", dev.name, err)
	}

	if dev.poller != nil {
		dev.poller.Unregister()
		dev.poller = nil
	}
	// The unregister above is queued behind any in-progress poll iteration;
	// tearing the queues down is sequenced after it on the same reactor.
	if terr := t.app.CallTimed(dev.lcore, func() {
		dev.vqs = nil
		dev.mem.Unregister()
	}, opTimeout); terr != nil {
		slog.Warn("vhost: queue teardown dispatch failed", "name", dev.name, "err", terr)
	}
	t.mu.Lock()
	delete(t.byVid, dev.vid)
	dev.vid = -1
	t.mu.Unlock()
	slog.Info("vhost device unloaded", "name", dev.name)
	return nil
}

// hotRemove is invoked from the backend's remove callback, on an arbitrary
// thread. The state flip is marshalled onto the owning reactor.
func (d *Dev) hotRemove() {
	slog.Warn("backend hot-removed under vhost device", "name", d.name)
	_ = d.target.app.Call(d.lcore, func() {
		if d.State() == StateClaimed {
			d.setState(StateRemoving)
		}
	})
}
