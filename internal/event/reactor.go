// Package event runs one reactor per configured lcore. A reactor is a
// pinned, run-to-completion loop that drains posted events (closures) and
// then runs its registered pollers. Everything a reactor executes runs on
// that reactor's goroutine, which is what lets per-device state stay
// lock-free: management operations from other cores are marshalled in with
// Call or CallTimed instead of touching the state directly.
package event

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTimedOut is returned by CallTimed when the deadline elapses before
	// the event completes. The event stays queued and may still run later;
	// callers must re-query state instead of assuming it never executed.
	ErrTimedOut = errors.New("event: timed out waiting for lcore")

	// ErrNoSuchLcore is returned for lcores the app was not started with.
	ErrNoSuchLcore = errors.New("event: no such lcore")
)

const eventQueueDepth = 1024

// Reactor is one lcore's event loop.
type Reactor struct {
	lcore   int32
	events  chan func()
	stop    chan struct{}
	pollers []*Poller
}

// Poller is a function the reactor calls every iteration. It returns true
// when it did work, keeping the loop hot.
type Poller struct {
	r  *Reactor
	fn func() bool
}

// Unregister removes the poller from its reactor. Safe from any goroutine;
// takes effect on the owning reactor's next iteration.
func (p *Poller) Unregister() {
	r := p.r
	select {
	case r.events <- func() { r.removePoller(p) }:
	case <-r.stop:
	}
}

func (r *Reactor) removePoller(p *Poller) {
	for i, q := range r.pollers {
		if q == p {
			r.pollers = append(r.pollers[:i], r.pollers[i+1:]...)
			return
		}
	}
}

func (r *Reactor) run(wg *sync.WaitGroup, pin bool) {
	defer wg.Done()
	if pin {
		if err := pinToCore(r.lcore); err != nil {
			slog.Warn("reactor not pinned", "lcore", r.lcore, "err", err)
		}
	}
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		// Checked every iteration, not just when idle, so a poller that
		// always reports work cannot starve shutdown.
		select {
		case <-r.stop:
			return
		default:
		}
		busy := false
		for {
			select {
			case fn := <-r.events:
				fn()
				busy = true
				continue
			default:
			}
			break
		}
		for _, p := range r.pollers {
			if p.fn() {
				busy = true
			}
		}
		if busy {
			continue
		}
		// Idle: block until the next event instead of spinning.
		idle.Reset(100 * time.Microsecond)
		select {
		case fn := <-r.events:
			fn()
		case <-idle.C:
		case <-r.stop:
			return
		}
	}
}

// App owns the reactor set.
type App struct {
	reactors map[int32]*Reactor
	pin      bool
	wg       sync.WaitGroup
	started  bool
}

// NewApp builds an app with one reactor per listed lcore. If pin is set,
// each reactor locks its OS thread and binds it to the matching CPU.
func NewApp(lcores []int32, pin bool) *App {
	a := &App{reactors: make(map[int32]*Reactor), pin: pin}
	for _, lc := range lcores {
		a.reactors[lc] = &Reactor{
			lcore:  lc,
			events: make(chan func(), eventQueueDepth),
			stop:   make(chan struct{}),
		}
	}
	return a
}

// Start launches the reactor goroutines.
func (a *App) Start() {
	if a.started {
		return
	}
	a.started = true
	for _, r := range a.reactors {
		a.wg.Add(1)
		go r.run(&a.wg, a.pin)
	}
}

// Stop shuts every reactor down and waits for them to exit. Events still
// queued are dropped.
func (a *App) Stop() {
	if !a.started {
		return
	}
	for _, r := range a.reactors {
		close(r.stop)
	}
	a.wg.Wait()
	a.started = false
}

// Lcores returns the configured lcore ids.
func (a *App) Lcores() []int32 {
	out := make([]int32, 0, len(a.reactors))
	for lc := range a.reactors {
		out = append(out, lc)
	}
	return out
}

// LcoreFromMask returns the lowest configured lcore allowed by the cpumask.
func (a *App) LcoreFromMask(cpumask uint64) (int32, error) {
	best := int32(-1)
	for lc := range a.reactors {
		if lc < 64 && cpumask&(1<<uint(lc)) != 0 && (best < 0 || lc < best) {
			best = lc
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("event: cpumask 0x%x selects no configured lcore", cpumask)
	}
	return best, nil
}

// Call posts fn to run on the given lcore, fire and forget.
func (a *App) Call(lcore int32, fn func()) error {
	r, ok := a.reactors[lcore]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchLcore, lcore)
	}
	select {
	case r.events <- fn:
		return nil
	case <-r.stop:
		return fmt.Errorf("event: lcore %d stopped", lcore)
	}
}

// CallTimed posts fn to run on the given lcore and waits for it to finish,
// up to timeout. On ErrTimedOut the event may still execute later.
func (a *App) CallTimed(lcore int32, fn func(), timeout time.Duration) error {
	r, ok := a.reactors[lcore]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchLcore, lcore)
	}
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case r.events <- wrapped:
	case <-deadline.C:
		return ErrTimedOut
	}
	select {
	case <-done:
		return nil
	case <-deadline.C:
		slog.Warn("timed event still pending at deadline", "lcore", lcore)
		return ErrTimedOut
	}
}

// RegisterPoller attaches fn to the given lcore's loop. The returned handle
// removes it again.
func (a *App) RegisterPoller(lcore int32, fn func() bool) (*Poller, error) {
	r, ok := a.reactors[lcore]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchLcore, lcore)
	}
	p := &Poller{r: r, fn: fn}
	if err := a.Call(lcore, func() { r.pollers = append(r.pollers, p) }); err != nil {
		return nil, err
	}
	return p, nil
}
