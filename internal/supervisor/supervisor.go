// Package supervisor implements the supervision layer (C8): a
// heartbeat registry over the device's long-running subsystems, with
// restart policies and a bounded shutdown drain, per spec §4.8.
package supervisor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// RestartPolicy controls what happens when a unit's Run returns.
type RestartPolicy int

const (
	// Permanent units are restarted whenever Run returns, after one
	// heartbeat interval (1s by default) to avoid a hot crash loop.
	Permanent RestartPolicy = iota
	// Transient units are started once; if Run returns, the unit is
	// considered finished and is not restarted.
	Transient
)

// stallThreshold is how long a unit can go without a heartbeat before
// the supervisor logs it as stalled, per spec §4.8.
const stallThreshold = 5 * time.Second

// Unit is one supervised subsystem.
type Unit struct {
	Name   string
	Policy RestartPolicy
	Run    func(ctx context.Context) error

	lastAliveNS atomic.Int64
	warnedStall atomic.Bool
}

func (u *Unit) markAlive(now time.Time) {
	u.lastAliveNS.Store(now.UnixNano())
	u.warnedStall.Store(false)
}

// Supervisor runs a set of units, restarting permanent ones on failure
// and tracking liveness via a periodic heartbeat, per spec §4.8's 1s
// interval.
type Supervisor struct {
	mu    sync.Mutex
	units []*Unit

	heartbeatInterval time.Duration
	now               func() time.Time
}

// New creates a Supervisor.
func New() *Supervisor {
	return &Supervisor{heartbeatInterval: time.Second, now: time.Now}
}

// Register adds a unit. Must be called before Run.
func (s *Supervisor) Register(u *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, u)
}

// Run starts every registered unit and blocks until ctx is cancelled,
// then gives the units 500ms to exit before returning, per spec §4.8's
// "drain-or-kill on shutdown" behavior. Go units can't be forcibly
// killed the way a task can on the original firmware's RTOS, so the
// timeout here is advisory: units are expected to honor ctx
// cancellation promptly, and Run logs (but does not block on) any that
// don't.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	s.mu.Lock()
	units := append([]*Unit(nil), s.units...)
	s.mu.Unlock()

	for _, u := range units {
		wg.Add(1)
		go func(u *Unit) {
			defer wg.Done()
			s.runUnit(ctx, u)
		}(u)
	}

	heartbeatTicker := time.NewTicker(s.heartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(500 * time.Millisecond):
				log.Printf("[supervisor] shutdown drain timed out, some units may still be exiting")
			}
			return
		case <-heartbeatTicker.C:
			s.checkStalls(units)
		}
	}
}

func (s *Supervisor) runUnit(ctx context.Context, u *Unit) {
	for {
		u.markAlive(s.now())
		err := u.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[supervisor] unit %q exited with error: %v", u.Name, err)
		} else {
			log.Printf("[supervisor] unit %q exited", u.Name)
		}

		if u.Policy == Transient {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.heartbeatInterval):
		}
	}
}

// checkStalls logs (once per stall) any unit whose Run hasn't reached a
// fresh iteration within stallThreshold. A unit is marked alive only
// when its Run starts, so a long-running unit that is working normally
// is logged the same way as one wedged inside its own Run.
func (s *Supervisor) checkStalls(units []*Unit) {
	now := s.now()
	for _, u := range units {
		last := time.Unix(0, u.lastAliveNS.Load())
		if now.Sub(last) > stallThreshold && u.warnedStall.CompareAndSwap(false, true) {
			log.Printf("[supervisor] unit %q has not reported alive in over %s", u.Name, stallThreshold)
		}
	}
}
