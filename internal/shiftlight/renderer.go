package shiftlight

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Writer is the peripheral collaborator: it transmits a frame in
// peripheral pixel order (GRB for WS2812B) to the physical LED strip.
// The real timing-sensitive transmit driver is out of scope (spec §1);
// production wiring supplies an implementation, tests supply a fake.
type Writer interface {
	Write(grb []byte) error
}

// RPMSource supplies the current RPM snapshot. Implemented by the
// current-RPM cell shared with the adapter channel (C3).
type RPMSource interface {
	RPM() (value uint32, timestampMS uint64)
}

// Clock supplies monotonic milliseconds since process start, matching
// spec §9's "timestamps are monotonic ms since boot, never wall-clock".
type Clock func() uint64

// Renderer owns the LED peripheral and runs the render loop described in
// spec §4.1: it renders a frame, then sleeps for 100ms, or for the
// ComputeRenderInterval period when that is shorter and a blinking
// threshold is active in the frame. It does not wake early when the RPM
// changes, and its sleeps are not aligned to blink boundaries, so a blink
// transition can appear up to one sleep late.
type Renderer struct {
	writer Writer
	rpm    RPMSource
	clock  Clock

	plan atomic.Pointer[Plan]

	// blinkIntervalMS is cached alongside plan so the render loop can
	// compute its next wake-up without re-walking the threshold list
	// every tick.
	blinkIntervalMS atomic.Uint32
}

// New creates a Renderer. Call SetPlan at least once (typically from the
// configuration store's change-notification callback) before Run.
func New(writer Writer, rpm RPMSource, clock Clock) *Renderer {
	return &Renderer{writer: writer, rpm: rpm, clock: clock}
}

// SetPlan installs a new baked render plan, taking effect on the next
// tick. thresholds is passed alongside the baked Plan purely to compute
// the blink wake-up interval (spec §9 "LED color precomputation").
func (r *Renderer) SetPlan(plan *Plan, thresholds []Threshold) {
	r.plan.Store(plan)
	r.blinkIntervalMS.Store(ComputeRenderInterval(thresholds))
}

// Run blocks, rendering frames until ctx is cancelled. Errors writing to
// the peripheral are logged and retried on the next tick, never
// surfaced to the caller, per spec §4.1.
func (r *Renderer) Run(ctx context.Context) {
	const maxPollInterval = 100 * time.Millisecond // longest sleep between frames (10Hz)

	for {
		plan := r.plan.Load()
		if plan == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		rpm, _ := r.rpm.RPM()
		now := r.clock()
		frame := Render(rpm, plan, now)

		if err := r.writer.Write(ToGRB(frame)); err != nil {
			log.Printf("[shiftlight] write failed, will retry next tick: %v", err)
		}

		wait := maxPollInterval
		if blinkMS := r.blinkIntervalMS.Load(); frame.HasBlinking && blinkMS > 0 {
			if bw := time.Duration(blinkMS) * time.Millisecond; bw < wait {
				wait = bw
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
