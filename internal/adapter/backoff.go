package adapter

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectSchedule implements backoff.BackOff with the exact graduated
// schedule from spec §4.3: 250ms, 500ms, 1s, 2s, 5s, 5s, ... (holds at
// the final step forever once exhausted, rather than giving up).
type reconnectSchedule struct {
	steps []time.Duration
	idx   int
}

func newReconnectSchedule() *reconnectSchedule {
	return &reconnectSchedule{
		steps: []time.Duration{
			250 * time.Millisecond,
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
		},
	}
}

// NextBackOff satisfies backoff.BackOff.
func (r *reconnectSchedule) NextBackOff() time.Duration {
	d := r.steps[r.idx]
	if r.idx < len(r.steps)-1 {
		r.idx++
	}
	return d
}

// Reset satisfies backoff.BackOff; called after a successful connect so
// the next failure starts the schedule over from 250ms.
func (r *reconnectSchedule) Reset() {
	r.idx = 0
}

var _ backoff.BackOff = (*reconnectSchedule)(nil)
