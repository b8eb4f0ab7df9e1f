package proxy

import (
	"context"
	"log"
	"time"

	"github.com/docwilco/tachtalk/internal/adapter"
)

// IdlePoller issues periodic RPM requests to the adapter channel so the
// shift-light renderer has fresh data even when no client is actively
// polling, per spec §4.4. It suspends itself whenever the channel
// reports an in-flight client request, to avoid head-of-line delay.
type IdlePoller struct {
	channel *adapter.Channel
	command []byte

	intervalMS func() uint32 // live config lookup, not a snapshot
}

// NewIdlePoller creates a poller. intervalMS is called on every tick so
// configuration changes (C5) take effect without restarting the poller.
func NewIdlePoller(channel *adapter.Channel, command string, intervalMS func() uint32) *IdlePoller {
	return &IdlePoller{channel: channel, command: []byte(command), intervalMS: intervalMS}
}

// Run ticks until ctx is cancelled. On repeated failure it backs off to
// a fixed 1s interval per spec §4.4, resuming the configured interval
// once a poll succeeds again.
func (p *IdlePoller) Run(ctx context.Context) {
	const failureBackoff = time.Second
	consecutiveFailures := 0

	for {
		interval := time.Duration(p.intervalMS()) * time.Millisecond
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}
		if consecutiveFailures > 0 && failureBackoff > interval {
			interval = failureBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if p.channel.InFlight() {
			continue // a client request is in progress; don't contend for the mailbox
		}
		if p.channel.State() != adapter.Ready {
			continue
		}

		_, err := p.channel.Submit(ctx, p.command, time.Now().Add(interval))
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures == 1 {
				log.Printf("[proxy] idle poll failing, backing off: %v", err)
			}
			continue
		}
		consecutiveFailures = 0
	}
}
