package clinicsync

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// PollTier is the fallback refresh cadence selected by connection state.
type PollTier int

const (
	PollOff PollTier = iota
	PollDegraded
	PollFailed
)

func (t PollTier) String() string {
	switch t {
	case PollDegraded:
		return "degraded"
	case PollFailed:
		return "failed"
	default:
		return "off"
	}
}

func tierFor(state ConnectionState) PollTier {
	switch state {
	case StateConnected:
		return PollOff
	case StateFailed:
		return PollFailed
	default:
		return PollDegraded
	}
}

// poller holds at most one ticker. Owned by the engine loop goroutine.
type poller struct {
	clock    clockwork.Clock
	degraded time.Duration
	failed   time.Duration

	tier   PollTier
	ticker clockwork.Ticker
}

func newPoller(clock clockwork.Clock, degraded, failed time.Duration) *poller {
	return &poller{clock: clock, degraded: degraded, failed: failed}
}

func (p *poller) interval(t PollTier) time.Duration {
	switch t {
	case PollDegraded:
		return p.degraded
	case PollFailed:
		return p.failed
	}
	return 0
}

// retune installs the ticker for state, stopping the old one first. It
// reports whether the tier changed.
func (p *poller) retune(state ConnectionState) bool {
	next := tierFor(state)
	if next == p.tier && (next == PollOff || p.ticker != nil) {
		return false
	}
	p.stop()
	p.tier = next
	if d := p.interval(next); d > 0 {
		p.ticker = p.clock.NewTicker(d)
	}
	return true
}

// C is nil while polling is off, so a select on it never fires.
func (p *poller) C() <-chan time.Time {
	if p.ticker == nil {
		return nil
	}
	return p.ticker.Chan()
}

func (p *poller) stop() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	p.tier = PollOff
}
