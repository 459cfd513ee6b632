package clinicsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryDelay returns the backoff before reconnect attempt n (1-based):
// base * 2^(n-1), capped at max. Non-positive attempts yield zero.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Reconnect triggers, used for metrics and logs.
const (
	triggerRetry    = "retry"
	triggerWatchdog = "watchdog"
	triggerManual   = "manual"
)

// liveSub is one subscription attempt. stop ends its pump goroutine.
type liveSub struct {
	epoch uint64
	sub   Subscription
	stop  chan struct{}
	once  sync.Once
}

func (l *liveSub) release() {
	l.once.Do(func() {
		close(l.stop)
		l.sub.Unsubscribe()
	})
}

// supervisor runs the connection state machine. Every field is owned by the
// engine loop goroutine; nothing here is touched from anywhere else.
type supervisor struct {
	e   *Engine
	log *slog.Logger

	state   ConnectionState
	attempt int
	epoch   uint64
	sub     *liveSub

	retry    clockwork.Timer
	watchdog clockwork.Timer
	poll     *poller
}

func newSupervisor(e *Engine) *supervisor {
	return &supervisor{
		e:     e,
		log:   e.log,
		state: StateConnecting,
		poll:  newPoller(e.clock, e.cfg.PollInterval, e.cfg.FailedPollInterval),
	}
}

// open supersedes the current subscription with a fresh attempt.
func (sv *supervisor) open() {
	sv.release()
	sv.epoch++
	sv.transition(StateConnecting)

	sub, err := sv.e.channel.Subscribe(sv.e.ctx)
	if err != nil {
		sv.log.Warn("Subscribe failed", attrEpoch(sv.epoch), attrError(err))
		sv.onStatus(ChannelError)
		return
	}
	ls := &liveSub{epoch: sv.epoch, sub: sub, stop: make(chan struct{})}
	sv.sub = ls
	sv.e.wg.Add(1)
	go sv.e.pump(ls)
	sv.log.Debug("Subscription opened", attrEpoch(sv.epoch), attrAttempt(sv.attempt))
}

func (sv *supervisor) release() {
	if sv.sub != nil {
		sv.sub.release()
		sv.sub = nil
	}
}

// onStatus applies the transition table for a status of the current epoch.
func (sv *supervisor) onStatus(st ChannelStatus) {
	switch sv.state {
	case StateConnecting:
		switch st {
		case ChannelSubscribed:
			sv.attempt = 0
			stopTimer(&sv.retry)
			sv.transition(StateConnected)
		case ChannelError, ChannelTimedOut:
			sv.transition(StateError)
			sv.scheduleRetry()
		case ChannelClosed:
			// No retry here; the watchdog picks it up.
			sv.transition(StateDisconnected)
		}
	case StateConnected:
		switch st {
		case ChannelError, ChannelTimedOut:
			sv.transition(StateError)
			sv.scheduleRetry()
		case ChannelClosed:
			sv.transition(StateDisconnected)
			sv.scheduleRetry()
		}
	default:
		sv.log.Debug("Ignoring channel status", attrState(sv.state), slog.String("status", string(st)))
	}
}

func (sv *supervisor) scheduleRetry() {
	if sv.retry != nil {
		return
	}
	if sv.attempt >= sv.e.cfg.MaxRetries {
		sv.giveUp()
		return
	}
	d := RetryDelay(sv.attempt+1, sv.e.cfg.RetryBaseDelay, sv.e.cfg.RetryMaxDelay)
	sv.retry = sv.e.clock.NewTimer(d)
	sv.log.Info("Reconnect scheduled", attrAttempt(sv.attempt+1), attrDelay(d))
}

func (sv *supervisor) giveUp() {
	sv.release()
	sv.log.Warn("Reconnect attempts exhausted, polling only", attrAttempt(sv.attempt))
	sv.transition(StateFailed)
}

// reconnect handles a fired retry or watchdog timer.
func (sv *supervisor) reconnect(trigger string) {
	if sv.state != StateError && sv.state != StateDisconnected {
		return
	}
	if sv.attempt >= sv.e.cfg.MaxRetries {
		sv.giveUp()
		return
	}
	sv.attempt++
	sv.e.metrics.IncReconnectAttempt(trigger)
	sv.log.Info("Reconnecting", attrAttempt(sv.attempt), attrSource(trigger))
	sv.open()
}

// manual is Reconnect(): any state, no backoff, fresh retry budget.
func (sv *supervisor) manual() {
	stopTimer(&sv.retry)
	stopTimer(&sv.watchdog)
	sv.attempt = 0
	sv.e.metrics.IncReconnectAttempt(triggerManual)
	sv.log.Info("Manual reconnect", attrFrom(sv.state))
	sv.open()
}

func (sv *supervisor) transition(to ConnectionState) {
	from := sv.state
	if from == to {
		return
	}
	sv.state = to
	sv.log.Info("Connection state changed", attrFrom(from), attrState(to), attrAttempt(sv.attempt))
	if sv.poll.retune(to) {
		sv.log.Debug("Poll tier changed", attrPollTier(sv.poll.tier))
	}
	sv.e.publishDiag(sv.attempt, sv.epoch, sv.poll.tier, sv.retry != nil)
	sv.e.setConnectionState(to)
}

// settle arms the watchdog while degraded without a pending retry and
// disarms it otherwise, then publishes diagnostics.
func (sv *supervisor) settle() {
	degraded := sv.state == StateError || sv.state == StateDisconnected
	switch {
	case degraded && sv.retry == nil:
		if sv.watchdog == nil {
			sv.watchdog = sv.e.clock.NewTimer(sv.e.cfg.WatchdogDelay)
		}
	default:
		stopTimer(&sv.watchdog)
	}
	sv.e.publishDiag(sv.attempt, sv.epoch, sv.poll.tier, sv.retry != nil)
}

func (sv *supervisor) shutdown() {
	stopTimer(&sv.retry)
	stopTimer(&sv.watchdog)
	sv.poll.stop()
	sv.release()
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func timerC(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}
