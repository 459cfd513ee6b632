package clinicsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// ============================================================================
// Configuration
// ============================================================================

// SyncConfig tunes reconnection and fallback polling. Zero values take the
// defaults below.
type SyncConfig struct {
	MaxRetries         int           // default 3
	RetryBaseDelay     time.Duration // default 5s
	RetryMaxDelay      time.Duration // default 60s
	WatchdogDelay      time.Duration // default 5s
	PollInterval       time.Duration // while push is degraded; default 30s
	FailedPollInterval time.Duration // after retries are exhausted; default 15s

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics Recorder
}

func (c *SyncConfig) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.WatchdogDelay == 0 {
		c.WatchdogDelay = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FailedPollInterval == 0 {
		c.FailedPollInterval = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NoopRecorder{}
	}
}

// ============================================================================
// Event emitter
// ============================================================================

// Engine notifications delivered to On handlers.
const (
	EventStateChanged   = "state.changed"   // payload: ConnectionState
	EventRecordsChanged = "records.changed" // payload: int record count
	EventRefreshFailed  = "refresh.failed"  // payload: error
)

// EventHandler handles engine notifications. Handlers run synchronously on
// the goroutine that caused the change and must not block. That is usually
// the supervisor loop, so a handler must not call Close directly.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for an engine notification.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Engine
// ============================================================================

// Status is a diagnostic snapshot of the supervisor.
type Status struct {
	State        ConnectionState `json:"state"`
	Attempt      int             `json:"attempt"`
	Epoch        uint64          `json:"epoch"`
	PollTier     string          `json:"pollTier"`
	RetryPending bool            `json:"retryPending"`
	Records      int             `json:"records"`
	LastRefresh  time.Time       `json:"lastRefresh,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type inboxKind int

const (
	msgEvent inboxKind = iota
	msgStatus
)

type inboxMsg struct {
	kind   inboxKind
	epoch  uint64
	event  ChangeEvent
	status ChannelStatus
}

// Engine keeps a local case collection in sync with a RemoteStore and its
// push EventChannel.
type Engine struct {
	emitter
	store   RemoteStore
	channel EventChannel
	cfg     SyncConfig
	clock   clockwork.Clock
	log     *slog.Logger
	metrics Recorder
	coll    *Collection

	mu          sync.Mutex
	state       ConnectionState
	loading     bool
	errMsg      string
	lastRefresh time.Time
	diag        Status

	inbox      chan inboxMsg
	reconnects chan struct{}

	// lifeMu orders Close against the loop launch in Start.
	lifeMu     sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    atomic.Bool
	closed     atomic.Bool
	refreshing atomic.Bool
	wg         sync.WaitGroup
}

// NewEngine wires an engine. store and channel are owned by the caller.
func NewEngine(store RemoteStore, channel EventChannel, cfg *SyncConfig) *Engine {
	c := SyncConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		emitter:    emitter{listeners: make(map[string][]EventHandler)},
		store:      store,
		channel:    channel,
		cfg:        c,
		clock:      c.Clock,
		log:        c.Logger,
		metrics:    c.Metrics,
		coll:       NewCollection(),
		state:      StateConnecting,
		inbox:      make(chan inboxMsg, 256),
		reconnects: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start seeds the collection and opens the push channel. ctx bounds the
// initial load only. A failed load is reported through State().Error and
// recovered by polling; it does not fail Start.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.metrics.SetConnectionState(StateConnecting)
	if err := e.refresh(ctx, "initial", true); errors.Is(err, ErrClosed) {
		return err
	}

	// Close may have run during the initial load.
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.alive() {
		return ErrClosed
	}
	sv := newSupervisor(e)
	e.wg.Add(1)
	go e.run(sv)
	return nil
}

// Close stops all timers, unsubscribes and waits for background work.
// Safe to call more than once. Calling it from an EventHandler deadlocks;
// use go engine.Close() there.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	swapped := e.closed.CompareAndSwap(false, true)
	e.lifeMu.Unlock()
	if !swapped {
		return nil
	}
	e.cancel()
	close(e.done)
	e.wg.Wait()
	e.removeAll()
	return nil
}

func (e *Engine) alive() bool {
	return !e.closed.Load()
}

// run is the supervisor loop: the only goroutine that touches connection
// state, retry and watchdog timers, the poll ticker and subscriptions.
func (e *Engine) run(sv *supervisor) {
	defer e.wg.Done()
	defer sv.shutdown()

	sv.poll.retune(sv.state)
	sv.open()
	sv.settle()

	for {
		select {
		case <-e.done:
			return
		case m := <-e.inbox:
			if !e.alive() {
				return
			}
			e.handle(sv, m)
		case <-e.reconnects:
			sv.manual()
		case <-timerC(sv.retry):
			sv.retry = nil
			sv.reconnect(triggerRetry)
		case <-timerC(sv.watchdog):
			sv.watchdog = nil
			sv.reconnect(triggerWatchdog)
		case <-sv.poll.C():
			e.pollRefresh()
		}
		if !e.alive() {
			return
		}
		sv.settle()
	}
}

func (e *Engine) handle(sv *supervisor, m inboxMsg) {
	if m.epoch != sv.epoch {
		e.metrics.IncStaleDropped()
		e.log.Debug("Dropping stale channel callback", attrEpoch(m.epoch), slog.Uint64("current_epoch", sv.epoch))
		return
	}
	switch m.kind {
	case msgStatus:
		sv.onStatus(m.status)
	case msgEvent:
		applied := e.coll.ApplyRemote(m.event)
		e.metrics.IncEventApplied(m.event.Type, applied)
		e.log.Debug("Remote change", attrChange(m.event.Type), attrCaseID(m.event.Record.ID), slog.Bool("applied", applied))
		if applied {
			e.recordsChanged()
		}
	}
}

// pump forwards one subscription's channels into the inbox, tagged with its
// epoch, until the subscription is released or the engine closes.
func (e *Engine) pump(ls *liveSub) {
	defer e.wg.Done()
	events, status := ls.sub.Events(), ls.sub.Status()
	for events != nil || status != nil {
		var m inboxMsg
		select {
		case <-e.done:
			return
		case <-ls.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m = inboxMsg{kind: msgEvent, epoch: ls.epoch, event: ev}
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			m = inboxMsg{kind: msgStatus, epoch: ls.epoch, status: st}
		}
		select {
		case e.inbox <- m:
		case <-e.done:
			return
		case <-ls.stop:
			return
		}
	}
}

func (e *Engine) setConnectionState(s ConnectionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.metrics.SetConnectionState(s)
	e.emit(EventStateChanged, s)
}

func (e *Engine) publishDiag(attempt int, epoch uint64, tier PollTier, retryPending bool) {
	e.mu.Lock()
	e.diag.Attempt = attempt
	e.diag.Epoch = epoch
	e.diag.PollTier = tier.String()
	e.diag.RetryPending = retryPending
	e.mu.Unlock()
}

func (e *Engine) recordsChanged() {
	n := e.coll.Len()
	e.metrics.SetRecordCount(n)
	e.emit(EventRecordsChanged, n)
}

// ============================================================================
// Refresh
// ============================================================================

// refresh replaces the collection with a fresh list. Errors are recorded in
// State().Error; success clears it.
func (e *Engine) refresh(ctx context.Context, source string, showLoading bool) error {
	if !e.alive() {
		return ErrClosed
	}
	if showLoading {
		e.mu.Lock()
		e.loading = true
		e.mu.Unlock()
	}

	list, err := e.store.List(ctx)
	if !e.alive() {
		return ErrClosed
	}

	e.mu.Lock()
	if showLoading {
		e.loading = false
	}
	if err != nil {
		e.errMsg = err.Error()
	} else {
		e.errMsg = ""
		e.lastRefresh = e.clock.Now()
	}
	e.mu.Unlock()
	e.metrics.IncRefresh(source, err == nil)

	if err != nil {
		e.log.Warn("Refresh failed", attrSource(source), attrError(err))
		e.emit(EventRefreshFailed, err)
		return err
	}
	e.coll.Replace(list)
	e.log.Debug("Refreshed", attrSource(source), attrCount(len(list)))
	e.recordsChanged()
	return nil
}

// pollRefresh runs a poll tick off the loop goroutine; overlapping ticks
// are skipped.
func (e *Engine) pollRefresh() {
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.refreshing.Store(false)
		_ = e.refresh(e.ctx, "poll", false)
	}()
}

// Refresh replaces the collection with a fresh list from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.refresh(ctx, "manual", true)
}

// Reconnect drops the current subscription and opens a new one now,
// cancelling any pending backoff. Repeated calls before the loop picks the
// request up collapse into one.
func (e *Engine) Reconnect() {
	if !e.alive() || !e.started.Load() {
		return
	}
	select {
	case e.reconnects <- struct{}{}:
	default:
	}
}

// ============================================================================
// State
// ============================================================================

// State returns a snapshot for UI collaborators.
func (e *Engine) State() SyncState {
	records := e.coll.Snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncState{
		Records:          records,
		Loading:          e.loading,
		Error:            e.errMsg,
		ConnectionStatus: e.state,
	}
}

// ConnectionStatus returns the current connection state.
func (e *Engine) ConnectionStatus() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CheckHealth reports whether the push channel is connected.
func (e *Engine) CheckHealth() bool {
	return e.ConnectionStatus() == StateConnected
}

// Status returns supervisor diagnostics.
func (e *Engine) Status() Status {
	n := e.coll.Len()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.diag
	s.State = e.state
	s.Records = n
	s.LastRefresh = e.lastRefresh
	s.Error = e.errMsg
	if s.PollTier == "" {
		s.PollTier = PollOff.String()
	}
	return s
}

// Record looks up one case, e.g. for report generation.
func (e *Engine) Record(id string) (CaseRecord, bool) {
	return e.coll.Get(id)
}

// ============================================================================
// Mutations
// ============================================================================

func (e *Engine) failed(op, id string, err error) MutationResult {
	e.metrics.IncMutation(op, false)
	e.log.Warn("Mutation failed", slog.String("op", op), attrCaseID(id), attrError(err))
	return MutationResult{Error: err.Error()}
}

// AddRecord creates a case. The collection gains the server record only
// after the store accepts it.
func (e *Engine) AddRecord(ctx context.Context, input CaseInput) MutationResult {
	if !e.alive() {
		return e.failed("create", "", ErrClosed)
	}
	rec, err := e.store.Create(ctx, input)
	if err != nil {
		return e.failed("create", "", err)
	}
	e.metrics.IncMutation("create", true)
	if e.alive() && e.coll.Insert(*rec) {
		e.recordsChanged()
	}
	return MutationResult{Success: true, Data: rec}
}

// UpdateStatus moves a case to status.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status CaseStatus) MutationResult {
	if !e.alive() {
		return e.failed("status", id, ErrClosed)
	}
	rec, err := e.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return e.failed("status", id, err)
	}
	return e.patched("status", id, rec, CasePatch{Status: &status})
}

// Update applies a partial update to a case.
func (e *Engine) Update(ctx context.Context, id string, patch CasePatch) MutationResult {
	if !e.alive() {
		return e.failed("update", id, ErrClosed)
	}
	rec, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return e.failed("update", id, err)
	}
	return e.patched("update", id, rec, patch)
}

// patched stores the confirmed record. Stores that answer without a body get
// the patch applied to the cached copy instead.
func (e *Engine) patched(op, id string, rec *CaseRecord, patch CasePatch) MutationResult {
	e.metrics.IncMutation(op, true)
	if rec == nil {
		cur, ok := e.coll.Get(id)
		if !ok {
			return MutationResult{Success: true}
		}
		next := patch.Apply(cur)
		rec = &next
	}
	if e.alive() && e.coll.Put(*rec) {
		e.recordsChanged()
	}
	return MutationResult{Success: true, Data: rec}
}

// Remove deletes a case.
func (e *Engine) Remove(ctx context.Context, id string) MutationResult {
	if !e.alive() {
		return e.failed("delete", id, ErrClosed)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return e.failed("delete", id, err)
	}
	e.metrics.IncMutation("delete", true)
	if e.alive() && e.coll.Remove(id) {
		e.recordsChanged()
	}
	return MutationResult{Success: true}
}
