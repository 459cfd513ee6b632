package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	records []CaseRecord
	listErr error
	mutErr  error
	nextID  int
	now     time.Time

	listCalls atomic.Int32
}

func newFakeStore(records ...CaseRecord) *fakeStore {
	return &fakeStore{records: records, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (s *fakeStore) setListErr(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

func (s *fakeStore) List(ctx context.Context) ([]CaseRecord, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]CaseRecord(nil), s.records...), nil
}

func (s *fakeStore) Create(ctx context.Context, in CaseInput) (*CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutErr != nil {
		return nil, s.mutErr
	}
	s.nextID++
	s.now = s.now.Add(time.Minute)
	rec := CaseRecord{
		ID:           fmt.Sprintf("new-%d", s.nextID),
		CreatedAt:    s.now,
		UpdatedAt:    s.now,
		Status:       StatusPending,
		PatientName:  in.PatientName,
		PatientEmail: in.PatientEmail,
		Service:      in.Service,
	}
	s.records = append(s.records, rec)
	return &rec, nil
}

func (s *fakeStore) find(id string) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status CaseStatus) (*CaseRecord, error) {
	return s.Update(ctx, id, CasePatch{Status: &status})
}

func (s *fakeStore) Update(ctx context.Context, id string, patch CasePatch) (*CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutErr != nil {
		return nil, s.mutErr
	}
	i := s.find(id)
	if i < 0 {
		return nil, &APIError{Code: CodeNotFound, Message: id}
	}
	s.records[i] = patch.Apply(s.records[i])
	rec := s.records[i]
	return &rec, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutErr != nil {
		return s.mutErr
	}
	i := s.find(id)
	if i < 0 {
		return &APIError{Code: CodeNotFound, Message: id}
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	return nil
}

type fakeSub struct {
	events       chan ChangeEvent
	status       chan ChannelStatus
	unsubscribed atomic.Int32
}

func (s *fakeSub) Events() <-chan ChangeEvent    { return s.events }
func (s *fakeSub) Status() <-chan ChannelStatus { return s.status }
func (s *fakeSub) Unsubscribe()                 { s.unsubscribed.Add(1) }

type fakeChannel struct {
	subs  chan *fakeSub
	count atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(chan *fakeSub, 32)}
}

func (c *fakeChannel) Subscribe(ctx context.Context) (Subscription, error) {
	c.count.Add(1)
	s := &fakeSub{events: make(chan ChangeEvent, 16), status: make(chan ChannelStatus, 4)}
	c.subs <- s
	return s, nil
}

func (c *fakeChannel) next(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case s := <-c.subs:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

type countingRecorder struct {
	NoopRecorder
	stale atomic.Int32
}

func (r *countingRecorder) IncStaleDropped() { r.stale.Add(1) }

// ============================================================================
// Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func rec(id string, minutes int) CaseRecord {
	return CaseRecord{
		ID:          id,
		CreatedAt:   t0.Add(time.Duration(minutes) * time.Minute),
		Status:      StatusPending,
		PatientName: "Patient " + id,
		Service:     "consultation",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, store RemoteStore, ch EventChannel, cfg *SyncConfig) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	if cfg == nil {
		cfg = &SyncConfig{}
	}
	cfg.Clock = clock
	cfg.Logger = testLogger()
	e := NewEngine(store, ch, cfg)
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
}

func waitState(t *testing.T, e *Engine, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return e.ConnectionStatus() == want },
		2*time.Second, 2*time.Millisecond, "connection state never became %s (now %s)", want, e.ConnectionStatus())
}

// waitTimers blocks until exactly n timers and tickers are registered on clock.
func waitTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n), "expected %d active timers", n)
}

func ids(records []CaseRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// connect drives the engine from Connecting to Connected on a fresh subscription.
func connect(t *testing.T, e *Engine, ch *fakeChannel, clock *clockwork.FakeClock) *fakeSub {
	t.Helper()
	sub := ch.next(t)
	sub.status <- ChannelSubscribed
	waitState(t, e, StateConnected)
	waitTimers(t, clock, 0)
	return sub
}

// ============================================================================
// Tests
// ============================================================================

func TestRetryDelay(t *testing.T) {
	base, max := 5*time.Second, 60*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{12, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, RetryDelay(tt.attempt, base, max))
		})
	}
}

func TestEngine_StartSeedsNewestFirst(t *testing.T) {
	store := newFakeStore(rec("a", 1), rec("c", 3), rec("b", 2))
	e, _ := newTestEngine(t, store, newFakeChannel(), nil)
	startEngine(t, e)

	st := e.State()
	assert.Equal(t, []string{"c", "b", "a"}, ids(st.Records))
	assert.False(t, st.Loading)
	assert.Empty(t, st.Error)
	assert.Equal(t, StateConnecting, st.ConnectionStatus)
}

func TestEngine_StartListFailureIsRecoverable(t *testing.T) {
	store := newFakeStore(rec("a", 1))
	store.setListErr(fmt.Errorf("%w: connection refused", ErrNetwork))
	e, _ := newTestEngine(t, store, newFakeChannel(), nil)

	require.NoError(t, e.Start(context.Background()))
	st := e.State()
	assert.Contains(t, st.Error, "connection refused")
	assert.Empty(t, st.Records)

	store.setListErr(nil)
	require.NoError(t, e.Refresh(context.Background()))
	st = e.State()
	assert.Empty(t, st.Error)
	assert.Equal(t, []string{"a"}, ids(st.Records))
}

func TestEngine_ScenarioA_InsertEventGoesFirst(t *testing.T) {
	store := newFakeStore(rec("a", 1), rec("b", 2), rec("c", 3))
	ch := newFakeChannel()
	e, clock := newTestEngine(t, store, ch, nil)
	startEngine(t, e)
	sub := connect(t, e, ch, clock)

	sub.events <- ChangeEvent{Type: ChangeInsert, Record: rec("d", 4)}

	require.Eventually(t, func() bool { return len(e.State().Records) == 4 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(e.State().Records))
}

func TestEngine_IdempotentInsert(t *testing.T) {
	ch := newFakeChannel()
	e, clock := newTestEngine(t, newFakeStore(rec("a", 1)), ch, nil)
	startEngine(t, e)
	sub := connect(t, e, ch, clock)

	sub.events <- ChangeEvent{Type: ChangeInsert, Record: rec("x", 5)}
	sub.events <- ChangeEvent{Type: ChangeInsert, Record: rec("x", 5)}
	// Marker event: once it is applied, both inserts have been processed.
	sub.events <- ChangeEvent{Type: ChangeDelete, Record: CaseRecord{ID: "a"}}

	require.Eventually(t, func() bool {
		_, ok := e.Record("a")
		return !ok
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"x"}, ids(e.State().Records))
}

func TestEngine_ScenarioB_ErrorThenRetryAfterBase(t *testing.T) {
	ch := newFakeChannel()
	e, clock := newTestEngine(t, newFakeStore(), ch, nil)
	startEngine(t, e)
	sub := connect(t, e, ch, clock)

	sub.status <- ChannelError
	waitState(t, e, StateError)
	waitTimers(t, clock, 2) // poll + retry

	clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, StateError, e.ConnectionStatus())
	assert.Equal(t, int32(1), ch.count.Load())

	clock.Advance(time.Millisecond)
	ch.next(t)
	waitState(t, e, StateConnecting)
	assert.Equal(t, 1, e.Status().Attempt)
	assert.Equal(t, int32(1), sub.unsubscribed.Load())
}

func TestEngine_ScenarioC_RetriesExhaustedThenFailedPolling(t *testing.T) {
	ch := newFakeChannel()
	store := newFakeStore(rec("a", 1))
	e, clock := newTestEngine(t, store, ch, nil)
	startEngine(t, e)
	waitTimers(t, clock, 1)

	sub := ch.next(t)
	for _, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		sub.status <- ChannelError
		waitState(t, e, StateError)
		waitTimers(t, clock, 2)
		require.Eventually(t, func() bool { return e.Status().RetryPending }, 2*time.Second, 2*time.Millisecond)

		clock.Advance(delay - time.Millisecond)
		assert.Equal(t, StateError, e.ConnectionStatus())
		clock.Advance(time.Millisecond)
		sub = ch.next(t)
		waitState(t, e, StateConnecting)
	}

	sub.status <- ChannelError
	waitState(t, e, StateFailed)
	waitTimers(t, clock, 1) // only the 15s poll ticker
	assert.Equal(t, PollFailed.String(), e.Status().PollTier)
	assert.False(t, e.Status().RetryPending)
	assert.Equal(t, int32(4), ch.count.Load())

	for i := 0; i < 3; i++ {
		before := store.listCalls.Load()
		clock.Advance(15 * time.Second)
		require.Eventually(t, func() bool {
			return store.listCalls.Load() == before+1 && !e.refreshing.Load()
		}, 2*time.Second, 2*time.Millisecond)
		waitTimers(t, clock, 1)
	}
	assert.Equal(t, StateFailed, e.ConnectionStatus())
	assert.Equal(t, int32(4), ch.count.Load(), "no reconnect after Failed")
}

func TestEngine_DegradedPollEvery30s(t *testing.T) {
	store := newFakeStore()
	ch := newFakeChannel()
	e, clock := newTestEngine(t, store, ch, nil)
	startEngine(t, e)
	ch.next(t)
	waitTimers(t, clock, 1)

	before := store.listCalls.Load()
	clock.Advance(29 * time.Second)
	assert.Equal(t, before, store.listCalls.Load())
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return store.listCalls.Load() == before+1 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, PollDegraded.String(), e.Status().PollTier)
}

func TestEngine_ConnectedStopsPolling(t *testing.T) {
	store := newFakeStore()
	ch := newFakeChannel()
	e, clock := newTestEngine(t, store, ch, nil)
	startEngine(t, e)
	connect(t, e, ch, clock)

	before := store.listCalls.Load()
	clock.Advance(5 * time.Minute)
	assert.Equal(t, before, store.listCalls.Load())
	assert.Equal(t, PollOff.String(), e.Status().PollTier)
	assert.True(t, e.CheckHealth())
}

func TestEngine_ClosedFromConnectedSchedulesRetry(t *testing.T) {
	ch := newFakeChannel()
	e, clock := newTestEngine(t, newFakeStore(), ch, nil)
	startEngine(t, e)
	sub := connect(t, e, ch, clock)

	sub.status <- ChannelClosed
	waitState(t, e, StateDisconnected)
	waitTimers(t, clock, 2)
	require.Eventually(t, func() bool { return e.Status().RetryPending }, 2*time.Second, 2*time.Millisecond)
	assert.False(t, e.CheckHealth())

	clock.Advance(5 * time.Second)
	ch.next(t)
	waitState(t, e, StateConnecting)
}

func TestEngine_WatchdogRecoversClosedWhileConnecting(t *testing.T) {
	ch := newFakeChannel()
	e, clock := newTestEngine(t, newFakeStore(), ch, nil)
	startEngine(t, e)

	sub := ch.next(t)
	sub.status <- ChannelClosed
	waitState(t, e, StateDisconnected)
	waitTimers(t, clock, 2) // poll + watchdog
	assert.False(t, e.Status().RetryPending)

	clock.Advance(5 * time.Second)
	ch.next(t)
	waitState(t, e, StateConnecting)
	assert.Equal(t, 1, e.Status().Attempt)
	waitTimers(t, clock, 1)
}

func TestEngine_ManualReconnect(t *testing.T) {
	t.Run("cancels pending retry", func(t *testing.T) {
		ch := newFakeChannel()
		e, clock := newTestEngine(t, newFakeStore(), ch, nil)
		startEngine(t, e)
		sub := connect(t, e, ch, clock)

		sub.status <- ChannelError
		waitState(t, e, StateError)
		waitTimers(t, clock, 2)

		e.Reconnect()
		ch.next(t)
		waitState(t, e, StateConnecting)
		waitTimers(t, clock, 1) // retry cancelled, poll remains
		assert.Equal(t, 0, e.Status().Attempt)
		assert.Equal(t, int32(1), sub.unsubscribed.Load())
	})

	t.Run("recovers from failed", func(t *testing.T) {
		ch := newFakeChannel()
		e, clock := newTestEngine(t, newFakeStore(), ch, &SyncConfig{MaxRetries: 1})
		startEngine(t, e)

		sub := ch.next(t)
		sub.status <- ChannelError
		waitState(t, e, StateError)
		waitTimers(t, clock, 2)
		clock.Advance(5 * time.Second)
		sub = ch.next(t)
		sub.status <- ChannelError
		waitState(t, e, StateFailed)

		e.Reconnect()
		sub = ch.next(t)
		waitState(t, e, StateConnecting)
		sub.status <- ChannelSubscribed
		waitState(t, e, StateConnected)
		waitTimers(t, clock, 0)
	})

	t.Run("from connected", func(t *testing.T) {
		ch := newFakeChannel()
		e, clock := newTestEngine(t, newFakeStore(), ch, nil)
		startEngine(t, e)
		old := connect(t, e, ch, clock)

		e.Reconnect()
		ch.next(t)
		waitState(t, e, StateConnecting)
		assert.Equal(t, int32(1), old.unsubscribed.Load())
		assert.Equal(t, uint64(2), e.Status().Epoch)
	})
}

func TestEngine_StaleCallbacksDropped(t *testing.T) {
	ch := newFakeChannel()
	metrics := &countingRecorder{}
	e, clock := newTestEngine(t, newFakeStore(rec("a", 1)), ch, &SyncConfig{Metrics: metrics})
	startEngine(t, e)
	ch.next(t)

	e.Reconnect()
	sub := ch.next(t)
	sub.status <- ChannelSubscribed
	waitState(t, e, StateConnected)
	waitTimers(t, clock, 0)
	require.Equal(t, uint64(2), e.Status().Epoch)

	// Late callbacks from the superseded first attempt.
	e.inbox <- inboxMsg{kind: msgStatus, epoch: 1, status: ChannelError}
	e.inbox <- inboxMsg{kind: msgEvent, epoch: 1, event: ChangeEvent{Type: ChangeDelete, Record: CaseRecord{ID: "a"}}}
	sub.events <- ChangeEvent{Type: ChangeInsert, Record: rec("b", 2)}

	require.Eventually(t, func() bool { return e.coll.Len() == 2 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(2), metrics.stale.Load())
	assert.Equal(t, StateConnected, e.ConnectionStatus())
	_, ok := e.Record("a")
	assert.True(t, ok)
}

func TestEngine_CloseStopsEverything(t *testing.T) {
	store := newFakeStore(rec("a", 1))
	ch := newFakeChannel()
	e, clock := newTestEngine(t, store, ch, nil)
	startEngine(t, e)
	sub := ch.next(t)
	sub.status <- ChannelError
	waitState(t, e, StateError)
	waitTimers(t, clock, 2)

	var transitions atomic.Int32
	e.On(EventStateChanged, func(string, any) { transitions.Add(1) })

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	waitTimers(t, clock, 0)
	assert.Equal(t, int32(1), sub.unsubscribed.Load())

	calls := store.listCalls.Load()
	clock.Advance(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, calls, store.listCalls.Load())
	assert.Equal(t, int32(1), ch.count.Load())
	assert.Equal(t, int32(0), transitions.Load())
	assert.Equal(t, StateError, e.ConnectionStatus())

	assert.ErrorIs(t, e.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.Refresh(context.Background()), ErrClosed)
	res := e.AddRecord(context.Background(), CaseInput{PatientName: "x", PatientEmail: "x@y", Service: "s"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrClosed.Error(), res.Error)
}

func TestEngine_Mutations(t *testing.T) {
	t.Run("add then redundant insert event keeps one copy", func(t *testing.T) {
		store := newFakeStore(rec("a", 1), rec("b", 2))
		ch := newFakeChannel()
		e, clock := newTestEngine(t, store, ch, nil)
		startEngine(t, e)
		sub := connect(t, e, ch, clock)

		res := e.AddRecord(context.Background(), CaseInput{PatientName: "Ana", PatientEmail: "ana@example.com", Service: "checkup"})
		require.True(t, res.Success, res.Error)
		require.NotNil(t, res.Data)
		assert.Equal(t, res.Data.ID, e.State().Records[0].ID)

		sub.events <- ChangeEvent{Type: ChangeInsert, Record: *res.Data}
		sub.events <- ChangeEvent{Type: ChangeDelete, Record: CaseRecord{ID: "a"}}
		require.Eventually(t, func() bool { return e.coll.Len() == 2 }, 2*time.Second, 2*time.Millisecond)
		assert.Equal(t, []string{res.Data.ID, "b"}, ids(e.State().Records))
	})

	t.Run("update status patches by id", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeStore(rec("a", 1)), newFakeChannel(), nil)
		startEngine(t, e)

		res := e.UpdateStatus(context.Background(), "a", StatusConfirmed)
		require.True(t, res.Success)
		got, _ := e.Record("a")
		assert.Equal(t, StatusConfirmed, got.Status)
	})

	t.Run("partial update", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeStore(rec("a", 1)), newFakeChannel(), nil)
		startEngine(t, e)

		notes := "bring prior scans"
		res := e.Update(context.Background(), "a", CasePatch{AdminNotes: &notes})
		require.True(t, res.Success)
		got, _ := e.Record("a")
		assert.Equal(t, notes, got.AdminNotes)
		assert.Equal(t, "Patient a", got.PatientName)
	})

	t.Run("remove", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeStore(rec("a", 1), rec("b", 2)), newFakeChannel(), nil)
		startEngine(t, e)

		require.True(t, e.Remove(context.Background(), "a").Success)
		assert.Equal(t, []string{"b"}, ids(e.State().Records))
	})

	t.Run("failure leaves collection untouched", func(t *testing.T) {
		store := newFakeStore(rec("a", 1))
		e, _ := newTestEngine(t, store, newFakeChannel(), nil)
		startEngine(t, e)
		before, _ := e.Record("a")

		store.mu.Lock()
		store.mutErr = &APIError{Code: CodeInternal, Message: "write rejected"}
		store.mu.Unlock()

		res := e.UpdateStatus(context.Background(), "a", StatusCancelled)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "write rejected")
		after, _ := e.Record("a")
		assert.Equal(t, before, after)

		assert.False(t, e.Remove(context.Background(), "a").Success)
		assert.False(t, e.AddRecord(context.Background(), CaseInput{}).Success)
		assert.Equal(t, []string{"a"}, ids(e.State().Records))
	})

	t.Run("not found is returned to caller", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeStore(), newFakeChannel(), nil)
		startEngine(t, e)

		res := e.UpdateStatus(context.Background(), "ghost", StatusConfirmed)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, CodeNotFound)
	})
}

type bodylessStore struct{ *fakeStore }

func (s bodylessStore) UpdateStatus(ctx context.Context, id string, status CaseStatus) (*CaseRecord, error) {
	if _, err := s.fakeStore.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	return nil, nil
}

func TestEngine_MutationWithoutBodyPatchesLocally(t *testing.T) {
	e, _ := newTestEngine(t, bodylessStore{newFakeStore(rec("a", 1))}, newFakeChannel(), nil)
	startEngine(t, e)

	res := e.UpdateStatus(context.Background(), "a", StatusCompleted)
	require.True(t, res.Success)
	got, _ := e.Record("a")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestEngine_HandlerPanicIsContained(t *testing.T) {
	ch := newFakeChannel()
	e, clock := newTestEngine(t, newFakeStore(), ch, nil)
	var seen []ConnectionState
	var mu sync.Mutex
	e.On(EventStateChanged, func(string, any) { panic("boom") })
	e.On(EventStateChanged, func(_ string, p any) {
		mu.Lock()
		seen = append(seen, p.(ConnectionState))
		mu.Unlock()
	})
	startEngine(t, e)
	connect(t, e, ch, clock)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnected}, seen)
}

func TestEngine_RefreshFailedEvent(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(t, store, newFakeChannel(), nil)
	startEngine(t, e)

	var got error
	e.On(EventRefreshFailed, func(_ string, p any) { got = p.(error) })
	store.setListErr(ErrNetwork)

	err := e.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(got, ErrNetwork))
	assert.Equal(t, ErrNetwork.Error(), e.State().Error)
}

// blockingStore holds List until released.
type blockingStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) List(ctx context.Context) ([]CaseRecord, error) {
	close(s.entered)
	<-s.release
	return s.fakeStore.List(ctx)
}

func TestEngine_CloseDuringInitialLoad(t *testing.T) {
	store := &blockingStore{
		fakeStore: newFakeStore(rec("a", 1)),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	ch := newFakeChannel()
	e, clock := newTestEngine(t, store, ch, nil)

	started := make(chan error, 1)
	go func() { started <- e.Start(context.Background()) }()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("initial load never began")
	}
	require.NoError(t, e.Close())
	close(store.release)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), ch.count.Load(), "no subscription after Close")
	assert.Empty(t, e.State().Records)
	waitTimers(t, clock, 0)
}

func TestEngine_HandlerClosesEngineAsync(t *testing.T) {
	ch := newFakeChannel()
	e, clock := newTestEngine(t, newFakeStore(), ch, nil)

	closed := make(chan error, 1)
	e.On(EventStateChanged, func(_ string, p any) {
		if p.(ConnectionState) == StateConnected {
			go func() { closed <- e.Close() }()
		}
	})
	startEngine(t, e)
	sub := ch.next(t)
	sub.status <- ChannelSubscribed

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from handler did not complete")
	}
	assert.Equal(t, int32(1), sub.unsubscribed.Load())
	assert.ErrorIs(t, e.Refresh(context.Background()), ErrClosed)
	waitTimers(t, clock, 0)
}
