package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/alerts"
	"github.com/ariefcatur/go-venue-timers/internal/catalog"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/ariefcatur/go-venue-timers/internal/timers/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================
// Loop
// ============================================

func TestLoop_KeepsTickingAfterErrors(t *testing.T) {
	var n atomic.Int32
	l := NewLoop("test", 5*time.Millisecond, func(context.Context) error {
		n.Add(1)
		return errors.New("store unavailable")
	}, nil)

	assert.Equal(t, StateIdle, l.State())
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, StateRunning, l.State())
	assert.ErrorIs(t, l.Start(context.Background()), ErrRunning)

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)

	l.Stop()
	l.Wait()
	assert.Equal(t, StateCancelled, l.State())
}

func TestLoop_RestartAfterCancel(t *testing.T) {
	var n atomic.Int32
	l := NewLoop("test", time.Hour, func(context.Context) error {
		n.Add(1)
		return nil
	}, nil)

	for i := 1; i <= 2; i++ {
		require.NoError(t, l.Start(context.Background()))
		require.Eventually(t, func() bool { return n.Load() == int32(i) }, time.Second, time.Millisecond)
		l.Stop()
		l.Wait()
		assert.Equal(t, StateCancelled, l.State())
	}
}

func TestLoop_ParentCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop("test", time.Millisecond, func(context.Context) error { return nil }, nil)
	require.NoError(t, l.Start(ctx))

	cancel()
	l.Wait()

	assert.Equal(t, StateCancelled, l.State())
}

func TestLoop_WaitWithoutStart(t *testing.T) {
	l := NewLoop("test", time.Second, func(context.Context) error { return nil }, nil)
	l.Stop()
	l.Wait()
	assert.Equal(t, StateIdle, l.State())
}

func TestLoop_InFlightTickIsNotPreempted(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var tickErr atomic.Value
	var once sync.Once

	l := NewLoop("test", time.Hour, func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		<-release
		tickErr.Store(ctx.Err() == nil)
		return nil
	}, nil)
	require.NoError(t, l.Start(context.Background()))
	<-entered

	l.Stop()
	assert.Equal(t, StateRunning, l.State())
	close(release)
	l.Wait()

	assert.Equal(t, true, tickErr.Load(), "tick context must outlive Stop")
	assert.Equal(t, StateCancelled, l.State())
}

// ============================================
// Activation
// ============================================

func TestActivation_StartsScheduledTimerOnce(t *testing.T) {
	store := mocks.NewMockStore()
	engine := timers.NewEngine(store, time.UTC, nil)
	base := time.Date(2026, 5, 2, 15, 0, 0, 0, time.UTC)
	var now atomic.Int64
	now.Store(base.UnixNano())
	engine.SetClock(func() time.Time { return time.Unix(0, now.Load()).UTC() })

	ctx := context.Background()
	require.NoError(t, engine.RecordSale(ctx, timers.Sale{ID: "s1", BranchID: "b1"}))
	tm, err := engine.Create(ctx, timers.NewTimer{SaleID: "s1", ServiceID: "play", DurationMinutes: 30, StartDelayMinutes: 2})
	require.NoError(t, err)

	now.Store(base.Add(time.Minute).UnixNano())
	l := NewActivation(engine, 2*time.Millisecond, nil)
	require.NoError(t, l.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	got, err := engine.Get(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, timers.StatusScheduled, got.Status)

	now.Store(base.Add(2 * time.Minute).UnixNano())
	require.Eventually(t, func() bool {
		got, err := engine.Get(ctx, tm.ID)
		return err == nil && got.Status == timers.StatusActive
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	l.Stop()
	l.Wait()

	hist, err := engine.History(ctx, tm.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, timers.EventStart, hist[0].EventType)
}

type failingActivator struct{ calls atomic.Int32 }

func (f *failingActivator) ActivateDue(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, errors.New("connection reset")
}

func TestActivation_FailureDoesNotStopLoop(t *testing.T) {
	a := &failingActivator{}
	l := NewActivation(a, 2*time.Millisecond, nil)
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool { return a.calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, l.State())
	l.Stop()
	l.Wait()
}

// ============================================
// Broadcast
// ============================================

type fakeHub struct {
	groups []string
	sent   map[string][][]byte
}

func (h *fakeHub) Groups() []string { return h.groups }

func (h *fakeHub) Send(group string, payload []byte) {
	if h.sent == nil {
		h.sent = map[string][][]byte{}
	}
	h.sent[group] = append(h.sent[group], payload)
}

type fakeLive struct {
	views map[string][]timers.View
	fail  map[string]error
}

func (f *fakeLive) GetLiveWithRemaining(_ context.Context, branch string) ([]timers.View, error) {
	if err := f.fail[branch]; err != nil {
		return nil, err
	}
	if branch == "" {
		var all []timers.View
		for _, vs := range f.views {
			all = append(all, vs...)
		}
		return all, nil
	}
	return f.views[branch], nil
}

type fakeSink struct{ got []alerts.Event }

func (s *fakeSink) PublishAlert(_ context.Context, ev alerts.Event) error {
	s.got = append(s.got, ev)
	return nil
}

type staticThresholds map[string][]catalog.AlertThreshold

func (s staticThresholds) Thresholds(_ context.Context, id string) ([]catalog.AlertThreshold, error) {
	return s[id], nil
}

func newTestBroadcaster(live *fakeLive, hub *fakeHub, sink *fakeSink) *Broadcaster {
	det := alerts.NewEngine(alerts.NewTracker(100), staticThresholds{"play": {{Minutes: 5}}}, nil)
	return NewBroadcaster(live, det, hub, sink, nil)
}

func TestBroadcast_PushesUpdatesAndAlerts(t *testing.T) {
	live := &fakeLive{views: map[string][]timers.View{
		"b1": {{ID: "t1", ServiceID: "play", BranchID: "b1", RemainingSeconds: 300, RemainingMinutes: 5}},
		"b2": {{ID: "t2", ServiceID: "play", BranchID: "b2", RemainingSeconds: 900, RemainingMinutes: 15}},
	}}
	hub := &fakeHub{groups: []string{"b1", "b2"}}
	sink := &fakeSink{}
	b := newTestBroadcaster(live, hub, sink)

	require.NoError(t, b.Tick(context.Background()))

	require.Len(t, hub.sent["b1"], 2)
	var upd Update
	require.NoError(t, json.Unmarshal(hub.sent["b1"][0], &upd))
	assert.Equal(t, EventTimersUpdate, upd.Type)
	require.Len(t, upd.Timers, 1)
	assert.Equal(t, "t1", upd.Timers[0].ID)

	var alert map[string]any
	require.NoError(t, json.Unmarshal(hub.sent["b1"][1], &alert))
	assert.Equal(t, "timer_alert", alert["type"])
	assert.EqualValues(t, 5, alert["alert_minutes"])

	assert.Len(t, hub.sent["b2"], 1)
	require.Len(t, sink.got, 1)
	assert.Equal(t, "t1", sink.got[0].Timer.ID)

	// Same remaining minute on the next tick: update only.
	require.NoError(t, b.Tick(context.Background()))
	assert.Len(t, hub.sent["b1"], 3)
	assert.Len(t, sink.got, 1)
}

func TestBroadcast_GroupFailureIsIsolated(t *testing.T) {
	live := &fakeLive{
		views: map[string][]timers.View{"b2": {{ID: "t2", ServiceID: "play", RemainingMinutes: 5}}},
		fail:  map[string]error{"b1": errors.New("pool exhausted")},
	}
	hub := &fakeHub{groups: []string{"b1", "b2"}}
	b := newTestBroadcaster(live, hub, nil)

	err := b.Tick(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "group b1")
	assert.Empty(t, hub.sent["b1"])
	assert.Len(t, hub.sent["b2"], 2)
}

func TestBroadcast_NoSubscribersNoQueries(t *testing.T) {
	live := &fakeLive{fail: map[string]error{"": errors.New("should not be called")}}
	hub := &fakeHub{}
	b := newTestBroadcaster(live, hub, nil)

	assert.NoError(t, b.Tick(context.Background()))
	assert.Empty(t, hub.sent)
}

type gcDetector struct {
	collected map[string]struct{}
}

func (g *gcDetector) DetectAlerts(context.Context, []timers.View) []alerts.Event { return nil }
func (g *gcDetector) GarbageDue() bool                                         { return true }
func (g *gcDetector) CollectGarbage(ids map[string]struct{})                   { g.collected = ids }

func TestBroadcast_CollectsAgainstAllBranches(t *testing.T) {
	live := &fakeLive{views: map[string][]timers.View{
		"b1": {{ID: "t1"}},
		"b2": {{ID: "t2"}, {ID: "t3"}},
	}}
	det := &gcDetector{}
	b := NewBroadcaster(live, det, &fakeHub{groups: []string{"b1"}}, nil, nil)

	require.NoError(t, b.Tick(context.Background()))

	assert.Equal(t, map[string]struct{}{"t1": {}, "t2": {}, "t3": {}}, det.collected)
}
