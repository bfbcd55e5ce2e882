package timers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/ariefcatur/go-venue-timers/internal/timers/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*timers.Engine, *mocks.MockStore, *clock) {
	t.Helper()
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		loc = time.UTC
	}
	store := mocks.NewMockStore()
	c := &clock{t: time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC)}
	engine := timers.NewEngine(store, loc, nil)
	engine.SetClock(c.Now)
	require.NoError(t, engine.RecordSale(context.Background(), timers.Sale{
		ID: "sale-1", BranchID: "b1", Children: []timers.Child{{Name: "Ana", Age: 6}, {Name: "Leo", Age: 4}},
	}))
	return engine, store, c
}

func historyTypes(t *testing.T, e *timers.Engine, id string) []timers.EventType {
	t.Helper()
	hs, err := e.History(context.Background(), id)
	require.NoError(t, err)
	var out []timers.EventType
	for _, h := range hs {
		out = append(out, h.EventType)
	}
	return out
}

// ============================================
// Create
// ============================================

func TestEngine_Create_Immediate(t *testing.T) {
	engine, _, c := newTestEngine(t)

	tm, err := engine.Create(context.Background(), timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 30})

	require.NoError(t, err)
	assert.Equal(t, timers.StatusActive, tm.Status)
	assert.True(t, tm.StartAt.Equal(c.Now()))
	assert.True(t, tm.EndAt.Equal(c.Now().Add(30*time.Minute)))
	assert.True(t, tm.ExitTime.Equal(*tm.EndAt))
	assert.Equal(t, []timers.EventType{timers.EventStart}, historyTypes(t, engine, tm.ID))
}

func TestEngine_Create_Scheduled(t *testing.T) {
	engine, _, c := newTestEngine(t)

	tm, err := engine.Create(context.Background(), timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 30, StartDelayMinutes: 2})

	require.NoError(t, err)
	assert.Equal(t, timers.StatusScheduled, tm.Status)
	assert.True(t, tm.StartAt.Equal(c.Now().Add(2*time.Minute)))
	assert.Empty(t, historyTypes(t, engine, tm.ID))
}

func TestEngine_Create_Invalid(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Create(context.Background(), timers.NewTimer{SaleID: "sale-1", DurationMinutes: 0})
	assert.True(t, apperr.IsValidation(err))

	_, err = engine.Create(context.Background(), timers.NewTimer{SaleID: "sale-1", DurationMinutes: 10, StartDelayMinutes: -1})
	assert.True(t, apperr.IsValidation(err))
}

// ============================================
// ComputeRemaining
// ============================================

func TestEngine_ComputeRemaining(t *testing.T) {
	engine, store, c := newTestEngine(t)
	ctx := context.Background()
	now := c.Now()
	start := now.Add(5 * time.Minute)
	end := start.Add(30 * time.Minute)
	past := now.Add(-time.Minute)

	t.Run("scheduled reports full duration", func(t *testing.T) {
		tm := timers.Timer{ID: "s1", Status: timers.StatusScheduled, StartAt: &start, EndAt: &end}
		store.Put(tm)
		secs, err := engine.ComputeRemaining(ctx, &tm, now)
		require.NoError(t, err)
		assert.Equal(t, int64(30*60), secs)
		assert.Equal(t, timers.StatusScheduled, tm.Status)
	})

	t.Run("scheduled past start activates", func(t *testing.T) {
		tm := timers.Timer{ID: "s2", Status: timers.StatusScheduled, StartAt: &start, EndAt: &end}
		store.Put(tm)
		secs, err := engine.ComputeRemaining(ctx, &tm, start.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(20*60), secs)
		assert.Equal(t, timers.StatusActive, tm.Status)
		stored, _ := store.Get(ctx, "s2")
		assert.Equal(t, timers.StatusActive, stored.Status)
		assert.Equal(t, []timers.EventType{timers.EventStart}, historyTypes(t, engine, "s2"))
	})

	t.Run("scheduled snapshot cancelled before activation", func(t *testing.T) {
		snapshot, err := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 30, StartDelayMinutes: 2})
		require.NoError(t, err)
		_, err = engine.Cancel(ctx, snapshot.ID)
		require.NoError(t, err)

		secs, err := engine.ComputeRemaining(ctx, &snapshot, now.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, secs)
		assert.Equal(t, timers.StatusCancelled, snapshot.Status)
		stored, _ := store.Get(ctx, snapshot.ID)
		assert.Equal(t, timers.StatusCancelled, stored.Status)
	})

	t.Run("scheduled snapshot activated elsewhere", func(t *testing.T) {
		tm := timers.Timer{ID: "s3", Status: timers.StatusScheduled, StartAt: &start, EndAt: &end}
		store.Put(tm)
		_, err := store.Activate(ctx, []string{"s3"}, start)
		require.NoError(t, err)

		secs, err := engine.ComputeRemaining(ctx, &tm, start.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(20*60), secs)
		assert.Equal(t, timers.StatusActive, tm.Status)
	})

	t.Run("running counts down and clamps at zero", func(t *testing.T) {
		tm := timers.Timer{ID: "a1", Status: timers.StatusExtended, EndAt: &end}
		secs, err := engine.ComputeRemaining(ctx, &tm, end.Add(-90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(90), secs)

		gone := timers.Timer{ID: "a2", Status: timers.StatusActive, EndAt: &past}
		secs, err = engine.ComputeRemaining(ctx, &gone, now)
		require.NoError(t, err)
		assert.Zero(t, secs)
	})

	t.Run("zone of now does not matter", func(t *testing.T) {
		tm := timers.Timer{ID: "a3", Status: timers.StatusActive, EndAt: &end}
		tokyo := time.FixedZone("JST", 9*3600)
		secs, err := engine.ComputeRemaining(ctx, &tm, end.Add(-time.Minute).In(tokyo))
		require.NoError(t, err)
		assert.Equal(t, int64(60), secs)
	})

	t.Run("terminal timers have nothing left", func(t *testing.T) {
		tm := timers.Timer{ID: "e1", Status: timers.StatusEnded, EndAt: &end}
		secs, err := engine.ComputeRemaining(ctx, &tm, now)
		require.NoError(t, err)
		assert.Zero(t, secs)
	})
}

// ============================================
// Extend
// ============================================

func TestEngine_Extend(t *testing.T) {
	engine, _, c := newTestEngine(t)
	ctx := context.Background()
	tm, err := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 30})
	require.NoError(t, err)

	var hooked []string
	engine.OnExtend(func(id string, at time.Time) {
		hooked = append(hooked, id)
		assert.True(t, at.Equal(c.Now()))
	})

	c.Advance(time.Minute)
	ext, err := engine.Extend(ctx, tm.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, timers.StatusExtended, ext.Status)
	assert.True(t, ext.EndAt.Equal(tm.EndAt.Add(10*time.Minute)))
	assert.True(t, ext.ExitTime.Equal(*ext.EndAt))

	ext, err = engine.Extend(ctx, tm.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, timers.StatusExtended, ext.Status)
	assert.True(t, ext.EndAt.Equal(tm.EndAt.Add(15*time.Minute)))

	assert.Equal(t, []string{tm.ID, tm.ID}, hooked)
	assert.Equal(t, []timers.EventType{timers.EventStart, timers.EventExtend, timers.EventExtend}, historyTypes(t, engine, tm.ID))
}

func TestEngine_Extend_Rejections(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	scheduled, err := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", DurationMinutes: 30, StartDelayMinutes: 5})
	require.NoError(t, err)
	ended, err := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", DurationMinutes: 30})
	require.NoError(t, err)
	_, err = engine.End(ctx, ended.ID)
	require.NoError(t, err)

	_, err = engine.Extend(ctx, "missing", 10)
	assert.True(t, apperr.IsNotFound(err))

	_, err = engine.Extend(ctx, scheduled.ID, 10)
	assert.True(t, apperr.IsValidation(err))

	_, err = engine.Extend(ctx, ended.ID, 10)
	assert.True(t, apperr.IsValidation(err))

	_, err = engine.Extend(ctx, ended.ID, 0)
	assert.True(t, apperr.IsValidation(err))
}

func TestEngine_Extend_ConcurrentCallsAllLand(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	tm, err := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", DurationMinutes: 30})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Extend(ctx, tm.ID, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := engine.Get(ctx, tm.ID)
	require.NoError(t, err)
	assert.True(t, got.EndAt.Equal(tm.EndAt.Add(20*time.Minute)))
}

// ============================================
// End / Cancel
// ============================================

func TestEngine_EndAndCancel(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	running, _ := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", DurationMinutes: 30})
	scheduled, _ := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", DurationMinutes: 30, StartDelayMinutes: 3})

	ended, err := engine.End(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, timers.StatusEnded, ended.Status)
	assert.Equal(t, []timers.EventType{timers.EventStart, timers.EventEnd}, historyTypes(t, engine, running.ID))

	_, err = engine.Cancel(ctx, running.ID)
	assert.True(t, apperr.IsValidation(err))

	_, err = engine.End(ctx, scheduled.ID)
	assert.True(t, apperr.IsValidation(err))

	cancelled, err := engine.Cancel(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, timers.StatusCancelled, cancelled.Status)

	_, err = engine.History(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

// ============================================
// GetLiveWithRemaining / ActivateDue
// ============================================

func TestEngine_GetLiveWithRemaining(t *testing.T) {
	engine, _, c := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.RecordSale(ctx, timers.Sale{ID: "sale-2", BranchID: "b2"}))

	short, _ := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 5})
	long, _ := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 60})
	later, _ := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", ServiceID: "play", DurationMinutes: 30, StartDelayMinutes: 30})
	_, _ = engine.Create(ctx, timers.NewTimer{SaleID: "sale-2", ServiceID: "play", DurationMinutes: 60})

	c.Advance(10*time.Minute + 30*time.Second)
	views, err := engine.GetLiveWithRemaining(ctx, "b1")
	require.NoError(t, err)

	byID := map[string]timers.View{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.Len(t, views, 2)
	assert.NotContains(t, byID, short.ID)

	lv := byID[long.ID]
	assert.Equal(t, int64(49*60+30), lv.RemainingSeconds)
	assert.Equal(t, int64(50), lv.RemainingMinutes)
	assert.Equal(t, "Ana", lv.ChildName)
	assert.Equal(t, 6, lv.ChildAge)
	assert.Len(t, lv.Children, 2)
	assert.Equal(t, "b1", lv.BranchID)

	sv := byID[later.ID]
	assert.Equal(t, timers.StatusScheduled, sv.Status)
	assert.Equal(t, int64(30*60), sv.RemainingSeconds)

	all, err := engine.GetLiveWithRemaining(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEngine_ActivateDue(t *testing.T) {
	engine, store, c := newTestEngine(t)
	ctx := context.Background()
	tm, err := engine.Create(ctx, timers.NewTimer{SaleID: "sale-1", DurationMinutes: 30, StartDelayMinutes: 2})
	require.NoError(t, err)

	c.Advance(time.Minute)
	n, err := engine.ActivateDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ := store.Get(ctx, tm.ID)
	assert.Equal(t, timers.StatusScheduled, got.Status)

	c.Advance(time.Minute)
	n, err = engine.ActivateDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = engine.ActivateDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ = store.Get(ctx, tm.ID)
	assert.Equal(t, timers.StatusActive, got.Status)
	assert.Equal(t, []timers.EventType{timers.EventStart}, historyTypes(t, engine, tm.ID))
}
