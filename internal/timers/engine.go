package timers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExtendHook runs after a successful extension while the timer's lock is
// still held. at is the extension's updated_at as stored.
type ExtendHook func(timerID string, at time.Time)

type Engine struct {
	store Store
	loc   *time.Location
	now   func() time.Time
	log   *zap.Logger

	locks  keyedMutex
	hookMu sync.RWMutex
	hooks  []ExtendHook
}

func NewEngine(store Store, loc *time.Location, log *zap.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store: store,
		loc:   loc,
		now:   time.Now,
		log:   logx.Or(log).Named("timers"),
		locks: keyedMutex{m: map[string]*lockEntry{}},
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Now() time.Time { return e.now().In(e.loc) }

func (e *Engine) OnExtend(h ExtendHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooks = append(e.hooks, h)
}

// RecordSale stores the sale a batch of timers hangs off.
func (e *Engine) RecordSale(ctx context.Context, s Sale) error {
	if err := e.store.UpsertSale(ctx, s); err != nil {
		return fmt.Errorf("record sale %s: %w", s.ID, err)
	}
	return nil
}

// Create records a timer for a service sale. A positive start delay leaves it
// scheduled; otherwise it starts counting right away.
func (e *Engine) Create(ctx context.Context, in NewTimer) (Timer, error) {
	if in.DurationMinutes <= 0 {
		return Timer{}, apperr.Validation("timer duration must be positive, got %d", in.DurationMinutes)
	}
	if in.StartDelayMinutes < 0 {
		return Timer{}, apperr.Validation("start delay cannot be negative, got %d", in.StartDelayMinutes)
	}

	now := e.Now()
	start := now.Add(time.Duration(in.StartDelayMinutes) * time.Minute)
	end := start.Add(time.Duration(in.DurationMinutes) * time.Minute)
	t := Timer{
		ID:                uuid.NewString(),
		SaleID:            in.SaleID,
		ServiceID:         in.ServiceID,
		Status:            StatusActive,
		StartDelayMinutes: in.StartDelayMinutes,
		DurationMinutes:   in.DurationMinutes,
		StartAt:           &start,
		EndAt:             &end,
		EntryTime:         ptr(start),
		ExitTime:          ptr(end),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var hist *History
	if in.StartDelayMinutes > 0 {
		t.Status = StatusScheduled
	} else {
		hist = &History{ID: uuid.NewString(), TimerID: t.ID, EventType: EventStart, CreatedAt: now}
	}
	if err := e.store.Create(ctx, t, hist); err != nil {
		return Timer{}, fmt.Errorf("create timer: %w", err)
	}
	return t, nil
}

// ComputeRemaining returns the seconds left on t at now. A scheduled timer
// whose start has passed is activated (persisted) on the way.
func (e *Engine) ComputeRemaining(ctx context.Context, t *Timer, now time.Time) (int64, error) {
	now = now.In(e.loc)
	switch t.Status {
	case StatusScheduled:
		if t.StartAt == nil || t.EndAt == nil {
			return int64(t.DurationMinutes) * 60, nil
		}
		if now.Before(t.StartAt.In(e.loc)) {
			return seconds(t.EndAt.Sub(*t.StartAt)), nil
		}
		activated, err := e.store.Activate(ctx, []string{t.ID}, now)
		if err != nil {
			return 0, fmt.Errorf("activate timer %s: %w", t.ID, err)
		}
		if len(activated) == 0 {
			// The row left scheduled after t was read; go by what is stored.
			stored, err := e.store.Get(ctx, t.ID)
			if err != nil {
				return 0, fmt.Errorf("reload timer %s: %w", t.ID, err)
			}
			*t = stored
			if !stored.Status.Running() || stored.EndAt == nil {
				return 0, nil
			}
			return remaining(*stored.EndAt, now), nil
		}
		e.log.Info("timer started", zap.String("timer_id", t.ID))
		t.Status = StatusActive
		return remaining(*t.EndAt, now), nil
	case StatusActive, StatusExtended:
		if t.EndAt == nil {
			return 0, nil
		}
		return remaining(*t.EndAt, now), nil
	default:
		return 0, nil
	}
}

// Extend adds minutes to a running timer. Calls for the same timer are
// serialized; extension hooks run before the lock is released.
func (e *Engine) Extend(ctx context.Context, id string, minutes int) (Timer, error) {
	if minutes <= 0 {
		return Timer{}, apperr.Validation("extension must be a positive number of minutes, got %d", minutes)
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return Timer{}, err
	}
	if !t.Status.Running() {
		return Timer{}, apperr.Validation("timer %s is %s; only active or extended timers can be extended", id, t.Status)
	}

	updated, ok, err := e.store.Extend(ctx, id, minutes, e.Now())
	if err != nil {
		return Timer{}, fmt.Errorf("extend timer %s: %w", id, err)
	}
	if !ok {
		return Timer{}, apperr.Validation("timer %s changed state during extension", id)
	}

	e.hookMu.RLock()
	for _, h := range e.hooks {
		h(id, updated.UpdatedAt)
	}
	e.hookMu.RUnlock()

	e.log.Info("timer extended", zap.String("timer_id", id), zap.Int("minutes", minutes))
	return e.normalize(updated), nil
}

// End closes a timer on operator request.
func (e *Engine) End(ctx context.Context, id string) (Timer, error) {
	return e.finish(ctx, id, StatusEnded)
}

func (e *Engine) Cancel(ctx context.Context, id string) (Timer, error) {
	return e.finish(ctx, id, StatusCancelled)
}

func (e *Engine) finish(ctx context.Context, id string, to Status) (Timer, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return Timer{}, err
	}
	if !CanTransition(t.Status, to) {
		return Timer{}, apperr.Validation("timer %s cannot go from %s to %s", id, t.Status, to)
	}
	updated, ok, err := e.store.Finish(ctx, id, t.Status, to, e.Now())
	if err != nil {
		return Timer{}, fmt.Errorf("finish timer %s: %w", id, err)
	}
	if !ok {
		return Timer{}, apperr.Validation("timer %s changed state concurrently", id)
	}
	return e.normalize(updated), nil
}

// GetLiveWithRemaining lists the branch's live timers with remaining time;
// timers that have run out are left out. An empty branch means all branches.
func (e *Engine) GetLiveWithRemaining(ctx context.Context, branch string) ([]View, error) {
	now := e.Now()
	rows, err := e.store.ListLive(ctx, branch, now)
	if err != nil {
		return nil, fmt.Errorf("list live timers: %w", err)
	}

	out := make([]View, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		secs, err := e.ComputeRemaining(ctx, &r.Timer, now)
		if err != nil {
			e.log.Warn("remaining time unavailable", zap.String("timer_id", r.ID), zap.Error(err))
			continue
		}
		if secs <= 0 {
			continue
		}
		out = append(out, e.view(*r, secs))
	}
	return out, nil
}

// ActivateDue promotes every scheduled timer whose creation time plus start
// delay has passed. Returns how many were activated.
func (e *Engine) ActivateDue(ctx context.Context) (int, error) {
	scheduled, err := e.store.ListScheduled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scheduled timers: %w", err)
	}
	now := e.Now()
	var due []string
	for _, t := range scheduled {
		at := t.CreatedAt.Add(time.Duration(t.StartDelayMinutes) * time.Minute)
		if !at.After(now) {
			due = append(due, t.ID)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	activated, err := e.store.Activate(ctx, due, now)
	if err != nil {
		return 0, fmt.Errorf("activate %d timers: %w", len(due), err)
	}
	for _, id := range activated {
		e.log.Info("timer started", zap.String("timer_id", id))
	}
	return len(activated), nil
}

func (e *Engine) Get(ctx context.Context, id string) (Timer, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return Timer{}, err
	}
	return e.normalize(t), nil
}

func (e *Engine) History(ctx context.Context, id string) ([]History, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.History(ctx, id)
}

func (e *Engine) view(r LiveRow, secs int64) View {
	t := e.normalize(r.Timer)
	v := View{
		ID:               t.ID,
		SaleID:           t.SaleID,
		ServiceID:        t.ServiceID,
		BranchID:         r.BranchID,
		Children:         r.Children,
		Status:           t.Status,
		StartAt:          t.StartAt,
		EndAt:            t.EndAt,
		EntryTime:        t.EntryTime,
		ExitTime:         t.ExitTime,
		RemainingSeconds: secs,
		RemainingMinutes: (secs + 59) / 60,
		UpdatedAt:        t.UpdatedAt,
	}
	if v.Children == nil {
		v.Children = []Child{}
	}
	if len(r.Children) > 0 {
		v.ChildName = r.Children[0].Name
		v.ChildAge = r.Children[0].Age
	}
	return v
}

func (e *Engine) normalize(t Timer) Timer {
	in := func(p *time.Time) *time.Time {
		if p == nil {
			return nil
		}
		return ptr(p.In(e.loc))
	}
	t.StartAt = in(t.StartAt)
	t.EndAt = in(t.EndAt)
	t.EntryTime = in(t.EntryTime)
	t.ExitTime = in(t.ExitTime)
	t.CreatedAt = t.CreatedAt.In(e.loc)
	t.UpdatedAt = t.UpdatedAt.In(e.loc)
	return t
}

func remaining(end, now time.Time) int64 {
	if s := seconds(end.Sub(now)); s > 0 {
		return s
	}
	return 0
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func ptr(t time.Time) *time.Time { return &t }

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
