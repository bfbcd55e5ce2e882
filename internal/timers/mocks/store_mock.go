package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/google/uuid"
)

// MockStore is an in-memory timers.Store with the same conditional-update
// semantics as the postgres store.
type MockStore struct {
	mu      sync.Mutex
	timers  map[string]timers.Timer
	sales   map[string]timers.Sale
	history []timers.History

	// ActivateErr, when set, fails every Activate call.
	ActivateErr error
	// ListLiveErr fails ListLive for the given branch.
	ListLiveErr map[string]error

	ActivateCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		timers:      map[string]timers.Timer{},
		sales:       map[string]timers.Sale{},
		ListLiveErr: map[string]error{},
	}
}

// Put inserts or replaces a timer directly.
func (m *MockStore) Put(t timers.Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[t.ID] = t
}

func (m *MockStore) UpsertSale(_ context.Context, s timers.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[s.ID] = s
	return nil
}

func (m *MockStore) Create(_ context.Context, t timers.Timer, start *timers.History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[t.ID] = t
	if start != nil {
		m.history = append(m.history, *start)
	}
	return nil
}

func (m *MockStore) Get(_ context.Context, id string) (timers.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return timers.Timer{}, apperr.NotFound("timer", id)
	}
	return t, nil
}

func (m *MockStore) ListScheduled(_ context.Context) ([]timers.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []timers.Timer
	for _, t := range m.timers {
		if t.Status == timers.StatusScheduled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) ListLive(_ context.Context, branch string, now time.Time) ([]timers.LiveRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ListLiveErr[branch]; err != nil {
		return nil, err
	}
	var out []timers.LiveRow
	for _, t := range m.timers {
		if !t.Status.Live() {
			continue
		}
		if t.Status != timers.StatusScheduled && (t.EndAt == nil || !t.EndAt.After(now)) {
			continue
		}
		s := m.sales[t.SaleID]
		if branch != "" && s.BranchID != branch {
			continue
		}
		out = append(out, timers.LiveRow{Timer: t, BranchID: s.BranchID, Children: s.Children})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) Activate(_ context.Context, ids []string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActivateCalls++
	if m.ActivateErr != nil {
		return nil, m.ActivateErr
	}
	var done []string
	for _, id := range ids {
		t, ok := m.timers[id]
		if !ok || t.Status != timers.StatusScheduled {
			continue
		}
		t.Status = timers.StatusActive
		t.UpdatedAt = at
		m.timers[id] = t
		m.history = append(m.history, timers.History{ID: uuid.NewString(), TimerID: id, EventType: timers.EventStart, CreatedAt: at})
		done = append(done, id)
	}
	return done, nil
}

func (m *MockStore) Extend(_ context.Context, id string, minutes int, at time.Time) (timers.Timer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || !t.Status.Running() {
		return timers.Timer{}, false, nil
	}
	d := time.Duration(minutes) * time.Minute
	end := t.EndAt.Add(d)
	t.EndAt = &end
	exit := end
	t.ExitTime = &exit
	t.Status = timers.StatusExtended
	t.UpdatedAt = at
	m.timers[id] = t
	m.history = append(m.history, timers.History{ID: uuid.NewString(), TimerID: id, EventType: timers.EventExtend, Minutes: minutes, CreatedAt: at})
	return t, true, nil
}

func (m *MockStore) Finish(_ context.Context, id string, from, to timers.Status, at time.Time) (timers.Timer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || t.Status != from {
		return timers.Timer{}, false, nil
	}
	t.Status = to
	t.UpdatedAt = at
	m.timers[id] = t
	m.history = append(m.history, timers.History{ID: uuid.NewString(), TimerID: id, EventType: timers.EventEnd, CreatedAt: at})
	return t, true, nil
}

func (m *MockStore) History(_ context.Context, id string) ([]timers.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []timers.History
	for _, h := range m.history {
		if h.TimerID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

// Sale returns a recorded sale.
func (m *MockStore) Sale(id string) (timers.Sale, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[id]
	return s, ok
}

// Timers returns every stored timer.
func (m *MockStore) Timers() []timers.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]timers.Timer, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t)
	}
	return out
}
