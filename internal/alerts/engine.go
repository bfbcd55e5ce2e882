// Package alerts turns remaining-time snapshots into one-shot warnings.
//
// A threshold fires when a timer's remaining minutes equal it exactly. Polls
// that land on the same minute again are deduplicated by the Tracker; an
// extension clears the timer's history so thresholds can fire again.
package alerts

import (
	"context"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/catalog"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"go.uber.org/zap"
)

const EventTimerAlert = "timer_alert"

// Event is pushed to subscribers once per fired threshold.
type Event struct {
	Type         string                   `json:"type"`
	Timer        timers.View              `json:"timer"`
	AlertMinutes int                      `json:"alert_minutes"`
	AlertsConfig []catalog.AlertThreshold `json:"alerts_config"`
}

type ThresholdSource interface {
	Thresholds(ctx context.Context, serviceID string) ([]catalog.AlertThreshold, error)
}

type Engine struct {
	tracker *Tracker
	catalog ThresholdSource
	log     *zap.Logger
}

func NewEngine(tracker *Tracker, src ThresholdSource, log *zap.Logger) *Engine {
	return &Engine{tracker: tracker, catalog: src, log: logx.Or(log).Named("alerts")}
}

// DetectAlerts returns the alerts due for views. Thresholds are looked up
// once per service per call; a lookup failure skips that service's timers.
func (e *Engine) DetectAlerts(ctx context.Context, views []timers.View) []Event {
	var out []Event
	thresholds := map[string][]catalog.AlertThreshold{}
	failed := map[string]bool{}

	for _, v := range views {
		if v.RemainingMinutes <= 0 || failed[v.ServiceID] {
			continue
		}
		cfg, ok := thresholds[v.ServiceID]
		if !ok {
			var err error
			cfg, err = e.catalog.Thresholds(ctx, v.ServiceID)
			if err != nil {
				e.log.Warn("alert thresholds unavailable", zap.String("service_id", v.ServiceID), zap.Error(err))
				failed[v.ServiceID] = true
				continue
			}
			thresholds[v.ServiceID] = cfg
		}

		for _, th := range cfg {
			if int64(th.Minutes) != v.RemainingMinutes {
				continue
			}
			if !e.tracker.tryFire(Key{TimerID: v.ID, Minutes: th.Minutes}, v.UpdatedAt) {
				continue
			}
			out = append(out, Event{Type: EventTimerAlert, Timer: v, AlertMinutes: th.Minutes, AlertsConfig: cfg})
		}
	}
	return out
}

// Acknowledge silences (timerID, minutes) until the timer is next extended.
func (e *Engine) Acknowledge(timerID string, minutes int) {
	e.tracker.Acknowledge(Key{TimerID: timerID, Minutes: minutes})
}

// ClearForExtendedTimer forgets every fired and acknowledged threshold of
// the timer. Matches timers.ExtendHook.
func (e *Engine) ClearForExtendedTimer(timerID string, extendedAt time.Time) {
	e.tracker.Clear(timerID, extendedAt)
}

// GarbageDue reports whether the fired or acknowledged set has grown past
// the GC threshold.
func (e *Engine) GarbageDue() bool { return e.tracker.oversized() }

// CollectGarbage drops tracking for timers no longer live once the
// tracked sets are large.
func (e *Engine) CollectGarbage(liveIDs map[string]struct{}) {
	if n := e.tracker.Collect(liveIDs); n > 0 {
		e.log.Info("alert tracking collected", zap.Int("removed", n))
	}
}
