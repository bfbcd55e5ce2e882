package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/alerts"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"go.uber.org/zap"
)

const EventTimersUpdate = "timers_update"

// Update carries the full live-timer list of one group.
type Update struct {
	Type   string        `json:"type"`
	Timers []timers.View `json:"timers"`
}

// Hub is the push side: one group per branch.
type Hub interface {
	Groups() []string
	Send(group string, payload []byte)
}

type LiveSource interface {
	GetLiveWithRemaining(ctx context.Context, branch string) ([]timers.View, error)
}

type AlertDetector interface {
	DetectAlerts(ctx context.Context, views []timers.View) []alerts.Event
	GarbageDue() bool
	CollectGarbage(liveIDs map[string]struct{})
}

// AlertSink receives a copy of every pushed alert.
type AlertSink interface {
	PublishAlert(ctx context.Context, ev alerts.Event) error
}

type Broadcaster struct {
	live   LiveSource
	alerts AlertDetector
	hub    Hub
	sink   AlertSink
	log    *zap.Logger
}

// NewBroadcaster wires a broadcaster; sink may be nil.
func NewBroadcaster(live LiveSource, det AlertDetector, hub Hub, sink AlertSink, log *zap.Logger) *Broadcaster {
	return &Broadcaster{live: live, alerts: det, hub: hub, sink: sink, log: logx.Or(log).Named("broadcast")}
}

// Tick pushes an update and any due alerts to every group with subscribers.
// A failing group is reported in the returned error and does not stop the
// remaining groups.
func (b *Broadcaster) Tick(ctx context.Context) error {
	var errs []error
	for _, g := range b.hub.Groups() {
		if err := b.group(ctx, g); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g, err))
		}
	}
	if b.alerts.GarbageDue() {
		if err := b.collect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) group(ctx context.Context, group string) error {
	views, err := b.live.GetLiveWithRemaining(ctx, group)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Update{Type: EventTimersUpdate, Timers: views})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	b.hub.Send(group, payload)

	for _, ev := range b.alerts.DetectAlerts(ctx, views) {
		payload, err := json.Marshal(ev)
		if err != nil {
			b.log.Error("encode alert", zap.String("timer_id", ev.Timer.ID), zap.Error(err))
			continue
		}
		b.hub.Send(group, payload)
		b.log.Info("timer alert",
			zap.String("branch", group),
			zap.String("timer_id", ev.Timer.ID),
			zap.Int("alert_minutes", ev.AlertMinutes))
		if b.sink != nil {
			if err := b.sink.PublishAlert(ctx, ev); err != nil {
				b.log.Warn("alert mirror failed", zap.String("timer_id", ev.Timer.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// collect runs tracker GC against the live timers of every branch, not
// only the subscribed ones.
func (b *Broadcaster) collect(ctx context.Context) error {
	views, err := b.live.GetLiveWithRemaining(ctx, "")
	if err != nil {
		return fmt.Errorf("alert gc: %w", err)
	}
	ids := make(map[string]struct{}, len(views))
	for _, v := range views {
		ids[v.ID] = struct{}{}
	}
	b.alerts.CollectGarbage(ids)
	return nil
}

// NewBroadcast returns the loop driving b.
func NewBroadcast(b *Broadcaster, interval time.Duration, log *zap.Logger) *Loop {
	return NewLoop("broadcast", interval, b.Tick, log)
}
