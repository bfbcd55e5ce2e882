package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/alerts"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Emitter wraps payloads in a v1 envelope and hands them to a producer.
type Emitter struct {
	pub     Publisher
	service string
	now     func() time.Time
}

func NewEmitter(pub Publisher, service string) *Emitter {
	return &Emitter{pub: pub, service: service, now: time.Now}
}

func (e *Emitter) Emit(eventType, correlationID, traceID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now().UTC(),
		Producer:      e.service,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       body,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	e.pub.Publish(PartitionKey(correlationID), b,
		kafkago.Header{Key: HeaderEventType, Value: []byte(eventType)},
		kafkago.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	)
	return nil
}

// AlertMirror republishes pushed alerts on the timer.alert topic.
type AlertMirror struct{ *Emitter }

func (m AlertMirror) PublishAlert(_ context.Context, ev alerts.Event) error {
	return m.Emit(EventTimerAlert, ev.Timer.ID, "", TimerAlertPayload{
		TimerID:          ev.Timer.ID,
		SaleID:           ev.Timer.SaleID,
		ServiceID:        ev.Timer.ServiceID,
		BranchID:         ev.Timer.BranchID,
		AlertMinutes:     ev.AlertMinutes,
		RemainingSeconds: ev.Timer.RemainingSeconds,
	})
}
