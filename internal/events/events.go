// Package events defines the kafka envelope and the payloads exchanged with
// the sale orchestrator and downstream consumers.
package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventSaleRecorded  = "SaleRecorded"
	EventSaleProcessed = "SaleProcessed"
	EventStockRejected = "SaleStockRejected"
	EventTimerAlert    = "TimerAlert"
)

const (
	TopicSaleRecorded  = "sale.recorded"
	TopicSaleProcessed = "sale.processed"
	TopicStockRejected = "sale.stock.rejected"
	TopicTimerAlert    = "timer.alert"
)

// PartitionKey keeps every event of one sale (or timer) on one partition.
func PartitionKey(id string) []byte { return []byte(id) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // sale id or timer id
	Payload       json.RawMessage `json:"payload"`
}

type Child struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// SaleLine is a line as recorded at the till. DurationMinutes and
// StartDelayMinutes only apply to service lines.
type SaleLine struct {
	Type              string `json:"type"`
	RefID             string `json:"ref_id"`
	Quantity          int    `json:"quantity"`
	DurationMinutes   int    `json:"duration_minutes,omitempty"`
	StartDelayMinutes int    `json:"start_delay_minutes,omitempty"`
}

type SaleRecordedPayload struct {
	SaleID   string     `json:"sale_id"`
	BranchID string     `json:"branch_id"`
	Children []Child    `json:"children,omitempty"`
	Lines    []SaleLine `json:"lines"`
}

type SaleProcessedPayload struct {
	SaleID        string          `json:"sale_id"`
	BranchID      string          `json:"branch_id"`
	TimerIDs      []string        `json:"timer_ids"`
	ServicesTotal decimal.Decimal `json:"services_total"`
}

type StockRejectedPayload struct {
	SaleID   string   `json:"sale_id"`
	BranchID string   `json:"branch_id"`
	Reason   string   `json:"reason"` // OUT_OF_STOCK | INVALID_SALE | PARTIALLY_APPLIED
	Details  []string `json:"details,omitempty"`
	TimerIDs []string `json:"timer_ids,omitempty"` // created before a PARTIALLY_APPLIED sale stopped
}

const (
	ReasonOutOfStock       = "OUT_OF_STOCK"
	ReasonInvalidSale      = "INVALID_SALE"
	ReasonPartiallyApplied = "PARTIALLY_APPLIED" // stock taken, timers incomplete
)

type TimerAlertPayload struct {
	TimerID          string `json:"timer_id"`
	SaleID           string `json:"sale_id"`
	ServiceID        string `json:"service_id"`
	BranchID         string `json:"branch_id"`
	AlertMinutes     int    `json:"alert_minutes"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}
