package timers

import "time"

type Timer struct {
	ID                string     `json:"id"`
	SaleID            string     `json:"sale_id"`
	ServiceID         string     `json:"service_id"`
	Status            Status     `json:"status"`
	StartDelayMinutes int        `json:"start_delay_minutes"`
	DurationMinutes   int        `json:"duration_minutes"`
	StartAt           *time.Time `json:"start_at"`
	EndAt             *time.Time `json:"end_at"`
	EntryTime         *time.Time `json:"entry_time"` // display only
	ExitTime          *time.Time `json:"exit_time"`  // display only, moves with EndAt
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type History struct {
	ID        string    `json:"id"`
	TimerID   string    `json:"timer_id"`
	EventType EventType `json:"event_type"`
	Minutes   int       `json:"minutes"`
	CreatedAt time.Time `json:"created_at"`
}

type Child struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// Sale is the slice of the sale record timers need.
type Sale struct {
	ID       string
	BranchID string
	Children []Child
}

// LiveRow is a live timer joined with its sale.
type LiveRow struct {
	Timer
	BranchID string
	Children []Child
}

// View is what API callers and subscribers see.
type View struct {
	ID               string     `json:"id"`
	SaleID           string     `json:"sale_id"`
	ServiceID        string     `json:"service_id"`
	BranchID         string     `json:"branch_id"`
	ChildName        string     `json:"child_name"`
	ChildAge         int        `json:"child_age"`
	Children         []Child    `json:"children"`
	Status           Status     `json:"status"`
	StartAt          *time.Time `json:"start_at"`
	EndAt            *time.Time `json:"end_at"`
	EntryTime        *time.Time `json:"entry_time"`
	ExitTime         *time.Time `json:"exit_time"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	RemainingMinutes int64      `json:"remaining_minutes"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewTimer is the input for Engine.Create.
type NewTimer struct {
	SaleID            string
	ServiceID         string
	DurationMinutes   int
	StartDelayMinutes int
}
