package timers

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusExtended  Status = "extended"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Nothing ever goes back to scheduled, and ended/cancelled are terminal.
var validNext = map[Status]map[Status]bool{
	StatusScheduled: {StatusActive: true, StatusCancelled: true},
	StatusActive:    {StatusExtended: true, StatusEnded: true, StatusCancelled: true},
	StatusExtended:  {StatusExtended: true, StatusEnded: true, StatusCancelled: true},
	StatusEnded:     {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Running reports whether the timer is counting down.
func (s Status) Running() bool {
	return s == StatusActive || s == StatusExtended
}

// Live statuses are the ones that can still show up on a venue screen.
func (s Status) Live() bool {
	return s == StatusScheduled || s.Running()
}

type EventType string

const (
	EventStart  EventType = "start"
	EventExtend EventType = "extend"
	EventEnd    EventType = "end"
)
