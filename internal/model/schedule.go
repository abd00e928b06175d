package model

import (
	"time"
)

// ScheduleStatus represents the current lifecycle status of a schedule
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	ScheduleStatusCompleted ScheduleStatus = "completed"
)

// Terminal reports whether the status permits no further transitions.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleStatusCancelled || s == ScheduleStatusCompleted
}

// ScheduleType represents the kind of payment schedule
type ScheduleType string

const (
	ScheduleTypeOneTime   ScheduleType = "one_time"
	ScheduleTypeRecurring ScheduleType = "recurring"
	ScheduleTypeDCA       ScheduleType = "dca"
)

// Recurring reports whether the type executes more than once.
func (t ScheduleType) Recurring() bool {
	return t == ScheduleTypeRecurring || t == ScheduleTypeDCA
}

// Schedule represents one future or recurring payment obligation
type Schedule struct {
	ID        string         `json:"id"`
	Creator   string         `json:"creator"`
	Type      ScheduleType   `json:"type"`
	Status    ScheduleStatus `json:"status"`
	Token     string         `json:"token"`
	Recipient string         `json:"recipient"`
	Amount    int64          `json:"amount"`

	// Interval between recurring executions; zero for one-time schedules.
	Interval time.Duration `json:"interval"`

	// Timing fields
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	LastExecuted *time.Time `json:"last_executed,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Execution accounting
	ExecutionCount int `json:"execution_count"`
	MaxExecutions  int `json:"max_executions"` // 0 means unlimited
}

// NextExecution returns the earliest instant at which this schedule may next
// execute. The second return value is false when no further execution is
// possible for the schedule's type and history.
func (s *Schedule) NextExecution() (time.Time, bool) {
	return policyFor(s.Type).NextExecution(s)
}

// CompletesAfterExecution reports whether the execution that just succeeded
// was the schedule's last, per its type policy.
func (s *Schedule) CompletesAfterExecution() bool {
	return policyFor(s.Type).CompletesAfter(s)
}

// ExecutionsExhausted reports whether a positive execution cap has been reached.
func (s *Schedule) ExecutionsExhausted() bool {
	return s.MaxExecutions > 0 && s.ExecutionCount >= s.MaxExecutions
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.LastExecuted != nil {
		t := *s.LastExecuted
		c.LastExecuted = &t
	}
	return &c
}
