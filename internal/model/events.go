package model

import "time"

// ScheduleCreated is emitted once when a schedule is persisted.
type ScheduleCreated struct {
	ID        string       `json:"id"`
	Creator   string       `json:"creator"`
	Type      ScheduleType `json:"type"`
	CreatedAt time.Time    `json:"created_at"`
}

// ScheduleExecuted is emitted after every successful execution.
type ScheduleExecuted struct {
	ID             string    `json:"id"`
	Amount         int64     `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
	ExecutionCount int       `json:"execution_count"`
}

// ScheduleCompleted is emitted when a schedule reaches its terminal
// completed state.
type ScheduleCompleted struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}
