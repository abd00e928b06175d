package ledger

import "errors"

var (
	// ErrScheduleNotFound is returned when a schedule id is unknown
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidAmount is returned when the payment amount is not positive
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidRecipient is returned when the recipient identity is malformed
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrStartTimeTooSoon is returned when the start time is not sufficiently in the future
	ErrStartTimeTooSoon = errors.New("start time must be in the future")

	// ErrIntervalMismatch is returned when the interval does not fit the schedule type
	ErrIntervalMismatch = errors.New("interval does not match schedule type")

	// ErrInvalidEndTime is returned when the end time is not after the start time
	ErrInvalidEndTime = errors.New("end time must be after start time")

	// ErrNotKeeper is returned when a non-keeper attempts execution
	ErrNotKeeper = errors.New("caller is not an authorized keeper")

	// ErrNotCreator is returned when a non-creator attempts a lifecycle operation
	ErrNotCreator = errors.New("caller is not the schedule creator")

	// ErrNotAdmin is returned when a non-admin attempts to modify the keeper registry
	ErrNotAdmin = errors.New("caller is not the ledger admin")

	// ErrNotReady is returned when execution is attempted outside a readiness window
	ErrNotReady = errors.New("schedule is not ready for execution")

	// ErrTerminalState is returned for operations against cancelled or completed schedules
	ErrTerminalState = errors.New("schedule is in a terminal state")

	// ErrInvalidTransition is returned for pause/resume against the wrong status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransferFailed wraps token transfer failures at execution time
	ErrTransferFailed = errors.New("token transfer failed")
)
