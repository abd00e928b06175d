package model

import "time"

// typePolicy attaches the next-execution and completion rules to a schedule
// type, so type-dependent behavior lives in one place instead of being
// branched on at every call site.
type typePolicy interface {
	// NextExecution returns the earliest permitted next execution instant.
	// The bool is false when the schedule can never execute again.
	NextExecution(s *Schedule) (time.Time, bool)

	// CompletesAfter reports whether a just-succeeded execution finished the
	// schedule for good.
	CompletesAfter(s *Schedule) bool
}

type oneTimePolicy struct{}

func (oneTimePolicy) NextExecution(s *Schedule) (time.Time, bool) {
	if s.ExecutionCount > 0 {
		return time.Time{}, false
	}
	return s.StartTime, true
}

func (oneTimePolicy) CompletesAfter(s *Schedule) bool {
	return s.ExecutionCount > 0
}

type recurringPolicy struct{}

func (recurringPolicy) NextExecution(s *Schedule) (time.Time, bool) {
	if s.ExecutionsExhausted() {
		return time.Time{}, false
	}
	if s.LastExecuted == nil {
		return s.StartTime, true
	}
	return s.LastExecuted.Add(s.Interval), true
}

func (recurringPolicy) CompletesAfter(s *Schedule) bool {
	return s.ExecutionsExhausted()
}

var policies = map[ScheduleType]typePolicy{
	ScheduleTypeOneTime:   oneTimePolicy{},
	ScheduleTypeRecurring: recurringPolicy{},
	ScheduleTypeDCA:       recurringPolicy{},
}

func policyFor(t ScheduleType) typePolicy {
	if p, ok := policies[t]; ok {
		return p
	}
	// Unknown types behave like recurring schedules rather than panicking.
	return recurringPolicy{}
}
