package transport

import "time"

const (
	subjectCreate      = "ledger.schedule.create"
	subjectPause       = "ledger.schedule.pause"
	subjectResume      = "ledger.schedule.resume"
	subjectCancel      = "ledger.schedule.cancel"
	subjectExecute     = "ledger.schedule.execute"
	subjectReady       = "ledger.schedule.ready"
	subjectGet         = "ledger.schedule.get"
	subjectEstimate    = "ledger.schedule.estimate"
	subjectUserList    = "ledger.schedules.user"
	subjectActiveList  = "ledger.schedules.active"
	subjectKeeperCheck = "ledger.keeper.check"

	subjectTokenBalance   = "ledger.token.balance"
	subjectTokenAllowance = "ledger.token.allowance"
	subjectTokenApprove   = "ledger.token.approve"

	eventStreamName       = "SCHEDULES"
	eventCreatedSubject   = "schedule.created"
	eventExecutedSubject  = "schedule.executed"
	eventCompletedSubject = "schedule.completed"

	eventStreamMaxAge = 24 * time.Hour
)
