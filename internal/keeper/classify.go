package keeper

import (
	"errors"

	"github.com/t77yq/payflow/internal/ledger"
)

// FailureKind is the keeper's diagnostic classification of a failed
// execution attempt. The ledger's own error stays authoritative; this only
// drives logging and history records.
type FailureKind string

const (
	// FailureNotReady: another keeper or a prior cycle already consumed the
	// readiness window, or the interval has not elapsed yet.
	FailureNotReady FailureKind = "not_ready"

	// FailureNotActive: the schedule was paused or cancelled concurrently.
	FailureNotActive FailureKind = "no_longer_active"

	// FailureKeeperFunding: this daemon lacks the resources to pay for the
	// call. Fatal until resolved externally.
	FailureKeeperFunding FailureKind = "keeper_funding"

	// FailureTransfer: the creator's balance or allowance is insufficient.
	// The schedule keeps failing every cycle until the creator remedies it.
	FailureTransfer FailureKind = "transfer_precondition"

	// FailureInfrastructure: network or other local failures.
	FailureInfrastructure FailureKind = "infrastructure"
)

// Classify maps an execution error to a failure kind.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ledger.ErrNotReady):
		return FailureNotReady
	case errors.Is(err, ledger.ErrTerminalState),
		errors.Is(err, ledger.ErrScheduleNotFound):
		return FailureNotActive
	case errors.Is(err, ErrKeeperFunding):
		return FailureKeeperFunding
	case errors.Is(err, ledger.ErrTransferFailed):
		return FailureTransfer
	default:
		return FailureInfrastructure
	}
}
