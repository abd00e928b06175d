package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t77yq/payflow/internal/ledger"
)

// Receipt is the typed reply envelope for every ledger operation. A caller
// decodes the outcome from it directly instead of scanning event logs.
type Receipt struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Stable wire codes for the ledger error taxonomy.
const (
	codeNotFound          = "not_found"
	codeInvalidAmount     = "invalid_amount"
	codeInvalidRecipient  = "invalid_recipient"
	codeStartTimeTooSoon  = "start_time_too_soon"
	codeIntervalMismatch  = "interval_mismatch"
	codeInvalidEndTime    = "invalid_end_time"
	codeNotKeeper         = "not_keeper"
	codeNotCreator        = "not_creator"
	codeNotAdmin          = "not_admin"
	codeNotReady          = "not_ready"
	codeTerminalState     = "terminal_state"
	codeInvalidTransition = "invalid_transition"
	codeTransferFailed    = "transfer_failed"
	codeInternal          = "internal"
)

var codesByError = []struct {
	err  error
	code string
}{
	{ledger.ErrScheduleNotFound, codeNotFound},
	{ledger.ErrInvalidAmount, codeInvalidAmount},
	{ledger.ErrInvalidRecipient, codeInvalidRecipient},
	{ledger.ErrStartTimeTooSoon, codeStartTimeTooSoon},
	{ledger.ErrIntervalMismatch, codeIntervalMismatch},
	{ledger.ErrInvalidEndTime, codeInvalidEndTime},
	{ledger.ErrNotKeeper, codeNotKeeper},
	{ledger.ErrNotCreator, codeNotCreator},
	{ledger.ErrNotAdmin, codeNotAdmin},
	{ledger.ErrNotReady, codeNotReady},
	{ledger.ErrTerminalState, codeTerminalState},
	{ledger.ErrInvalidTransition, codeInvalidTransition},
	{ledger.ErrTransferFailed, codeTransferFailed},
}

var errorsByCode = func() map[string]error {
	m := make(map[string]error, len(codesByError))
	for _, entry := range codesByError {
		m[entry.code] = entry.err
	}
	return m
}()

// codeFor maps a ledger error to its wire code.
func codeFor(err error) string {
	for _, entry := range codesByError {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return codeInternal
}

// successReceipt marshals a payload into an OK receipt.
func successReceipt(data interface{}) (Receipt, error) {
	if data == nil {
		return Receipt{OK: true}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{OK: true, Data: raw}, nil
}

// failureReceipt encodes an error into a coded receipt.
func failureReceipt(err error) Receipt {
	return Receipt{
		OK:    false,
		Code:  codeFor(err),
		Error: err.Error(),
	}
}

// DecodeReceipt turns a failed receipt back into the matching ledger
// sentinel error, so errors.Is classification works across the wire.
func DecodeReceipt(receipt Receipt) error {
	if receipt.OK {
		return nil
	}
	if sentinel, ok := errorsByCode[receipt.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, receipt.Error)
	}
	return fmt.Errorf("ledger error: %s", receipt.Error)
}
