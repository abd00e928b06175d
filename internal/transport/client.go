package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/payflow/internal/ledger"
	"github.com/t77yq/payflow/internal/model"
)

// LedgerClient talks to a remote ledger over NATS request/reply. It
// satisfies both the client service's and the keeper's ledger interfaces.
type LedgerClient struct {
	nc *nats.Conn
}

// NewLedgerClient creates a new ledger client on an existing connection.
func NewLedgerClient(nc *nats.Conn) *LedgerClient {
	return &LedgerClient{nc: nc}
}

// request performs one round trip and decodes the receipt envelope. A nil
// out skips payload decoding. Deadlines come from the caller's context.
func (c *LedgerClient) request(ctx context.Context, subject string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("ledger request %s failed: %w", subject, err)
	}

	var receipt Receipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		return fmt.Errorf("malformed receipt from %s: %w", subject, err)
	}

	if err := DecodeReceipt(receipt); err != nil {
		return err
	}

	if out != nil && len(receipt.Data) > 0 {
		if err := json.Unmarshal(receipt.Data, out); err != nil {
			return fmt.Errorf("failed to decode receipt data from %s: %w", subject, err)
		}
	}
	return nil
}

// CreateSchedule creates a schedule on the remote ledger.
func (c *LedgerClient) CreateSchedule(ctx context.Context, creator string, params ledger.CreateParams) (*model.Schedule, error) {
	var schedule model.Schedule
	err := c.request(ctx, subjectCreate, createRequest{Creator: creator, Params: params}, &schedule)
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// PauseSchedule pauses a schedule on the remote ledger.
func (c *LedgerClient) PauseSchedule(ctx context.Context, caller, id string) error {
	return c.request(ctx, subjectPause, callerRequest{Caller: caller, ID: id}, nil)
}

// ResumeSchedule resumes a schedule on the remote ledger.
func (c *LedgerClient) ResumeSchedule(ctx context.Context, caller, id string) error {
	return c.request(ctx, subjectResume, callerRequest{Caller: caller, ID: id}, nil)
}

// CancelSchedule cancels a schedule on the remote ledger.
func (c *LedgerClient) CancelSchedule(ctx context.Context, caller, id string) error {
	return c.request(ctx, subjectCancel, callerRequest{Caller: caller, ID: id}, nil)
}

// ExecuteSchedule submits an execution request as the given keeper.
func (c *LedgerClient) ExecuteSchedule(ctx context.Context, keeperID, id string) (*ledger.ExecutionReceipt, error) {
	var receipt ledger.ExecutionReceipt
	err := c.request(ctx, subjectExecute, callerRequest{Caller: keeperID, ID: id}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// IsScheduleReady queries readiness for a schedule.
func (c *LedgerClient) IsScheduleReady(ctx context.Context, id string) (bool, error) {
	var ready bool
	err := c.request(ctx, subjectReady, idRequest{ID: id}, &ready)
	return ready, err
}

// EstimateExecution queries the cost estimate for executing a schedule.
func (c *LedgerClient) EstimateExecution(ctx context.Context, id string) (int64, error) {
	var estimate int64
	err := c.request(ctx, subjectEstimate, idRequest{ID: id}, &estimate)
	return estimate, err
}

// GetSchedule fetches one schedule record.
func (c *LedgerClient) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	var schedule model.Schedule
	err := c.request(ctx, subjectGet, idRequest{ID: id}, &schedule)
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// GetUserSchedules fetches all schedules created by one identity.
func (c *LedgerClient) GetUserSchedules(ctx context.Context, creator string) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	err := c.request(ctx, subjectUserList, creatorRequest{Creator: creator}, &schedules)
	return schedules, err
}

// GetActiveSchedules fetches the ids of all active schedules.
func (c *LedgerClient) GetActiveSchedules(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.request(ctx, subjectActiveList, struct{}{}, &ids)
	return ids, err
}

// IsKeeper queries the keeper registry.
func (c *LedgerClient) IsKeeper(ctx context.Context, keeperID string) (bool, error) {
	var authorized bool
	err := c.request(ctx, subjectKeeperCheck, keeperRequest{KeeperID: keeperID}, &authorized)
	return authorized, err
}

// BalanceOf reads a token balance from the remote bank.
func (c *LedgerClient) BalanceOf(ctx context.Context, token, owner string) (int64, error) {
	var balance int64
	err := c.request(ctx, subjectTokenBalance, tokenRequest{Token: token, Owner: owner}, &balance)
	return balance, err
}

// Allowance reads a spender allowance from the remote bank.
func (c *LedgerClient) Allowance(ctx context.Context, token, owner, spender string) (int64, error) {
	var allowance int64
	err := c.request(ctx, subjectTokenAllowance, tokenRequest{Token: token, Owner: owner, Spender: spender}, &allowance)
	return allowance, err
}

// Approve grants the ledger a spending allowance on the remote bank.
func (c *LedgerClient) Approve(ctx context.Context, token, owner string, amount int64) error {
	return c.request(ctx, subjectTokenApprove, tokenRequest{Token: token, Owner: owner, Amount: amount}, nil)
}
