package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/ledger"
	"github.com/t77yq/payflow/internal/model"
	"github.com/t77yq/payflow/internal/token"
)

const (
	// DefaultLeadBuffer absorbs the delay between submission and ledger
	// confirmation, so a schedule cannot become ready before its creation
	// has settled.
	DefaultLeadBuffer = 3 * time.Minute

	// unboundedAllowancePeriods is how many payments worth of allowance is
	// granted up front for schedules with no execution cap.
	unboundedAllowancePeriods = 12
)

var (
	// ErrInsufficientFunds is returned when the creator's balance cannot
	// cover even the first payment.
	ErrInsufficientFunds = errors.New("insufficient balance for scheduled payment")

	// ErrUnknownFrequency is returned for an unrecognized frequency choice
	ErrUnknownFrequency = errors.New("unknown payment frequency")
)

// Frequency is a user-facing scheduling choice.
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// LedgerAPI is the slice of ledger operations the client service consumes.
// Satisfied by both the in-process ledger and the NATS client.
type LedgerAPI interface {
	CreateSchedule(ctx context.Context, creator string, params ledger.CreateParams) (*model.Schedule, error)
	PauseSchedule(ctx context.Context, caller, id string) error
	ResumeSchedule(ctx context.Context, caller, id string) error
	CancelSchedule(ctx context.Context, caller, id string) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	GetUserSchedules(ctx context.Context, creator string) ([]*model.Schedule, error)
}

// TokenFunding is the token capability slice needed for the funding
// precondition: balance and allowance reads plus allowance top-up.
type TokenFunding interface {
	BalanceOf(ctx context.Context, token, owner string) (int64, error)
	Allowance(ctx context.Context, token, owner, spender string) (int64, error)
	Approve(ctx context.Context, token, owner string, amount int64) error
}

// PaymentRequest describes a user's scheduling intent.
type PaymentRequest struct {
	Token     string
	Recipient string
	Amount    int64
	Frequency Frequency

	// StartTime is the user-chosen first payment time. The service adds the
	// lead buffer before submitting it to the ledger.
	StartTime time.Time

	// EndTime optionally bounds the schedule.
	EndTime *time.Time
}

// ScheduleView is the display form of a ledger record.
type ScheduleView struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Token       string     `json:"token"`
	Recipient   string     `json:"recipient"`
	Amount      int64      `json:"amount"`
	Frequency   string     `json:"frequency"`
	NextPayment *time.Time `json:"next_payment,omitempty"`
	Executed    int        `json:"executed"`
	Progress    string     `json:"progress"`
}

// Service bridges a human-facing scheduling intent to the ledger's
// parameters and enforces the funding precondition the ledger itself does
// not check.
type Service struct {
	logger        *zap.Logger
	ledger        LedgerAPI
	funding       TokenFunding
	ledgerSpender string
	leadBuffer    time.Duration
}

// NewService creates a new client schedule service. The ledgerSpender is the
// identity allowances must be granted to, i.e. the ledger itself.
func NewService(api LedgerAPI, funding TokenFunding, ledgerSpender string, logger *zap.Logger) *Service {
	return &Service{
		logger:        logger.Named("schedule-service"),
		ledger:        api,
		funding:       funding,
		ledgerSpender: ledgerSpender,
		leadBuffer:    DefaultLeadBuffer,
	}
}

// frequencyParams translates a frequency choice into ledger parameters.
// Monthly schedules are deliberately bounded to roughly one year instead of
// running forever.
func frequencyParams(freq Frequency) (model.ScheduleType, time.Duration, int, error) {
	switch freq {
	case FrequencyOnce:
		return model.ScheduleTypeOneTime, 0, 1, nil
	case FrequencyDaily:
		return model.ScheduleTypeRecurring, 24 * time.Hour, 0, nil
	case FrequencyWeekly:
		return model.ScheduleTypeRecurring, 7 * 24 * time.Hour, 0, nil
	case FrequencyMonthly:
		return model.ScheduleTypeRecurring, 30 * 24 * time.Hour, 12, nil
	default:
		return "", 0, 0, fmt.Errorf("%w: %q", ErrUnknownFrequency, freq)
	}
}

// CreateScheduledPayment verifies the funding precondition, tops up the
// ledger's allowance if needed, and creates the schedule. The allowance
// top-up happens first: creating a schedule without sufficient allowance
// would succeed at the ledger and then fail at every execution attempt.
func (s *Service) CreateScheduledPayment(ctx context.Context, creator string, req PaymentRequest) (*model.Schedule, error) {
	scheduleType, interval, maxExecutions, err := frequencyParams(req.Frequency)
	if err != nil {
		return nil, err
	}

	if err := s.ensureFunding(ctx, creator, req.Token, req.Amount, maxExecutions); err != nil {
		return nil, err
	}

	params := ledger.CreateParams{
		Type:          scheduleType,
		Token:         req.Token,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Interval:      interval,
		StartTime:     req.StartTime.Add(s.leadBuffer),
		EndTime:       req.EndTime,
		MaxExecutions: maxExecutions,
	}

	schedule, err := s.ledger.CreateSchedule(ctx, creator, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Scheduled payment created",
		zap.String("id", schedule.ID),
		zap.String("creator", creator),
		zap.String("frequency", string(req.Frequency)),
		zap.Time("start_time", schedule.StartTime))

	return schedule, nil
}

// ensureFunding checks the creator's balance and grants the ledger enough
// allowance to cover the schedule's full obligation.
func (s *Service) ensureFunding(ctx context.Context, creator, tokenID string, amount int64, maxExecutions int) error {
	balance, err := s.funding.BalanceOf(ctx, tokenID, creator)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("%w: balance %d, first payment %d", ErrInsufficientFunds, balance, amount)
	}

	periods := maxExecutions
	if periods == 0 {
		periods = unboundedAllowancePeriods
	}
	required := amount * int64(periods)

	allowance, err := s.funding.Allowance(ctx, tokenID, creator, s.ledgerSpender)
	if err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance >= required {
		return nil
	}

	if err := s.funding.Approve(ctx, tokenID, creator, required); err != nil {
		return fmt.Errorf("failed to approve allowance: %w", err)
	}

	s.logger.Info("Allowance topped up",
		zap.String("creator", creator),
		zap.String("token", tokenID),
		zap.Int64("allowance", required))

	return nil
}

// PausePayment pauses an active schedule.
func (s *Service) PausePayment(ctx context.Context, creator, id string) error {
	return s.ledger.PauseSchedule(ctx, creator, id)
}

// ResumePayment resumes a paused schedule.
func (s *Service) ResumePayment(ctx context.Context, creator, id string) error {
	return s.ledger.ResumeSchedule(ctx, creator, id)
}

// CancelPayment cancels a schedule for good.
func (s *Service) CancelPayment(ctx context.Context, creator, id string) error {
	return s.ledger.CancelSchedule(ctx, creator, id)
}

// UserSchedules returns all of the creator's schedules in display form.
func (s *Service) UserSchedules(ctx context.Context, creator string) ([]ScheduleView, error) {
	schedules, err := s.ledger.GetUserSchedules(ctx, creator)
	if err != nil {
		return nil, err
	}

	views := make([]ScheduleView, 0, len(schedules))
	for _, schedule := range schedules {
		views = append(views, viewOf(schedule))
	}
	return views, nil
}

func viewOf(schedule *model.Schedule) ScheduleView {
	view := ScheduleView{
		ID:        schedule.ID,
		Status:    string(schedule.Status),
		Token:     schedule.Token,
		Recipient: schedule.Recipient,
		Amount:    schedule.Amount,
		Frequency: frequencyLabel(schedule),
		Executed:  schedule.ExecutionCount,
		Progress:  fmt.Sprintf("%d", schedule.ExecutionCount),
	}

	if schedule.MaxExecutions > 0 {
		view.Progress = fmt.Sprintf("%d/%d", schedule.ExecutionCount, schedule.MaxExecutions)
	}

	if schedule.Status == model.ScheduleStatusActive {
		if next, ok := schedule.NextExecution(); ok {
			view.NextPayment = &next
		}
	}

	return view
}

func frequencyLabel(schedule *model.Schedule) string {
	if schedule.Type == model.ScheduleTypeOneTime {
		return string(FrequencyOnce)
	}
	switch schedule.Interval {
	case 24 * time.Hour:
		return string(FrequencyDaily)
	case 7 * 24 * time.Hour:
		return string(FrequencyWeekly)
	case 30 * 24 * time.Hour:
		return string(FrequencyMonthly)
	default:
		return fmt.Sprintf("every %s", schedule.Interval)
	}
}

// Explain translates a ledger or funding error into user-facing guidance.
func Explain(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, token.ErrInsufficientBalance):
		return "Your balance cannot cover this payment. Top up your account and try again."
	case errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrTransferFailed):
		return "The payment allowance is insufficient. Increase the allowance granted to the ledger."
	case errors.Is(err, ledger.ErrStartTimeTooSoon):
		return "The start time is too soon. Pick a time at least a few minutes in the future."
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "The payment amount must be greater than zero."
	case errors.Is(err, ledger.ErrInvalidRecipient):
		return "The recipient address is not valid."
	case errors.Is(err, ledger.ErrTerminalState):
		return "This schedule has already finished and can no longer be changed."
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "This schedule is not in a state that allows that action."
	case errors.Is(err, ledger.ErrNotCreator):
		return "Only the creator of a schedule can change it."
	case errors.Is(err, ledger.ErrScheduleNotFound):
		return "No such schedule exists."
	default:
		return "The operation failed. Please try again."
	}
}
