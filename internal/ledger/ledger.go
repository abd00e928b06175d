package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/model"
)

const (
	// DefaultMinLead is the minimum buffer between creation time and start time.
	DefaultMinLead = time.Minute

	baseExecutionCost = 25000
	transferUnitCost  = 10000
)

// TokenPull is the external pull-transfer capability consumed at execution
// time. Funds are never escrowed; they are drawn from the creator's balance
// via a pre-granted allowance.
type TokenPull interface {
	// BalanceOf returns the owner's balance for a token
	BalanceOf(ctx context.Context, token, owner string) (int64, error)

	// Allowance returns how much the spender may pull from the owner
	Allowance(ctx context.Context, token, owner, spender string) (int64, error)

	// TransferFrom moves amount from owner to recipient against the allowance
	TransferFrom(ctx context.Context, token, owner, recipient string, amount int64) error
}

// EventPublisher receives lifecycle events after state mutations commit.
type EventPublisher interface {
	ScheduleCreated(event model.ScheduleCreated)
	ScheduleExecuted(event model.ScheduleExecuted)
	ScheduleCompleted(event model.ScheduleCompleted)
}

// ScheduleStore persists schedule records across restarts.
type ScheduleStore interface {
	Save(ctx context.Context, schedule *model.Schedule) error
	LoadAll(ctx context.Context) ([]*model.Schedule, error)
}

// Config defines configuration for the ledger
type Config struct {
	// Admin is the only identity allowed to modify the keeper registry.
	Admin string

	// Keepers authorized at startup.
	Keepers []string

	// MinLead is the minimum gap between creation time and start time.
	// Zero means DefaultMinLead.
	MinLead time.Duration
}

// CreateParams are the creation parameters for a new schedule
type CreateParams struct {
	Type          model.ScheduleType `json:"type"`
	Token         string             `json:"token"`
	Recipient     string             `json:"recipient"`
	Amount        int64              `json:"amount"`
	Interval      time.Duration      `json:"interval"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       *time.Time         `json:"end_time,omitempty"`
	MaxExecutions int                `json:"max_executions"`
}

// ExecutionReceipt is the typed result of a successful execution
type ExecutionReceipt struct {
	ScheduleID     string    `json:"schedule_id"`
	Amount         int64     `json:"amount"`
	ExecutedAt     time.Time `json:"executed_at"`
	ExecutionCount int       `json:"execution_count"`
	Completed      bool      `json:"completed"`
}

// Ledger is the canonical, single-writer store of schedule records and the
// sole authority on state transitions. Every operation runs under one mutex,
// so the readiness recheck inside ExecuteSchedule is the only concurrency
// guard needed against double execution.
type Ledger struct {
	logger    *zap.Logger
	mu        sync.Mutex
	schedules map[string]*model.Schedule
	keepers   map[string]struct{}
	admin     string
	minLead   time.Duration
	bank      TokenPull
	events    EventPublisher
	store     ScheduleStore
	clock     func() time.Time
}

// NewLedger creates a new ledger. Store and events may be nil; persisted
// schedules are loaded at construction when a store is provided.
func NewLedger(config Config, bank TokenPull, store ScheduleStore, events EventPublisher, logger *zap.Logger) (*Ledger, error) {
	minLead := config.MinLead
	if minLead <= 0 {
		minLead = DefaultMinLead
	}

	l := &Ledger{
		logger:    logger.Named("ledger"),
		schedules: make(map[string]*model.Schedule),
		keepers:   make(map[string]struct{}),
		admin:     config.Admin,
		minLead:   minLead,
		bank:      bank,
		events:    events,
		store:     store,
		clock:     time.Now,
	}

	for _, keeper := range config.Keepers {
		l.keepers[keeper] = struct{}{}
	}

	if store != nil {
		schedules, err := store.LoadAll(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to load schedules: %w", err)
		}
		for _, schedule := range schedules {
			l.schedules[schedule.ID] = schedule
		}
		l.logger.Info("Loaded persisted schedules", zap.Int("count", len(schedules)))
	}

	return l, nil
}

// CreateSchedule validates the parameters and persists a new active schedule.
func (l *Ledger) CreateSchedule(ctx context.Context, creator string, params CreateParams) (*model.Schedule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()

	if err := l.validateCreate(now, creator, params); err != nil {
		return nil, err
	}

	schedule := &model.Schedule{
		ID:            uuid.New().String(),
		Creator:       creator,
		Type:          params.Type,
		Status:        model.ScheduleStatusActive,
		Token:         params.Token,
		Recipient:     strings.TrimSpace(params.Recipient),
		Amount:        params.Amount,
		Interval:      params.Interval,
		StartTime:     params.StartTime,
		EndTime:       params.EndTime,
		MaxExecutions: params.MaxExecutions,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	l.schedules[schedule.ID] = schedule
	l.persist(ctx, schedule)

	if l.events != nil {
		l.events.ScheduleCreated(model.ScheduleCreated{
			ID:        schedule.ID,
			Creator:   schedule.Creator,
			Type:      schedule.Type,
			CreatedAt: schedule.CreatedAt,
		})
	}

	l.logger.Info("Schedule created",
		zap.String("id", schedule.ID),
		zap.String("creator", creator),
		zap.String("type", string(schedule.Type)),
		zap.Time("start_time", schedule.StartTime))

	return schedule.Clone(), nil
}

func (l *Ledger) validateCreate(now time.Time, creator string, params CreateParams) error {
	if strings.TrimSpace(creator) == "" {
		return fmt.Errorf("%w: empty creator", ErrInvalidRecipient)
	}
	if params.Amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, params.Amount)
	}
	if strings.TrimSpace(params.Recipient) == "" {
		return ErrInvalidRecipient
	}
	if !params.StartTime.After(now.Add(l.minLead)) {
		return fmt.Errorf("%w: start %s, minimum lead %s", ErrStartTimeTooSoon,
			params.StartTime.Format(time.RFC3339), l.minLead)
	}
	if params.Type.Recurring() {
		if params.Interval <= 0 {
			return fmt.Errorf("%w: recurring schedule requires a positive interval", ErrIntervalMismatch)
		}
	} else {
		if params.Interval != 0 {
			return fmt.Errorf("%w: one-time schedule must not set an interval", ErrIntervalMismatch)
		}
	}
	if params.MaxExecutions < 0 {
		return fmt.Errorf("%w: negative max executions", ErrInvalidAmount)
	}
	if params.EndTime != nil && !params.EndTime.After(params.StartTime) {
		return ErrInvalidEndTime
	}
	return nil
}

// IsScheduleReady reports whether the schedule may be executed right now.
// It never mutates state.
func (l *Ledger) IsScheduleReady(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	schedule, ok := l.schedules[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	return l.ready(schedule), nil
}

// ready computes readiness under the lock.
func (l *Ledger) ready(schedule *model.Schedule) bool {
	if schedule.Status != model.ScheduleStatusActive {
		return false
	}
	if schedule.ExecutionsExhausted() {
		return false
	}
	next, ok := schedule.NextExecution()
	if !ok {
		return false
	}
	now := l.clock()
	if now.Before(next) {
		return false
	}
	if schedule.EndTime != nil && now.After(*schedule.EndTime) {
		return false
	}
	return true
}

// ExecuteSchedule performs one payment for a ready schedule. Only registered
// keepers may call it. Readiness is re-evaluated here regardless of what the
// caller believes; on any failure no state is mutated, so a schedule whose
// transfer fails stays active and eligible for a retry on a later cycle.
func (l *Ledger) ExecuteSchedule(ctx context.Context, keeperID, id string) (*ExecutionReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keepers[keeperID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotKeeper, keeperID)
	}

	schedule, ok := l.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	if schedule.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, schedule.Status)
	}

	if !l.ready(schedule) {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	}

	// Pull the funds before touching any schedule state. A failed transfer
	// leaves the schedule untouched and retryable.
	if err := l.bank.TransferFrom(ctx, schedule.Token, schedule.Creator, schedule.Recipient, schedule.Amount); err != nil {
		l.logger.Warn("Transfer failed during execution",
			zap.String("id", id),
			zap.String("creator", schedule.Creator),
			zap.Int64("amount", schedule.Amount),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := l.clock()
	schedule.ExecutionCount++
	schedule.LastExecuted = &now
	schedule.UpdatedAt = now

	completed := schedule.CompletesAfterExecution()
	if completed {
		schedule.Status = model.ScheduleStatusCompleted
	}

	l.persist(ctx, schedule)

	receipt := &ExecutionReceipt{
		ScheduleID:     schedule.ID,
		Amount:         schedule.Amount,
		ExecutedAt:     now,
		ExecutionCount: schedule.ExecutionCount,
		Completed:      completed,
	}

	if l.events != nil {
		l.events.ScheduleExecuted(model.ScheduleExecuted{
			ID:             schedule.ID,
			Amount:         schedule.Amount,
			Timestamp:      now,
			ExecutionCount: schedule.ExecutionCount,
		})
		if completed {
			l.events.ScheduleCompleted(model.ScheduleCompleted{
				ID:        schedule.ID,
				Timestamp: now,
			})
		}
	}

	l.logger.Info("Schedule executed",
		zap.String("id", schedule.ID),
		zap.String("keeper", keeperID),
		zap.Int64("amount", schedule.Amount),
		zap.Int("execution_count", schedule.ExecutionCount),
		zap.Bool("completed", completed))

	return receipt, nil
}

// PauseSchedule moves an active schedule to paused. Creator only.
func (l *Ledger) PauseSchedule(ctx context.Context, caller, id string) error {
	return l.transition(ctx, caller, id, model.ScheduleStatusActive, model.ScheduleStatusPaused)
}

// ResumeSchedule moves a paused schedule back to active. Creator only.
func (l *Ledger) ResumeSchedule(ctx context.Context, caller, id string) error {
	return l.transition(ctx, caller, id, model.ScheduleStatusPaused, model.ScheduleStatusActive)
}

func (l *Ledger) transition(ctx context.Context, caller, id string, from, to model.ScheduleStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	schedule, ok := l.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if schedule.Creator != caller {
		return fmt.Errorf("%w: %s", ErrNotCreator, caller)
	}
	if schedule.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, schedule.Status)
	}
	if schedule.Status != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, schedule.Status)
	}

	schedule.Status = to
	schedule.UpdatedAt = l.clock()
	l.persist(ctx, schedule)

	l.logger.Info("Schedule status changed",
		zap.String("id", id),
		zap.String("status", string(to)))

	return nil
}

// CancelSchedule moves an active or paused schedule to the terminal
// cancelled state. Creator only.
func (l *Ledger) CancelSchedule(ctx context.Context, caller, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	schedule, ok := l.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if schedule.Creator != caller {
		return fmt.Errorf("%w: %s", ErrNotCreator, caller)
	}
	if schedule.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, schedule.Status)
	}

	schedule.Status = model.ScheduleStatusCancelled
	schedule.UpdatedAt = l.clock()
	l.persist(ctx, schedule)

	l.logger.Info("Schedule cancelled", zap.String("id", id))

	return nil
}

// GetSchedule returns a copy of the schedule record.
func (l *Ledger) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	schedule, ok := l.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return schedule.Clone(), nil
}

// GetUserSchedules returns all schedules created by one identity.
func (l *Ledger) GetUserSchedules(ctx context.Context, creator string) ([]*model.Schedule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var schedules []*model.Schedule
	for _, schedule := range l.schedules {
		if schedule.Creator == creator {
			schedules = append(schedules, schedule.Clone())
		}
	}
	return schedules, nil
}

// GetActiveSchedules returns the ids of all currently active schedules.
func (l *Ledger) GetActiveSchedules(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, schedule := range l.schedules {
		if schedule.Status == model.ScheduleStatusActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// EstimateExecution returns the expected resource cost of executing the
// schedule. Keepers use this to budget calls; on error they fall back to a
// fixed conservative budget.
func (l *Ledger) EstimateExecution(ctx context.Context, id string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	schedule, ok := l.schedules[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if schedule.Status.Terminal() {
		return 0, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, schedule.Status)
	}
	return baseExecutionCost + transferUnitCost, nil
}

// IsKeeper reports whether the identity is an authorized keeper.
func (l *Ledger) IsKeeper(ctx context.Context, keeperID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.keepers[keeperID]
	return ok, nil
}

// AddKeeper registers a new authorized keeper. Admin only.
func (l *Ledger) AddKeeper(ctx context.Context, caller, keeperID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}

	l.keepers[keeperID] = struct{}{}
	l.logger.Info("Keeper authorized", zap.String("keeper", keeperID))
	return nil
}

// persist writes the record through to storage. A persistence failure is
// logged but does not roll back the in-memory authority.
func (l *Ledger) persist(ctx context.Context, schedule *model.Schedule) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, schedule.Clone()); err != nil {
		l.logger.Error("Failed to persist schedule",
			zap.String("id", schedule.ID),
			zap.Error(err))
	}
}
