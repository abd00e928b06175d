package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/ledger"
	"github.com/t77yq/payflow/internal/model"
	"github.com/t77yq/payflow/internal/storage"
)

const (
	// DefaultPollInterval is how often the keeper scans for ready schedules.
	DefaultPollInterval = 60 * time.Second

	// DefaultCallTimeout bounds every ledger round trip so one hung call
	// cannot stall the whole daemon.
	DefaultCallTimeout = 10 * time.Second

	// DefaultFallbackBudget is the conservative resource budget used when
	// cost estimation fails.
	DefaultFallbackBudget = 100000
)

var (
	// ErrNotAuthorized is returned at startup when the keeper identity is
	// not registered with the ledger.
	ErrNotAuthorized = errors.New("keeper is not authorized by the ledger")

	// ErrKeeperFunding is returned when the keeper's own fee balance cannot
	// cover an execution call.
	ErrKeeperFunding = errors.New("keeper fee balance too low")
)

// LedgerAPI is the slice of ledger operations the keeper consumes.
type LedgerAPI interface {
	GetActiveSchedules(ctx context.Context) ([]string, error)
	IsScheduleReady(ctx context.Context, id string) (bool, error)
	EstimateExecution(ctx context.Context, id string) (int64, error)
	ExecuteSchedule(ctx context.Context, keeperID, id string) (*ledger.ExecutionReceipt, error)
	IsKeeper(ctx context.Context, keeperID string) (bool, error)
}

// FeeSource reads the keeper's own balance for the token it pays
// execution costs with.
type FeeSource interface {
	BalanceOf(ctx context.Context, token, owner string) (int64, error)
}

// Config defines configuration for the keeper daemon
type Config struct {
	KeeperID       string
	FeeToken       string
	PollInterval   time.Duration
	CallTimeout    time.Duration
	FallbackBudget int64
}

// Keeper is a long-running, unattended daemon that polls the ledger for
// ready schedules and executes them on the creators' behalf. The poll loop
// is single-threaded and cooperative: schedules within one cycle are handled
// strictly one after another, and a new cycle never starts before the
// previous one has finished.
type Keeper struct {
	logger  *zap.Logger
	config  Config
	ledger  LedgerAPI
	fees    FeeSource
	history storage.ExecutionHistoryStorage
	cron    *cron.Cron

	mu          sync.Mutex
	running     bool
	successes   uint64
	failures    uint64
	cycles      uint64
	lastCycleAt time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewKeeper creates a new keeper daemon. History may be nil.
func NewKeeper(config Config, api LedgerAPI, fees FeeSource, history storage.ExecutionHistoryStorage, logger *zap.Logger) *Keeper {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.FallbackBudget <= 0 {
		config.FallbackBudget = DefaultFallbackBudget
	}

	return &Keeper{
		logger:  logger.Named("keeper"),
		config:  config,
		ledger:  api,
		fees:    fees,
		history: history,
	}
}

// Start verifies the keeper's authorization and funding, then starts the
// poll loop. It refuses to start for an unauthorized identity.
func (k *Keeper) Start(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, k.config.CallTimeout)
	defer cancel()

	authorized, err := k.ledger.IsKeeper(callCtx, k.config.KeeperID)
	if err != nil {
		return fmt.Errorf("failed to query keeper registry: %w", err)
	}
	if !authorized {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, k.config.KeeperID)
	}

	balance, err := k.fees.BalanceOf(callCtx, k.config.FeeToken, k.config.KeeperID)
	if err != nil {
		return fmt.Errorf("failed to read fee balance: %w", err)
	}
	if balance <= 0 {
		return fmt.Errorf("%w: balance %d", ErrKeeperFunding, balance)
	}

	k.logger.Info("Keeper starting",
		zap.String("keeper_id", k.config.KeeperID),
		zap.Int64("fee_balance", balance),
		zap.Duration("poll_interval", k.config.PollInterval))

	logger := &cronLogger{logger: k.logger.Named("cron")}
	k.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	spec := fmt.Sprintf("@every %s", k.config.PollInterval)
	if _, err := k.cron.AddFunc(spec, func() { k.runCycle(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule poll loop: %w", err)
	}

	k.mu.Lock()
	k.running = true
	k.mu.Unlock()

	k.cron.Start()
	return nil
}

// Stop stops the poll loop, waits for an in-flight cycle to finish, and
// logs a final summary.
func (k *Keeper) Stop() {
	if k.cron != nil {
		<-k.cron.Stop().Done()
	}

	k.mu.Lock()
	k.running = false
	successes, failures, cycles := k.successes, k.failures, k.cycles
	k.mu.Unlock()

	k.logger.Info("Keeper stopped",
		zap.Uint64("cycles", cycles),
		zap.Uint64("successes", successes),
		zap.Uint64("failures", failures))
}

// RunCycle runs one poll-detect-execute cycle synchronously. Exposed so the
// poll loop and tests share the same path.
func (k *Keeper) RunCycle(ctx context.Context) {
	k.runCycle(ctx)
}

func (k *Keeper) runCycle(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, k.config.CallTimeout)
	ids, err := k.ledger.GetActiveSchedules(callCtx)
	cancel()
	if err != nil {
		k.logger.Error("Failed to list active schedules", zap.Error(err))
		return
	}

	executed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if k.attemptExecution(ctx, id) {
			executed++
		}
	}

	k.mu.Lock()
	k.cycles++
	k.lastCycleAt = time.Now()
	k.mu.Unlock()

	k.logger.Debug("Poll cycle completed",
		zap.Int("active", len(ids)),
		zap.Int("executed", executed))
}

// attemptExecution handles one schedule within a cycle. Returns true on a
// successful execution. A failed schedule is not retried in-cycle; it is
// simply reconsidered on the next poll.
func (k *Keeper) attemptExecution(ctx context.Context, id string) bool {
	// Local readiness check. The ledger re-verifies atomically at execution
	// time; this only avoids paying for calls doomed to fail.
	callCtx, cancel := context.WithTimeout(ctx, k.config.CallTimeout)
	ready, err := k.ledger.IsScheduleReady(callCtx, id)
	cancel()
	if err != nil {
		k.logger.Warn("Readiness query failed",
			zap.String("schedule_id", id),
			zap.Error(err))
		return false
	}
	if !ready {
		return false
	}

	estimate := k.estimateCost(ctx, id)

	if err := k.checkFunding(ctx, estimate); err != nil {
		k.recordFailure(ctx, id, estimate, err)
		return false
	}

	callCtx, cancel = context.WithTimeout(ctx, k.config.CallTimeout)
	receipt, err := k.ledger.ExecuteSchedule(callCtx, k.config.KeeperID, id)
	cancel()
	if err != nil {
		k.recordFailure(ctx, id, estimate, err)
		return false
	}

	k.mu.Lock()
	k.successes++
	k.mu.Unlock()

	k.record(ctx, &storage.ExecutionAttempt{
		ID:          uuid.New().String(),
		ScheduleID:  id,
		KeeperID:    k.config.KeeperID,
		Success:     true,
		GasEstimate: estimate,
		AttemptedAt: time.Now(),
	})

	k.logger.Info("Schedule executed",
		zap.String("schedule_id", id),
		zap.Int64("amount", receipt.Amount),
		zap.Int("execution_count", receipt.ExecutionCount),
		zap.Bool("completed", receipt.Completed))

	return true
}

// estimateCost asks the ledger for a cost estimate and falls back to the
// fixed conservative budget on any error.
func (k *Keeper) estimateCost(ctx context.Context, id string) int64 {
	callCtx, cancel := context.WithTimeout(ctx, k.config.CallTimeout)
	defer cancel()

	estimate, err := k.ledger.EstimateExecution(callCtx, id)
	if err != nil {
		k.logger.Debug("Cost estimation failed, using fallback budget",
			zap.String("schedule_id", id),
			zap.Int64("fallback", k.config.FallbackBudget),
			zap.Error(err))
		return k.config.FallbackBudget
	}
	return estimate
}

func (k *Keeper) checkFunding(ctx context.Context, estimate int64) error {
	callCtx, cancel := context.WithTimeout(ctx, k.config.CallTimeout)
	defer cancel()

	balance, err := k.fees.BalanceOf(callCtx, k.config.FeeToken, k.config.KeeperID)
	if err != nil {
		return fmt.Errorf("failed to read fee balance: %w", err)
	}
	if balance < estimate {
		return fmt.Errorf("%w: balance %d, estimated cost %d", ErrKeeperFunding, balance, estimate)
	}
	return nil
}

func (k *Keeper) recordFailure(ctx context.Context, id string, estimate int64, err error) {
	kind := Classify(err)

	k.mu.Lock()
	k.failures++
	k.mu.Unlock()

	k.record(ctx, &storage.ExecutionAttempt{
		ID:             uuid.New().String(),
		ScheduleID:     id,
		KeeperID:       k.config.KeeperID,
		Success:        false,
		Classification: string(kind),
		Error:          err.Error(),
		GasEstimate:    estimate,
		AttemptedAt:    time.Now(),
	})

	k.logger.Warn("Execution attempt failed",
		zap.String("schedule_id", id),
		zap.String("classification", string(kind)),
		zap.Error(err))
}

func (k *Keeper) record(ctx context.Context, attempt *storage.ExecutionAttempt) {
	if k.history == nil {
		return
	}
	if err := k.history.Record(ctx, attempt); err != nil {
		k.logger.Error("Failed to record execution attempt",
			zap.String("schedule_id", attempt.ScheduleID),
			zap.Error(err))
	}
}

// Stats returns a snapshot of the keeper's run-state counters.
func (k *Keeper) Stats() model.KeeperStats {
	k.mu.Lock()
	defer k.mu.Unlock()

	return model.KeeperStats{
		KeeperID:        k.config.KeeperID,
		Running:         k.running,
		Successes:       k.successes,
		Failures:        k.failures,
		CyclesCompleted: k.cycles,
		LastCycleAt:     k.lastCycleAt,
	}
}
