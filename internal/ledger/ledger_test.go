package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/model"
	"github.com/t77yq/payflow/internal/token"
)

// fakeClock gives tests full control over the ledger's notion of now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder captures emitted events for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	created   []model.ScheduleCreated
	executed  []model.ScheduleExecuted
	completed []model.ScheduleCompleted
}

func (r *eventRecorder) ScheduleCreated(e model.ScheduleCreated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, e)
}

func (r *eventRecorder) ScheduleExecuted(e model.ScheduleExecuted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, e)
}

func (r *eventRecorder) ScheduleCompleted(e model.ScheduleCompleted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, e)
}

const (
	testToken  = "USDC"
	testKeeper = "keeper-1"
	alice      = "alice"
	bob        = "bob"
)

func newTestLedger(t *testing.T, events EventPublisher) (*Ledger, *token.Bank, *fakeClock) {
	t.Helper()

	bank := token.NewBank("ledger", zap.NewNop())
	clock := newFakeClock()

	l, err := NewLedger(Config{
		Admin:   "admin",
		Keepers: []string{testKeeper},
	}, bank, nil, events, zap.NewNop())
	require.NoError(t, err)
	l.clock = clock.Now

	return l, bank, clock
}

func fund(t *testing.T, bank *token.Bank, owner string, balance, allowance int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, bank.Mint(ctx, testToken, owner, balance))
	require.NoError(t, bank.Approve(ctx, testToken, owner, allowance))
}

func TestCreateScheduleValidation(t *testing.T) {
	l, _, clock := newTestLedger(t, nil)
	ctx := context.Background()
	start := clock.Now().Add(10 * time.Minute)

	valid := CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  24 * time.Hour,
		StartTime: start,
	}

	tests := []struct {
		name    string
		mutate  func(p CreateParams) CreateParams
		wantErr error
	}{
		{
			name:    "zero amount",
			mutate:  func(p CreateParams) CreateParams { p.Amount = 0; return p },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			mutate:  func(p CreateParams) CreateParams { p.Amount = -5; return p },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "empty recipient",
			mutate:  func(p CreateParams) CreateParams { p.Recipient = "  "; return p },
			wantErr: ErrInvalidRecipient,
		},
		{
			name:    "start time in the past",
			mutate:  func(p CreateParams) CreateParams { p.StartTime = clock.Now().Add(-time.Hour); return p },
			wantErr: ErrStartTimeTooSoon,
		},
		{
			name:    "start time inside the lead buffer",
			mutate:  func(p CreateParams) CreateParams { p.StartTime = clock.Now().Add(10 * time.Second); return p },
			wantErr: ErrStartTimeTooSoon,
		},
		{
			name:    "recurring without interval",
			mutate:  func(p CreateParams) CreateParams { p.Interval = 0; return p },
			wantErr: ErrIntervalMismatch,
		},
		{
			name: "one-time with interval",
			mutate: func(p CreateParams) CreateParams {
				p.Type = model.ScheduleTypeOneTime
				return p
			},
			wantErr: ErrIntervalMismatch,
		},
		{
			name: "end time before start time",
			mutate: func(p CreateParams) CreateParams {
				end := p.StartTime.Add(-time.Hour)
				p.EndTime = &end
				return p
			},
			wantErr: ErrInvalidEndTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.CreateSchedule(ctx, alice, tt.mutate(valid))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// The valid baseline itself goes through.
	schedule, err := l.CreateSchedule(ctx, alice, valid)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, schedule.Status)
	assert.Zero(t, schedule.ExecutionCount)
}

func TestOneTimeLifecycle(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()
	fund(t, bank, alice, 1000, 1000)

	start := clock.Now().Add(5 * time.Minute)
	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:          model.ScheduleTypeOneTime,
		Token:         testToken,
		Recipient:     bob,
		Amount:        100,
		StartTime:     start,
		MaxExecutions: 1,
	})
	require.NoError(t, err)

	// Not ready before the start time.
	ready, err := l.IsScheduleReady(ctx, schedule.ID)
	require.NoError(t, err)
	assert.False(t, ready)

	// Ready exactly at the start time.
	clock.Advance(5 * time.Minute)
	ready, err = l.IsScheduleReady(ctx, schedule.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	receipt, err := l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), receipt.Amount)
	assert.Equal(t, 1, receipt.ExecutionCount)
	assert.True(t, receipt.Completed)

	stored, err := l.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.ExecutionCount)

	// A second attempt fails at any later time.
	clock.Advance(time.Hour)
	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	assert.ErrorIs(t, err, ErrTerminalState)

	balance, _ := bank.BalanceOf(ctx, testToken, bob)
	assert.Equal(t, int64(100), balance)
}

func TestRecurringReadinessWindow(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()
	fund(t, bank, alice, 10000, 10000)

	start := clock.Now().Add(3 * time.Minute)
	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    50,
		Interval:  24 * time.Hour,
		StartTime: start,
	})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	ready, _ := l.IsScheduleReady(ctx, schedule.ID)
	require.True(t, ready)

	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	require.NoError(t, err)

	// Immediately after execution the window is consumed.
	ready, _ = l.IsScheduleReady(ctx, schedule.ID)
	assert.False(t, ready)

	// One interval later it opens again.
	clock.Advance(24 * time.Hour)
	ready, _ = l.IsScheduleReady(ctx, schedule.ID)
	assert.True(t, ready)

	stored, _ := l.GetSchedule(ctx, schedule.ID)
	assert.Equal(t, model.ScheduleStatusActive, stored.Status)
	require.NotNil(t, stored.LastExecuted)
	assert.Equal(t, start, *stored.LastExecuted)
}

func TestPauseSuppressesReadiness(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()
	fund(t, bank, alice, 10000, 10000)

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    50,
		Interval:  time.Hour,
		StartTime: clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	for i := 0; i < 2; i++ {
		_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	require.NoError(t, l.PauseSchedule(ctx, alice, schedule.ID))

	// Paused schedules are never ready, however much time passes.
	clock.Advance(100 * time.Hour)
	ready, _ := l.IsScheduleReady(ctx, schedule.ID)
	assert.False(t, ready)

	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, l.ResumeSchedule(ctx, alice, schedule.ID))
	ready, _ = l.IsScheduleReady(ctx, schedule.ID)
	assert.True(t, ready)
}

func TestBoundedScheduleCompletes(t *testing.T) {
	events := &eventRecorder{}
	l, bank, clock := newTestLedger(t, events)
	ctx := context.Background()
	fund(t, bank, alice, 100000, 100000)

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:          model.ScheduleTypeDCA,
		Token:         testToken,
		Recipient:     bob,
		Amount:        25,
		Interval:      30 * 24 * time.Hour,
		StartTime:     clock.Now().Add(2 * time.Minute),
		MaxExecutions: 12,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	for i := 0; i < 12; i++ {
		receipt, err := l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, receipt.ExecutionCount)
		clock.Advance(30 * 24 * time.Hour)
	}

	stored, _ := l.GetSchedule(ctx, schedule.ID)
	assert.Equal(t, model.ScheduleStatusCompleted, stored.Status)
	assert.Equal(t, 12, stored.ExecutionCount)

	// The 13th attempt fails against the terminal state, not readiness.
	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	assert.ErrorIs(t, err, ErrTerminalState)
	assert.NotErrorIs(t, err, ErrNotReady)

	assert.Len(t, events.executed, 12)
	require.Len(t, events.completed, 1)
	assert.Equal(t, schedule.ID, events.completed[0].ID)
}

func TestExecuteAuthorization(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()
	fund(t, bank, alice, 1000, 1000)

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:          model.ScheduleTypeOneTime,
		Token:         testToken,
		Recipient:     bob,
		Amount:        100,
		StartTime:     clock.Now().Add(2 * time.Minute),
		MaxExecutions: 1,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = l.ExecuteSchedule(ctx, "impostor", schedule.ID)
	assert.ErrorIs(t, err, ErrNotKeeper)

	// Nothing changed.
	stored, _ := l.GetSchedule(ctx, schedule.ID)
	assert.Zero(t, stored.ExecutionCount)
	assert.Equal(t, model.ScheduleStatusActive, stored.Status)
}

func TestLifecycleAuthorization(t *testing.T) {
	l, _, clock := newTestLedger(t, nil)
	ctx := context.Background()

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, l.PauseSchedule(ctx, bob, schedule.ID), ErrNotCreator)
	assert.ErrorIs(t, l.CancelSchedule(ctx, bob, schedule.ID), ErrNotCreator)

	// Resume only applies to paused schedules.
	assert.ErrorIs(t, l.ResumeSchedule(ctx, alice, schedule.ID), ErrInvalidTransition)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	l, _, clock := newTestLedger(t, nil)
	ctx := context.Background()

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, l.CancelSchedule(ctx, alice, schedule.ID))

	assert.ErrorIs(t, l.PauseSchedule(ctx, alice, schedule.ID), ErrTerminalState)
	assert.ErrorIs(t, l.ResumeSchedule(ctx, alice, schedule.ID), ErrTerminalState)
	assert.ErrorIs(t, l.CancelSchedule(ctx, alice, schedule.ID), ErrTerminalState)

	clock.Advance(time.Hour)
	ready, _ := l.IsScheduleReady(ctx, schedule.ID)
	assert.False(t, ready)

	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestTransferFailureLeavesScheduleRetryable(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()

	// Balance but no allowance: the pull transfer must fail.
	require.NoError(t, bank.Mint(ctx, testToken, alice, 1000))

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:          model.ScheduleTypeOneTime,
		Token:         testToken,
		Recipient:     bob,
		Amount:        100,
		StartTime:     clock.Now().Add(2 * time.Minute),
		MaxExecutions: 1,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	require.ErrorIs(t, err, ErrTransferFailed)

	// No state mutated: still active, still ready, nothing counted.
	stored, _ := l.GetSchedule(ctx, schedule.ID)
	assert.Equal(t, model.ScheduleStatusActive, stored.Status)
	assert.Zero(t, stored.ExecutionCount)
	assert.Nil(t, stored.LastExecuted)

	ready, _ := l.IsScheduleReady(ctx, schedule.ID)
	assert.True(t, ready)

	// Once the creator remedies the allowance, the retry succeeds.
	require.NoError(t, bank.Approve(ctx, testToken, alice, 100))
	receipt, err := l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	require.NoError(t, err)
	assert.True(t, receipt.Completed)
}

func TestConcurrentExecutionIsIdempotent(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()
	fund(t, bank, alice, 10000, 10000)

	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	const racers = 8
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, notReady int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ErrNotReady)
			notReady++
		}
	}

	// Exactly one attempt may consume the readiness window.
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, notReady)

	stored, _ := l.GetSchedule(ctx, schedule.ID)
	assert.Equal(t, 1, stored.ExecutionCount)

	balance, _ := bank.BalanceOf(ctx, testToken, bob)
	assert.Equal(t, int64(100), balance, "no double payment")
}

func TestEndTimeCutoff(t *testing.T) {
	l, bank, clock := newTestLedger(t, nil)
	ctx := context.Background()
	fund(t, bank, alice, 10000, 10000)

	start := clock.Now().Add(2 * time.Minute)
	end := start.Add(30 * time.Minute)
	schedule, err := l.CreateSchedule(ctx, alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: start,
		EndTime:   &end,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	ready, _ := l.IsScheduleReady(ctx, schedule.ID)
	assert.True(t, ready)

	// Past the cutoff the schedule never fires again.
	clock.Advance(time.Hour)
	ready, _ = l.IsScheduleReady(ctx, schedule.ID)
	assert.False(t, ready)

	_, err = l.ExecuteSchedule(ctx, testKeeper, schedule.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestKeeperRegistry(t *testing.T) {
	l, _, _ := newTestLedger(t, nil)
	ctx := context.Background()

	ok, err := l.IsKeeper(ctx, testKeeper)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.IsKeeper(ctx, "keeper-2")
	assert.False(t, ok)

	assert.ErrorIs(t, l.AddKeeper(ctx, alice, "keeper-2"), ErrNotAdmin)

	require.NoError(t, l.AddKeeper(ctx, "admin", "keeper-2"))
	ok, _ = l.IsKeeper(ctx, "keeper-2")
	assert.True(t, ok)
}

func TestCreationEventCarriesID(t *testing.T) {
	events := &eventRecorder{}
	l, _, clock := newTestLedger(t, events)

	schedule, err := l.CreateSchedule(context.Background(), alice, CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: clock.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	require.Len(t, events.created, 1)
	assert.Equal(t, schedule.ID, events.created[0].ID)
	assert.Equal(t, alice, events.created[0].Creator)
}

func TestQueries(t *testing.T) {
	l, _, clock := newTestLedger(t, nil)
	ctx := context.Background()

	params := CreateParams{
		Type:      model.ScheduleTypeRecurring,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: clock.Now().Add(2 * time.Minute),
	}

	first, err := l.CreateSchedule(ctx, alice, params)
	require.NoError(t, err)
	second, err := l.CreateSchedule(ctx, alice, params)
	require.NoError(t, err)
	_, err = l.CreateSchedule(ctx, "carol", params)
	require.NoError(t, err)

	mine, err := l.GetUserSchedules(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	require.NoError(t, l.CancelSchedule(ctx, alice, first.ID))

	active, err := l.GetActiveSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.NotContains(t, active, first.ID)
	assert.Contains(t, active, second.ID)

	_, err = l.GetSchedule(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestLoadFromStore(t *testing.T) {
	persisted := &model.Schedule{
		ID:        "restored-1",
		Creator:   alice,
		Type:      model.ScheduleTypeRecurring,
		Status:    model.ScheduleStatusActive,
		Token:     testToken,
		Recipient: bob,
		Amount:    100,
		Interval:  time.Hour,
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	store := &memStore{schedules: map[string]*model.Schedule{persisted.ID: persisted}}

	bank := token.NewBank("ledger", zap.NewNop())
	l, err := NewLedger(Config{Admin: "admin"}, bank, store, nil, zap.NewNop())
	require.NoError(t, err)

	got, err := l.GetSchedule(context.Background(), "restored-1")
	require.NoError(t, err)
	assert.Equal(t, alice, got.Creator)
}

// memStore is an in-memory ScheduleStore for constructor tests.
type memStore struct {
	mu        sync.Mutex
	schedules map[string]*model.Schedule
}

func (s *memStore) Save(ctx context.Context, schedule *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedules == nil {
		s.schedules = make(map[string]*model.Schedule)
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Schedule
	for _, schedule := range s.schedules {
		out = append(out, schedule)
	}
	return out, nil
}
