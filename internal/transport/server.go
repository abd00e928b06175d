package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/ledger"
	"github.com/t77yq/payflow/internal/model"
)

// Request payloads shared by the server and the client.

type createRequest struct {
	Creator string              `json:"creator"`
	Params  ledger.CreateParams `json:"params"`
}

type callerRequest struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type idRequest struct {
	ID string `json:"id"`
}

type creatorRequest struct {
	Creator string `json:"creator"`
}

type keeperRequest struct {
	KeeperID string `json:"keeper_id"`
}

type tokenRequest struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Spender string `json:"spender,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
}

// LedgerService is the full operation surface the server exposes over NATS.
// Implemented by *ledger.Ledger.
type LedgerService interface {
	CreateSchedule(ctx context.Context, creator string, params ledger.CreateParams) (*model.Schedule, error)
	PauseSchedule(ctx context.Context, caller, id string) error
	ResumeSchedule(ctx context.Context, caller, id string) error
	CancelSchedule(ctx context.Context, caller, id string) error
	ExecuteSchedule(ctx context.Context, keeperID, id string) (*ledger.ExecutionReceipt, error)
	IsScheduleReady(ctx context.Context, id string) (bool, error)
	EstimateExecution(ctx context.Context, id string) (int64, error)
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	GetUserSchedules(ctx context.Context, creator string) ([]*model.Schedule, error)
	GetActiveSchedules(ctx context.Context) ([]string, error)
	IsKeeper(ctx context.Context, keeperID string) (bool, error)
}

// TokenService is the slice of the token capability exposed over NATS:
// balance and allowance reads plus allowance grants. TransferFrom is
// deliberately not exposed; only the ledger itself may pull funds.
type TokenService interface {
	BalanceOf(ctx context.Context, token, owner string) (int64, error)
	Allowance(ctx context.Context, token, owner, spender string) (int64, error)
	Approve(ctx context.Context, token, owner string, amount int64) error
}

// LedgerServer exposes the ledger's operations over NATS request/reply.
type LedgerServer struct {
	logger *zap.Logger
	nc     *nats.Conn
	ledger LedgerService
	bank   TokenService
	subs   []*nats.Subscription
}

// NewLedgerServer creates a new ledger transport server. The bank may be
// nil, in which case token subjects are not served.
func NewLedgerServer(nc *nats.Conn, service LedgerService, bank TokenService, logger *zap.Logger) *LedgerServer {
	return &LedgerServer{
		logger: logger.Named("ledger-server"),
		nc:     nc,
		ledger: service,
		bank:   bank,
	}
}

// Start subscribes to all ledger operation subjects.
func (s *LedgerServer) Start(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		subjectCreate:      s.handleCreate(ctx),
		subjectPause:       s.handleTransition(ctx, s.ledger.PauseSchedule),
		subjectResume:      s.handleTransition(ctx, s.ledger.ResumeSchedule),
		subjectCancel:      s.handleTransition(ctx, s.ledger.CancelSchedule),
		subjectExecute:     s.handleExecute(ctx),
		subjectReady:       s.handleReady(ctx),
		subjectEstimate:    s.handleEstimate(ctx),
		subjectGet:         s.handleGet(ctx),
		subjectUserList:    s.handleUserList(ctx),
		subjectActiveList:  s.handleActiveList(ctx),
		subjectKeeperCheck: s.handleKeeperCheck(ctx),
	}

	if s.bank != nil {
		handlers[subjectTokenBalance] = s.handleTokenBalance(ctx)
		handlers[subjectTokenAllowance] = s.handleTokenAllowance(ctx)
		handlers[subjectTokenApprove] = s.handleTokenApprove(ctx)
	}

	for subject, handler := range handlers {
		sub, err := s.nc.Subscribe(subject, handler)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Ledger server started", zap.Int("subjects", len(handlers)))
	return nil
}

// Stop unsubscribes from all operation subjects.
func (s *LedgerServer) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.logger.Info("Ledger server stopped")
}

func (s *LedgerServer) handleCreate(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req createRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed create request: %w", err))
			return
		}

		schedule, err := s.ledger.CreateSchedule(ctx, req.Creator, req.Params)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, schedule)
	}
}

func (s *LedgerServer) handleTransition(ctx context.Context, op func(context.Context, string, string) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req callerRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed request: %w", err))
			return
		}

		if err := op(ctx, req.Caller, req.ID); err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, nil)
	}
}

func (s *LedgerServer) handleExecute(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req callerRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed execute request: %w", err))
			return
		}

		receipt, err := s.ledger.ExecuteSchedule(ctx, req.Caller, req.ID)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, receipt)
	}
}

func (s *LedgerServer) handleReady(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req idRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed readiness request: %w", err))
			return
		}

		ready, err := s.ledger.IsScheduleReady(ctx, req.ID)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, ready)
	}
}

func (s *LedgerServer) handleEstimate(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req idRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed estimate request: %w", err))
			return
		}

		estimate, err := s.ledger.EstimateExecution(ctx, req.ID)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, estimate)
	}
}

func (s *LedgerServer) handleGet(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req idRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed get request: %w", err))
			return
		}

		schedule, err := s.ledger.GetSchedule(ctx, req.ID)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, schedule)
	}
}

func (s *LedgerServer) handleUserList(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req creatorRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed list request: %w", err))
			return
		}

		schedules, err := s.ledger.GetUserSchedules(ctx, req.Creator)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, schedules)
	}
}

func (s *LedgerServer) handleActiveList(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ids, err := s.ledger.GetActiveSchedules(ctx)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, ids)
	}
}

func (s *LedgerServer) handleKeeperCheck(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req keeperRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed keeper check: %w", err))
			return
		}

		authorized, err := s.ledger.IsKeeper(ctx, req.KeeperID)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, authorized)
	}
}

func (s *LedgerServer) handleTokenBalance(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req tokenRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed balance request: %w", err))
			return
		}

		balance, err := s.bank.BalanceOf(ctx, req.Token, req.Owner)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, balance)
	}
}

func (s *LedgerServer) handleTokenAllowance(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req tokenRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed allowance request: %w", err))
			return
		}

		allowance, err := s.bank.Allowance(ctx, req.Token, req.Owner, req.Spender)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, allowance)
	}
}

func (s *LedgerServer) handleTokenApprove(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req tokenRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, fmt.Errorf("malformed approve request: %w", err))
			return
		}

		if err := s.bank.Approve(ctx, req.Token, req.Owner, req.Amount); err != nil {
			s.replyError(msg, err)
			return
		}
		s.replyData(msg, nil)
	}
}

func (s *LedgerServer) replyData(msg *nats.Msg, data interface{}) {
	receipt, err := successReceipt(data)
	if err != nil {
		s.logger.Error("Failed to marshal receipt data", zap.Error(err))
		receipt = failureReceipt(fmt.Errorf("internal encoding error"))
	}
	s.reply(msg, receipt)
}

func (s *LedgerServer) replyError(msg *nats.Msg, err error) {
	s.reply(msg, failureReceipt(err))
}

func (s *LedgerServer) reply(msg *nats.Msg, receipt Receipt) {
	data, err := json.Marshal(receipt)
	if err != nil {
		s.logger.Error("Failed to marshal receipt", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send reply",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}
