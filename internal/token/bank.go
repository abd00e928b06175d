package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrInsufficientBalance is returned when the owner's balance cannot cover a transfer
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance is returned when the spender's allowance cannot cover a transfer
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrInvalidAmount is returned for non-positive amounts
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Bank is an in-process allowance-based token store implementing the
// pull-payment model: a spender may move funds out of an owner's balance only
// up to the allowance the owner granted it beforehand.
type Bank struct {
	logger *zap.Logger
	mu     sync.RWMutex

	// balances[token][owner]
	balances map[string]map[string]int64

	// allowances[token][owner][spender]
	allowances map[string]map[string]map[string]int64

	// Spender identity on whose behalf TransferFrom is performed.
	spender string
}

// NewBank creates a new token bank. The spender identity is the party the
// allowances are checked against on TransferFrom, typically the ledger.
func NewBank(spender string, logger *zap.Logger) *Bank {
	return &Bank{
		logger:     logger.Named("token-bank"),
		balances:   make(map[string]map[string]int64),
		allowances: make(map[string]map[string]map[string]int64),
		spender:    spender,
	}
}

// Mint credits an owner's balance. Used for seeding demo and test funds.
func (b *Bank) Mint(ctx context.Context, token, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.balances[token] == nil {
		b.balances[token] = make(map[string]int64)
	}
	b.balances[token][owner] += amount
	return nil
}

// Approve sets the spender's allowance over the owner's balance.
func (b *Bank) Approve(ctx context.Context, token, owner string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allowances[token] == nil {
		b.allowances[token] = make(map[string]map[string]int64)
	}
	if b.allowances[token][owner] == nil {
		b.allowances[token][owner] = make(map[string]int64)
	}
	b.allowances[token][owner][b.spender] = amount

	b.logger.Debug("Allowance approved",
		zap.String("token", token),
		zap.String("owner", owner),
		zap.Int64("amount", amount))

	return nil
}

// BalanceOf returns the owner's balance for a token.
func (b *Bank) BalanceOf(ctx context.Context, token, owner string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.balances[token][owner], nil
}

// Allowance returns how much the spender may pull from the owner.
func (b *Bank) Allowance(ctx context.Context, token, owner, spender string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.allowances[token] == nil || b.allowances[token][owner] == nil {
		return 0, nil
	}
	return b.allowances[token][owner][spender], nil
}

// TransferFrom moves amount from owner to recipient, debiting both the
// owner's balance and the spender's allowance atomically. Either both checks
// pass and both debits happen, or nothing changes.
func (b *Bank) TransferFrom(ctx context.Context, token, owner, recipient string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.balances[token][owner]
	if balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amount)
	}

	var allowance int64
	if b.allowances[token] != nil && b.allowances[token][owner] != nil {
		allowance = b.allowances[token][owner][b.spender]
	}
	if allowance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientAllowance, allowance, amount)
	}

	b.balances[token][owner] -= amount
	b.balances[token][recipient] += amount
	b.allowances[token][owner][b.spender] -= amount

	b.logger.Debug("Transfer completed",
		zap.String("token", token),
		zap.String("owner", owner),
		zap.String("recipient", recipient),
		zap.Int64("amount", amount))

	return nil
}
