package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrChainBalance means the settlement account cannot cover the
	// instruction; this is an operational condition, not an upstream
	// rejection.
	ErrChainBalance = errors.New("settlement wallet balance too low")

	// ErrNotConfigured means no settlement wallet seed was provided.
	ErrNotConfigured = errors.New("settlement wallet not configured")
)

// Instruction is one value transfer the marketplace expects before it
// fulfills. Amount is in nanoTON; Payload is an opaque marketplace tag.
type Instruction struct {
	Address string
	Amount  int64
	Payload string
}

// ChainWallet submits value transfers from the pre-provisioned settlement
// account and reports its spendable balance.
type ChainWallet interface {
	Balance(ctx context.Context) (int64, error)
	Send(ctx context.Context, to string, amount int64, payload string) error
}

// Confirmer checks balance sufficiency and submits the settlement transfer.
// Submission success, not chain finality, is what callers treat as settled;
// the marketplace reconciles against its own ledger.
type Confirmer struct {
	chain      ChainWallet
	feeReserve int64
	log        *slog.Logger
}

// NewConfirmer creates a new settlement confirmer
func NewConfirmer(chain ChainWallet, feeReserve int64, log *slog.Logger) *Confirmer {
	return &Confirmer{chain: chain, feeReserve: feeReserve, log: log}
}

// Confirm submits the transfer described by instr.
func (c *Confirmer) Confirm(ctx context.Context, instr Instruction) error {
	balance, err := c.chain.Balance(ctx)
	if err != nil {
		return fmt.Errorf("query settlement balance: %w", err)
	}

	if balance < instr.Amount+c.feeReserve {
		c.log.Error("settlement balance too low",
			"balance", balance,
			"required", instr.Amount+c.feeReserve,
		)
		return fmt.Errorf("%w: have %d, need %d", ErrChainBalance, balance, instr.Amount+c.feeReserve)
	}

	if err := c.chain.Send(ctx, instr.Address, instr.Amount, instr.Payload); err != nil {
		return fmt.Errorf("submit settlement transfer: %w", err)
	}

	c.log.Info("settlement transfer submitted",
		"address", instr.Address,
		"amount", instr.Amount,
	)
	return nil
}

// Disabled is a ChainWallet used when no seed is configured; every call
// fails with ErrNotConfigured.
type Disabled struct{}

func (Disabled) Balance(ctx context.Context) (int64, error) { return 0, ErrNotConfigured }

func (Disabled) Send(ctx context.Context, to string, amount int64, payload string) error {
	return ErrNotConfigured
}
