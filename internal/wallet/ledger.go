package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nullpaw/fragment-shop/internal/storage"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Ledger owns users' spendable balances. Debits are conditional single-row
// updates; HasSufficientBalance is a point-in-time check, never a reservation.
type Ledger struct {
	store *storage.Storage
	log   *slog.Logger
}

// NewLedger creates a new wallet ledger
func NewLedger(store *storage.Storage, log *slog.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

// GetOrCreate returns the user's wallet, creating one with zero balances on
// first reference.
func (l *Ledger) GetOrCreate(ctx context.Context, userID int64) (*storage.Wallet, error) {
	return l.store.GetOrCreateWallet(ctx, userID)
}

// HasSufficientBalance reports whether the balance covers amount right now.
func (l *Ledger) HasSufficientBalance(ctx context.Context, userID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return w.Status == storage.WalletActive && w.Balance >= amount, nil
}

// Debit conditionally withdraws amount. Returns false with no mutation when
// the balance does not cover it; this is a business outcome, not an error.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	ok, err := l.store.DebitWallet(ctx, userID, amount)
	if err != nil {
		l.log.Error("debit wallet", "user_id", userID, "amount", amount, "error", err)
		return false, err
	}
	return ok, nil
}

// Credit unconditionally increases the balance. Idempotency is the caller's
// responsibility.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.CreditWallet(ctx, userID, amount, false); err != nil {
		l.log.Error("credit wallet", "user_id", userID, "amount", amount, "error", err)
		return err
	}
	return nil
}

// Deposit credits external funds and appends the charge ledger row.
func (l *Ledger) Deposit(ctx context.Context, userID, amount int64, method string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.store.GetOrCreateWallet(ctx, userID); err != nil {
		return err
	}
	if err := l.store.CreditWallet(ctx, userID, amount, true); err != nil {
		l.log.Error("deposit", "user_id", userID, "amount", amount, "error", err)
		return err
	}

	tx := &storage.LedgerTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          storage.TxCharge,
		Amount:        amount,
		Status:        "completed",
		PaymentMethod: method,
		Description:   fmt.Sprintf("deposit via %s", method),
	}
	if err := l.store.RecordTransaction(ctx, tx); err != nil {
		l.log.Error("record deposit transaction", "user_id", userID, "amount", amount, "error", err)
		return err
	}

	l.log.Info("deposit credited", "user_id", userID, "amount", amount, "method", method)
	return nil
}

// Balance returns the current spendable balance.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}
