package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// --- Purchases ---

// CreatePendingPurchase inserts the purchase row and its debit ledger row in
// one local transaction. Returns ErrAlreadyExists when another pending
// purchase holds the same idempotency key.
func (s *Storage) CreatePendingPurchase(ctx context.Context, p *Purchase, ledgerTx *LedgerTransaction) error {
	now := time.Now()
	p.Status = PurchasePending
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO purchases (id, user_id, product, recipient, country, phone_number, quantity, months,
			price, status, idem_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Product, p.Recipient, p.Country, p.PhoneNumber, p.Quantity, p.Months,
		p.Price, p.Status, p.IdemKey, now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	if ledgerTx != nil {
		ledgerTx.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_transactions (id, user_id, type, amount, status, payment_method, description, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ledgerTx.ID, ledgerTx.UserID, ledgerTx.Type, ledgerTx.Amount, ledgerTx.Status,
			ledgerTx.PaymentMethod, ledgerTx.Description, ledgerTx.Metadata, now.Unix(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetPurchase returns a purchase by ID
func (s *Storage) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	return s.scanPurchase(s.db.QueryRowContext(ctx, purchaseSelect+` WHERE id = ?`, id))
}

// FindPurchaseByIdemKey returns the most recent non-failed purchase with the
// given idempotency key, or ErrNotFound.
func (s *Storage) FindPurchaseByIdemKey(ctx context.Context, key string) (*Purchase, error) {
	return s.scanPurchase(s.db.QueryRowContext(ctx,
		purchaseSelect+` WHERE idem_key = ? AND status != 'failed' ORDER BY created_at DESC LIMIT 1`,
		key,
	))
}

// CompletePurchase transitions pending -> completed and records the
// settlement instruction fields for audit.
func (s *Storage) CompletePurchase(ctx context.Context, id, externalTxID, settleAddress string, settleAmount int64, settlePayload string) error {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases
		 SET status = 'completed', external_tx_id = ?, settle_address = ?, settle_amount = ?, settle_payload = ?,
			completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		externalTxID, settleAddress, settleAmount, settlePayload, now, now, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// FailAndRefundPurchase transitions pending -> failed and credits the debit
// back to the wallet, with a refund ledger row, in one local transaction.
// The status transition is the refund guard: returns false with no mutation
// when the purchase is already terminal, so a replayed compensation cannot
// double-credit.
func (s *Storage) FailAndRefundPurchase(ctx context.Context, id, reason string, refundTx *LedgerTransaction) (bool, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var userID, price int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, price FROM purchases WHERE id = ?`, id,
	).Scan(&userID, &price)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE purchases SET status = 'failed', fail_reason = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		reason, now.Unix(), id,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Already completed or already refunded.
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
		price, now.Unix(), userID,
	)
	if err != nil {
		return false, err
	}

	if refundTx != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_transactions (id, user_id, type, amount, status, payment_method, description, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			refundTx.ID, userID, TxRefund, price, refundTx.Status,
			refundTx.PaymentMethod, refundTx.Description, refundTx.Metadata, now.Unix(),
		)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

const purchaseSelect = `SELECT id, user_id, product, recipient, country, phone_number, quantity, months,
	price, status, external_tx_id, settle_address, settle_amount, settle_payload, fail_reason, idem_key,
	created_at, updated_at, completed_at
	FROM purchases`

func (s *Storage) scanPurchase(row *sql.Row) (*Purchase, error) {
	var p Purchase
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&p.ID, &p.UserID, &p.Product, &p.Recipient, &p.Country, &p.PhoneNumber,
		&p.Quantity, &p.Months, &p.Price, &p.Status, &p.ExternalTxID, &p.SettleAddress,
		&p.SettleAmount, &p.SettlePayload, &p.FailReason, &p.IdemKey,
		&createdAt, &updatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		p.CompletedAt = &t
	}

	return &p, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
