package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id INTEGER PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0,
			total_deposited INTEGER NOT NULL DEFAULT 0,
			total_withdrawn INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			product TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 0,
			months INTEGER NOT NULL DEFAULT 0,
			price INTEGER NOT NULL,
			status TEXT NOT NULL,
			external_tx_id TEXT NOT NULL DEFAULT '',
			settle_address TEXT NOT NULL DEFAULT '',
			settle_amount INTEGER NOT NULL DEFAULT 0,
			settle_payload TEXT NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL DEFAULT '',
			idem_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_user_id ON purchases(user_id)`,
		// One in-flight purchase per logical request. Failed rows are excluded
		// so a retry after compensation can reuse the same key.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_idem_pending
			ON purchases(idem_key) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_idem ON purchases(idem_key, created_at)`,

		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_id ON ledger_transactions(user_id)`,

		`CREATE TABLE IF NOT EXISTS credential_sets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cookies TEXT NOT NULL,
			captured_at INTEGER NOT NULL,
			last_validated_at INTEGER NOT NULL,
			user_lookup_ok INTEGER NOT NULL DEFAULT 0,
			price_lookup_ok INTEGER NOT NULL DEFAULT 0,
			premium_lookup_ok INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS credential_refresh_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			user_lookup_ok INTEGER NOT NULL DEFAULT 0,
			price_lookup_ok INTEGER NOT NULL DEFAULT 0,
			premium_lookup_ok INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// --- Wallets ---

// GetOrCreateWallet returns the user's wallet, creating an empty one if absent.
func (s *Storage) GetOrCreateWallet(ctx context.Context, userID int64) (*Wallet, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO wallets (user_id, created_at, updated_at) VALUES (?, ?, ?)`,
		userID, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetWallet(ctx, userID)
}

// GetWallet returns a wallet by user ID
func (s *Storage) GetWallet(ctx context.Context, userID int64) (*Wallet, error) {
	var w Wallet
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, balance, total_deposited, total_withdrawn, status, created_at, updated_at
		 FROM wallets WHERE user_id = ?`,
		userID,
	).Scan(&w.UserID, &w.Balance, &w.TotalDeposited, &w.TotalWithdrawn, &w.Status, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)
	return &w, nil
}

// DebitWallet atomically decrements the balance if it covers amount.
// Returns false with no mutation when funds are insufficient or the
// wallet is not active.
func (s *Storage) DebitWallet(ctx context.Context, userID, amount int64) (bool, error) {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE wallets
		 SET balance = balance - ?, total_withdrawn = total_withdrawn + ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ? AND status = 'active'`,
		amount, amount, now, userID, amount,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CreditWallet unconditionally increases the balance. When deposit is true
// the credit also counts toward total_deposited.
func (s *Storage) CreditWallet(ctx context.Context, userID, amount int64, deposit bool) error {
	now := time.Now().Unix()

	query := `UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE user_id = ?`
	if deposit {
		query = `UPDATE wallets
			 SET balance = balance + ?, total_deposited = total_deposited + ?, updated_at = ?
			 WHERE user_id = ?`
		result, err := s.db.ExecContext(ctx, query, amount, amount, now, userID)
		if err != nil {
			return err
		}
		return checkAffected(result)
	}

	result, err := s.db.ExecContext(ctx, query, amount, now, userID)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetWalletStatus moves a wallet between active/suspended/closed.
func (s *Storage) SetWalletStatus(ctx context.Context, userID int64, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET status = ?, updated_at = ? WHERE user_id = ?`,
		status, time.Now().Unix(), userID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Ledger transactions ---

// RecordTransaction appends one immutable ledger row.
func (s *Storage) RecordTransaction(ctx context.Context, tx *LedgerTransaction) error {
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, user_id, type, amount, status, payment_method, description, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Status, tx.PaymentMethod, tx.Description, tx.Metadata, tx.CreatedAt.Unix(),
	)
	return err
}

// ListTransactions returns the most recent ledger rows for a user.
func (s *Storage) ListTransactions(ctx context.Context, userID int64, limit int) ([]LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, status, payment_method, description, metadata, created_at
		 FROM ledger_transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []LedgerTransaction
	for rows.Next() {
		var tx LedgerTransaction
		var createdAt int64
		err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Status, &tx.PaymentMethod, &tx.Description, &tx.Metadata, &createdAt)
		if err != nil {
			return nil, err
		}
		tx.CreatedAt = time.Unix(createdAt, 0)
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}
