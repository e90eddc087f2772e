package storage

import (
	"context"
	"database/sql"
	"time"
)

// --- Credential sets ---

// ActivateCredentialSet inserts the new set as current and deactivates the
// previous one in a single transaction, so request-path readers never see
// zero or two active sets. Superseded rows are kept for audit.
func (s *Storage) ActivateCredentialSet(ctx context.Context, set *CredentialSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE credential_sets SET is_active = 0 WHERE is_active = 1`); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO credential_sets (cookies, captured_at, last_validated_at,
			user_lookup_ok, price_lookup_ok, premium_lookup_ok, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		set.Cookies, set.CapturedAt.Unix(), set.LastValidatedAt.Unix(),
		set.UserLookupOK, set.PriceLookupOK, set.PremiumLookupOK,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	set.ID = id
	set.IsActive = true

	return tx.Commit()
}

// CurrentCredentialSet returns the active set, or ErrNotFound when no refresh
// cycle has succeeded yet.
func (s *Storage) CurrentCredentialSet(ctx context.Context) (*CredentialSet, error) {
	var set CredentialSet
	var capturedAt, validatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, cookies, captured_at, last_validated_at,
			user_lookup_ok, price_lookup_ok, premium_lookup_ok, is_active
		 FROM credential_sets WHERE is_active = 1`,
	).Scan(&set.ID, &set.Cookies, &capturedAt, &validatedAt,
		&set.UserLookupOK, &set.PriceLookupOK, &set.PremiumLookupOK, &set.IsActive)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	set.CapturedAt = time.Unix(capturedAt, 0)
	set.LastValidatedAt = time.Unix(validatedAt, 0)
	return &set, nil
}

// --- Refresh log ---

// AppendRefreshLog records the outcome of one refresh cycle.
func (s *Storage) AppendRefreshLog(ctx context.Context, entry *RefreshLogEntry) error {
	entry.CreatedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_refresh_log (status, user_lookup_ok, price_lookup_ok, premium_lookup_ok, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Status, entry.UserLookupOK, entry.PriceLookupOK, entry.PremiumLookupOK,
		entry.Error, entry.DurationMS, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// RecentRefreshLog returns the most recent refresh log entries, newest first.
func (s *Storage) RecentRefreshLog(ctx context.Context, limit int) ([]RefreshLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, user_lookup_ok, price_lookup_ok, premium_lookup_ok, error, duration_ms, created_at
		 FROM credential_refresh_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RefreshLogEntry
	for rows.Next() {
		var e RefreshLogEntry
		var createdAt int64
		err := rows.Scan(&e.ID, &e.Status, &e.UserLookupOK, &e.PriceLookupOK, &e.PremiumLookupOK,
			&e.Error, &e.DurationMS, &createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
