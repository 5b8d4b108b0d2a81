package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// whitelistRepo implements WhitelistRepository.
type whitelistRepo struct {
	db *DB
}

// NewWhitelistRepository creates a new WhitelistRepository.
func NewWhitelistRepository(db *DB) WhitelistRepository {
	return &whitelistRepo{db: db}
}

// Contains reports whether the (type, value) pair is whitelisted.
func (r *whitelistRepo) Contains(ctx context.Context, entryType, value string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fraud_whitelist WHERE type = ? AND value = ?`,
		entryType, value).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying whitelist: %w", err)
	}
	return n > 0, nil
}

// Add inserts a whitelist entry.
func (r *whitelistRepo) Add(ctx context.Context, entry *models.WhitelistEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = NowMillis()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO fraud_whitelist (type, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(type, value) DO NOTHING`,
		entry.Type, entry.Value, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting whitelist entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// Delete removes a whitelist entry.
func (r *whitelistRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM fraud_whitelist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting whitelist entry: %w", err)
	}
	return nil
}

// List returns all whitelist entries.
func (r *whitelistRepo) List(ctx context.Context) ([]models.WhitelistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, value, created_at FROM fraud_whitelist ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing whitelist: %w", err)
	}
	defer rows.Close()

	var out []models.WhitelistEntry
	for rows.Next() {
		var e models.WhitelistEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Value, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning whitelist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
