package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// honeypotRepo implements HoneypotRepository.
type honeypotRepo struct {
	db *DB
}

// NewHoneypotRepository creates a new HoneypotRepository.
func NewHoneypotRepository(db *DB) HoneypotRepository {
	return &honeypotRepo{db: db}
}

// Add upserts a honeypot subnet. A later Add extends or clears the expiry.
func (r *honeypotRepo) Add(ctx context.Context, entry *models.HoneypotEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = NowMillis()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO honeypot_ips (subnet, reason, expires_at, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subnet) DO UPDATE SET
		   reason = excluded.reason,
		   expires_at = excluded.expires_at`,
		entry.Subnet, entry.Reason, entry.ExpiresAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting honeypot entry: %w", err)
	}
	return nil
}

// Contains reports whether the subnet has a live honeypot entry.
func (r *honeypotRepo) Contains(ctx context.Context, subnet string, nowMs int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM honeypot_ips
		 WHERE subnet = ? AND (expires_at IS NULL OR expires_at > ?)`,
		subnet, nowMs).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying honeypot: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired removes entries whose expiry has passed.
func (r *honeypotRepo) PurgeExpired(ctx context.Context, nowMs int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM honeypot_ips WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("purging honeypot entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting purge count: %w", err)
	}
	return n, nil
}
