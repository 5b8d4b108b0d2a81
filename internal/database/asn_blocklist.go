package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// asnBlocklistRepo implements AsnBlocklistRepository.
type asnBlocklistRepo struct {
	db *DB
}

// NewAsnBlocklistRepository creates a new AsnBlocklistRepository.
func NewAsnBlocklistRepository(db *DB) AsnBlocklistRepository {
	return &asnBlocklistRepo{db: db}
}

// Contains reports whether the ASN is blocklisted.
func (r *asnBlocklistRepo) Contains(ctx context.Context, asn int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asn_blocklist WHERE asn = ?`, asn).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying asn blocklist: %w", err)
	}
	return n > 0, nil
}

// Add upserts a blocklist entry.
func (r *asnBlocklistRepo) Add(ctx context.Context, entry *models.AsnBlocklistEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = NowMillis()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO asn_blocklist (asn, provider, category, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(asn) DO UPDATE SET
		   provider = excluded.provider,
		   category = excluded.category,
		   reason = excluded.reason`,
		entry.ASN, entry.Provider, entry.Category, entry.Reason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting asn blocklist entry: %w", err)
	}
	return nil
}

// List returns all blocklist entries.
func (r *asnBlocklistRepo) List(ctx context.Context) ([]models.AsnBlocklistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT asn, provider, category, reason, created_at FROM asn_blocklist ORDER BY asn`)
	if err != nil {
		return nil, fmt.Errorf("listing asn blocklist: %w", err)
	}
	defer rows.Close()

	var out []models.AsnBlocklistEntry
	for rows.Next() {
		var e models.AsnBlocklistEntry
		if err := rows.Scan(&e.ASN, &e.Provider, &e.Category, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning asn blocklist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
