package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/otpgate/otpgate/internal/database/models"
)

// cdrRepo implements CdrRepository.
type cdrRepo struct {
	db *DB
}

// NewCdrRepository creates a new CdrRepository.
func NewCdrRepository(db *DB) CdrRepository {
	return &cdrRepo{db: db}
}

// BulkInsert writes a batch of CDRs inside one transaction.
func (r *cdrRepo) BulkInsert(ctx context.Context, records []models.CdrRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cdr insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cdr_records (external_id, source, destination, src_prefix,
		 dst_prefix, duration, billing_duration, rate, price, success,
		 disconnect_code, processed_for_rates, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`)
	if err != nil {
		return fmt.Errorf("preparing cdr insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		if rec.CreatedAt == 0 {
			rec.CreatedAt = NowMillis()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ExternalID, rec.Source, rec.Destination, rec.SrcPrefix, rec.DstPrefix,
			rec.Duration, rec.BillingDuration, rec.Rate, rec.Price, rec.Success,
			rec.DisconnectCode, rec.CreatedAt); err != nil {
			return fmt.Errorf("inserting cdr: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cdr insert: %w", err)
	}
	return nil
}

// ListUnprocessed returns up to limit unprocessed CDRs, oldest first.
func (r *cdrRepo) ListUnprocessed(ctx context.Context, limit int) ([]models.CdrRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, external_id, source, destination, src_prefix, dst_prefix,
		 duration, billing_duration, rate, price, success, disconnect_code,
		 processed_for_rates, created_at
		 FROM cdr_records WHERE processed_for_rates = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed cdrs: %w", err)
	}
	defer rows.Close()

	var out []models.CdrRecord
	for rows.Next() {
		var rec models.CdrRecord
		if err := rows.Scan(&rec.ID, &rec.ExternalID, &rec.Source, &rec.Destination,
			&rec.SrcPrefix, &rec.DstPrefix, &rec.Duration, &rec.BillingDuration,
			&rec.Rate, &rec.Price, &rec.Success, &rec.DisconnectCode,
			&rec.ProcessedForRates, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cdr: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkProcessed flips processed_for_rates to 1 for the given ids.
func (r *cdrRepo) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE cdr_records SET processed_for_rates = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking cdrs processed: %w", err)
	}
	return nil
}
