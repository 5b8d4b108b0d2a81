package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// carrierRateRepo implements CarrierRateRepository.
type carrierRateRepo struct {
	db *DB
}

// NewCarrierRateRepository creates a new CarrierRateRepository.
func NewCarrierRateRepository(db *DB) CarrierRateRepository {
	return &carrierRateRepo{db: db}
}

const rateColumns = `id, channel, dst_prefix, src_prefix, rate_avg, rate_min,
	 rate_max, billing_increment, sample_count, confidence_score, last_seen_at`

// Get returns the rate for the exact key, or nil if not found.
func (r *carrierRateRepo) Get(ctx context.Context, channel, dstPrefix string, srcPrefix *string) (*models.CarrierRate, error) {
	src := ""
	if srcPrefix != nil {
		src = *srcPrefix
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+rateColumns+` FROM carrier_rates
		 WHERE channel = ? AND dst_prefix = ? AND COALESCE(src_prefix, '') = ?`,
		channel, dstPrefix, src)
	rate, err := scanRate(row)
	if err != nil {
		if errIsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rate, nil
}

// Upsert writes the full rate row, keyed by (channel, dst_prefix, src_prefix).
func (r *carrierRateRepo) Upsert(ctx context.Context, rate *models.CarrierRate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO carrier_rates (channel, dst_prefix, src_prefix, rate_avg,
		 rate_min, rate_max, billing_increment, sample_count, confidence_score, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, dst_prefix, COALESCE(src_prefix, '')) DO UPDATE SET
		   rate_avg = excluded.rate_avg,
		   rate_min = excluded.rate_min,
		   rate_max = excluded.rate_max,
		   billing_increment = excluded.billing_increment,
		   sample_count = excluded.sample_count,
		   confidence_score = excluded.confidence_score,
		   last_seen_at = excluded.last_seen_at`,
		rate.Channel, rate.DstPrefix, rate.SrcPrefix, rate.RateAvg, rate.RateMin,
		rate.RateMax, rate.BillingIncrement, rate.SampleCount, rate.ConfidenceScore,
		rate.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upserting carrier rate: %w", err)
	}
	return nil
}

// Lookup walks the destination prefix hierarchy from longest to length 1.
// At each level a row matching srcPrefix is preferred over one with a NULL
// src_prefix.
func (r *carrierRateRepo) Lookup(ctx context.Context, channel, dstPrefix, srcPrefix string) (*models.CarrierRate, error) {
	for l := len(dstPrefix); l >= 1; l-- {
		prefix := dstPrefix[:l]

		row := r.db.QueryRowContext(ctx,
			`SELECT `+rateColumns+` FROM carrier_rates
			 WHERE channel = ? AND dst_prefix = ?
			   AND (src_prefix = ? OR src_prefix IS NULL)
			 ORDER BY src_prefix IS NULL LIMIT 1`,
			channel, prefix, srcPrefix)
		rate, err := scanRate(row)
		if err != nil {
			if errIsNoRows(err) {
				continue
			}
			return nil, err
		}
		return rate, nil
	}
	return nil, nil
}

// Count returns the number of learned rate rows.
func (r *carrierRateRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM carrier_rates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting carrier rates: %w", err)
	}
	return n, nil
}

func scanRate(row rowScanner) (*models.CarrierRate, error) {
	var rate models.CarrierRate
	err := row.Scan(&rate.ID, &rate.Channel, &rate.DstPrefix, &rate.SrcPrefix,
		&rate.RateAvg, &rate.RateMin, &rate.RateMax, &rate.BillingIncrement,
		&rate.SampleCount, &rate.ConfidenceScore, &rate.LastSeenAt)
	if err != nil {
		if errIsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning carrier rate: %w", err)
	}
	return &rate, nil
}
