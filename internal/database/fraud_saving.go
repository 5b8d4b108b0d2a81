package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// fraudSavingRepo implements FraudSavingRepository.
type fraudSavingRepo struct {
	db *DB
}

// NewFraudSavingRepository creates a new FraudSavingRepository.
func NewFraudSavingRepository(db *DB) FraudSavingRepository {
	return &fraudSavingRepo{db: db}
}

// Add appends one ledger entry.
func (r *fraudSavingRepo) Add(ctx context.Context, saving *models.FraudSaving) error {
	if saving.CreatedAt == 0 {
		saving.CreatedAt = NowMillis()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO fraud_savings (request_id, channel, phone_prefix, amount, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		saving.RequestID, saving.Channel, saving.PhonePrefix, saving.Amount,
		saving.Reason, saving.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting fraud saving: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	saving.ID = id
	return nil
}

// TotalSince sums the ledger from the given time, in 1/10000 USD.
func (r *fraudSavingRepo) TotalSince(ctx context.Context, sinceMs int64) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM fraud_savings WHERE created_at >= ?`,
		sinceMs).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing fraud savings: %w", err)
	}
	return total, nil
}
