package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// webhookLogRepo implements WebhookLogRepository.
type webhookLogRepo struct {
	db *DB
}

// NewWebhookLogRepository creates a new WebhookLogRepository.
func NewWebhookLogRepository(db *DB) WebhookLogRepository {
	return &webhookLogRepo{db: db}
}

// Append records one delivery attempt.
func (r *webhookLogRepo) Append(ctx context.Context, log *models.WebhookLog) error {
	if log.SentAt == 0 {
		log.SentAt = NowMillis()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_logs (request_id, url, event, status_code, attempt, error, delivered, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.RequestID, log.URL, log.Event, log.StatusCode, log.Attempt,
		log.Error, log.Delivered, log.SentAt)
	if err != nil {
		return fmt.Errorf("inserting webhook log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	log.ID = id
	return nil
}

// ListByRequest returns attempts for one request in order.
func (r *webhookLogRepo) ListByRequest(ctx context.Context, requestID string) ([]models.WebhookLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, url, event, status_code, attempt, error, delivered, sent_at
		 FROM webhook_logs WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing webhook logs: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookLog
	for rows.Next() {
		var l models.WebhookLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.URL, &l.Event, &l.StatusCode,
			&l.Attempt, &l.Error, &l.Delivered, &l.SentAt); err != nil {
			return nil, fmt.Errorf("scanning webhook log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// HasDelivered reports whether any attempt for the request succeeded.
func (r *webhookLogRepo) HasDelivered(ctx context.Context, requestID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_logs WHERE request_id = ? AND delivered = 1`,
		requestID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying webhook delivery: %w", err)
	}
	return n > 0, nil
}

// CountAttempts returns delivered and failed attempt totals.
func (r *webhookLogRepo) CountAttempts(ctx context.Context) (delivered, failed int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delivered), 0), COALESCE(SUM(1 - delivered), 0) FROM webhook_logs`,
	).Scan(&delivered, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("counting webhook attempts: %w", err)
	}
	return delivered, failed, nil
}

// ListUndelivered returns request ids that have attempts but no successful
// delivery, for the startup recovery scan.
func (r *webhookLogRepo) ListUndelivered(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id FROM webhook_logs
		 GROUP BY request_id
		 HAVING MAX(delivered) = 0`)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered webhooks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning undelivered request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
