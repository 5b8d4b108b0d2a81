package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// authFeedbackRepo implements AuthFeedbackRepository.
type authFeedbackRepo struct {
	db *DB
}

// NewAuthFeedbackRepository creates a new AuthFeedbackRepository.
func NewAuthFeedbackRepository(db *DB) AuthFeedbackRepository {
	return &authFeedbackRepo{db: db}
}

// Create records the verification outcome. At most one row per request; a
// second report is silently ignored so feedback stays first-write-wins.
func (r *authFeedbackRepo) Create(ctx context.Context, fb *models.AuthFeedback) error {
	if fb.CreatedAt == 0 {
		fb.CreatedAt = NowMillis()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_feedback (request_id, success, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		fb.RequestID, fb.Success, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting auth feedback: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		fb.ID = id
	}
	return nil
}

// GetByRequest returns the feedback for a request, or nil if none exists.
func (r *authFeedbackRepo) GetByRequest(ctx context.Context, requestID string) (*models.AuthFeedback, error) {
	var fb models.AuthFeedback
	err := r.db.QueryRowContext(ctx,
		`SELECT id, request_id, success, created_at FROM auth_feedback WHERE request_id = ?`,
		requestID).Scan(&fb.ID, &fb.RequestID, &fb.Success, &fb.CreatedAt)
	if errIsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth feedback: %w", err)
	}
	return &fb, nil
}
