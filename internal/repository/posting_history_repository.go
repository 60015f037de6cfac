package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/socialsync/publisher/internal/models"
)

// QuotaWindow describes the usage a reservation was checked against.
// Reserved rows older than ReservedSince were never settled and stop counting.
type QuotaWindow struct {
	Since         time.Time
	ReservedSince time.Time
	Limit         int
	MinInterval   time.Duration
}

type QuotaUsage struct {
	Used       int
	LastPostAt *time.Time
}

type Reservation struct {
	ID      int64
	Allowed bool
	Usage   QuotaUsage
}

type PostingHistoryRepository interface {
	Reserve(ctx context.Context, ph *models.PostingHistory, window QuotaWindow) (*Reservation, error)
	Complete(ctx context.Context, id int64, status, errorMessage string) error
	Usage(ctx context.Context, userID int64, platform string, window QuotaWindow) (*QuotaUsage, error)
}

type postingHistoryRepository struct {
	db *sql.DB
}

func NewPostingHistoryRepository(db *sql.DB) PostingHistoryRepository {
	return &postingHistoryRepository{db: db}
}

const usageQuery = `
	SELECT
		COUNT(*) FILTER (WHERE posted_at >= $3),
		MAX(posted_at)
	FROM posting_history
	WHERE user_id = $1 AND platform = $2
		AND (status = 'published' OR (status = 'reserved' AND posted_at >= $4))
`

// Reserve counts the current window and inserts a reserved attempt when both
// the daily ceiling and the minimum interval allow it. Concurrent reservations
// for the same user and platform serialize on an advisory lock.
func (r *postingHistoryRepository) Reserve(ctx context.Context, ph *models.PostingHistory, window QuotaWindow) (*Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer tx.Rollback()

	lockKey := fmt.Sprintf("quota:%d:%s", ph.UserID, ph.Platform)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	var usage QuotaUsage
	if err := tx.QueryRowContext(ctx, usageQuery, ph.UserID, ph.Platform, window.Since, window.ReservedSince).Scan(&usage.Used, &usage.LastPostAt); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	res := &Reservation{Usage: usage}
	if usage.Used >= window.Limit {
		return res, nil
	}
	if usage.LastPostAt != nil && ph.PostedAt.Sub(*usage.LastPostAt) < window.MinInterval {
		return res, nil
	}

	insertQuery := `
		INSERT INTO posting_history (user_id, post_id, account_id, platform, status, error_message, posted_at)
		VALUES ($1, $2, $3, $4, 'reserved', '', $5)
		RETURNING id
	`
	if err := tx.QueryRowContext(ctx, insertQuery, ph.UserID, ph.PostID, ph.AccountID, ph.Platform, ph.PostedAt).Scan(&res.ID); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	res.Allowed = true
	res.Usage.Used++
	res.Usage.LastPostAt = &ph.PostedAt
	return res, nil
}

func (r *postingHistoryRepository) Complete(ctx context.Context, id int64, status, errorMessage string) error {
	query := `UPDATE posting_history SET status = $2, error_message = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, errorMessage)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postingHistoryRepository) Usage(ctx context.Context, userID int64, platform string, window QuotaWindow) (*QuotaUsage, error) {
	var usage QuotaUsage
	err := r.db.QueryRowContext(ctx, usageQuery, userID, platform, window.Since, window.ReservedSince).Scan(&usage.Used, &usage.LastPostAt)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return &usage, nil
}
