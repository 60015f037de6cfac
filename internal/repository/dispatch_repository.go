package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/socialsync/publisher/internal/models"
)

type DispatchRepository interface {
	Create(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, bool, error)
}

type dispatchRepository struct {
	db *sql.DB
}

func NewDispatchRepository(db *sql.DB) DispatchRepository {
	return &dispatchRepository{db: db}
}

const dispatchColumns = `id, idempotency_key, post_id, event_name, deliver_at, retry, created_at`

func scanDispatch(row rowScanner) (*models.Dispatch, error) {
	var d models.Dispatch
	err := row.Scan(&d.ID, &d.IdempotencyKey, &d.PostID, &d.EventName, &d.DeliverAt, &d.Retry, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts the dispatch unless its idempotency key is already recorded,
// in which case the stored record is returned and created is false.
func (r *dispatchRepository) Create(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, bool, error) {
	q := conn(r.db, tx)

	insertQuery := `
		INSERT INTO dispatches (idempotency_key, post_id, event_name, deliver_at, retry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + dispatchColumns

	created, err := scanDispatch(q.QueryRowContext(ctx, insertQuery, d.IdempotencyKey, d.PostID, d.EventName, d.DeliverAt, d.Retry))
	if err == nil {
		return created, true, nil
	}
	if err != sql.ErrNoRows {
		slog.Info(err.Error())
		return nil, false, err
	}

	selectQuery := `SELECT ` + dispatchColumns + ` FROM dispatches WHERE idempotency_key = $1`
	existing, err := scanDispatch(q.QueryRowContext(ctx, selectQuery, d.IdempotencyKey))
	if err != nil {
		slog.Info(err.Error())
		return nil, false, err
	}
	return existing, false, nil
}
