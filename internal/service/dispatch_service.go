package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
)

// Dispatcher hands a recorded dispatch to the execution runtime. Enqueueing the
// same idempotency key twice must succeed without creating a second delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, d *models.Dispatch) (string, error)
}

type DispatchService interface {
	Record(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, error)
	Send(ctx context.Context, d *models.Dispatch) (string, error)
	Emit(ctx context.Context, d *models.Dispatch) (string, error)
}

type dispatchService struct {
	dr repository.DispatchRepository
	q  Dispatcher
}

func NewDispatchService(dr repository.DispatchRepository, q Dispatcher) DispatchService {
	return &dispatchService{
		dr: dr,
		q:  q,
	}
}

// Record persists d, or returns the record already stored under its key.
func (s *dispatchService) Record(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, error) {
	stored, created, err := s.dr.Create(ctx, tx, d)
	if err != nil {
		return nil, fmt.Errorf("record dispatch %s: %w", d.IdempotencyKey, err)
	}
	if !created {
		slog.Info("dispatch already recorded", "key", d.IdempotencyKey, "post_id", d.PostID)
	}
	return stored, nil
}

func (s *dispatchService) Send(ctx context.Context, d *models.Dispatch) (string, error) {
	id, err := s.q.Enqueue(ctx, d)
	if err != nil {
		slog.Warn("dispatch enqueue failed", "key", d.IdempotencyKey, "post_id", d.PostID, "error", err)
		return "", fmt.Errorf("enqueue dispatch %s: %w", d.IdempotencyKey, err)
	}
	return id, nil
}

// Emit records and sends d outside of any caller transaction.
func (s *dispatchService) Emit(ctx context.Context, d *models.Dispatch) (string, error) {
	stored, err := s.Record(ctx, nil, d)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, stored)
}
