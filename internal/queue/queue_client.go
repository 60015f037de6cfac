package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/socialsync/publisher/internal/models"
)

const (
	maxDeliveryRetries = 3
	taskRetention      = 24 * time.Hour
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues dispatches on asynq. The idempotency key doubles as the task
// id, so a dispatch is delivered at most once while its task is retained.
type Client struct {
	c enqueuer
}

func NewClient(c *asynq.Client) *Client {
	return &Client{c: c}
}

func (q *Client) Enqueue(ctx context.Context, d *models.Dispatch) (string, error) {
	payload, err := json.Marshal(DispatchPayload{
		PostID:       d.PostID,
		ScheduledFor: d.DeliverAt.UTC(),
		Retry:        d.Retry,
	})
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(d.EventName, payload)
	info, err := q.c.EnqueueContext(ctx, task,
		asynq.TaskID(d.IdempotencyKey),
		asynq.ProcessAt(d.DeliverAt),
		asynq.MaxRetry(maxDeliveryRetries),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			slog.Info("task already enqueued", "task_id", d.IdempotencyKey)
			return d.IdempotencyKey, nil
		}
		return "", err
	}

	slog.Info("task enqueued", "task_id", info.ID, "type", d.EventName, "process_at", d.DeliverAt)
	return info.ID, nil
}
