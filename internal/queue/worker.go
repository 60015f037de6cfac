package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/socialsync/publisher/internal/models"
)

func decode(task *asynq.Task) (*DispatchPayload, error) {
	var payload DispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return &payload, nil
}

// HandleScheduleTask fires once the scheduled instant is reached. The post is
// re-read so cancellations and reschedules made in the meantime win.
func (q *Queue) HandleScheduleTask(ctx context.Context, task *asynq.Task) error {
	payload, err := decode(task)
	if err != nil {
		return err
	}

	post, err := q.pr.GetByID(ctx, payload.PostID)
	if err != nil {
		return err
	}
	if post == nil {
		slog.Info("scheduled post no longer exists", "post_id", payload.PostID)
		return nil
	}
	if !post.Status.Waiting() {
		slog.Info("scheduled post is not waiting", "post_id", post.ID, "status", post.Status)
		return nil
	}

	now := q.now().UTC()
	if post.ScheduledAt.After(now) {
		_, err := q.ds.Emit(ctx, &models.Dispatch{
			IdempotencyKey: models.ScheduleKey(post.ID, post.ScheduledAt),
			PostID:         post.ID,
			EventName:      models.ScheduleEvent(post.Platform),
			DeliverAt:      post.ScheduledAt,
		})
		return err
	}

	_, err = q.ds.Emit(ctx, &models.Dispatch{
		IdempotencyKey: models.PublishKey(post.ID, post.ScheduledAt),
		PostID:         post.ID,
		EventName:      models.EventPublish,
		DeliverAt:      now,
	})
	return err
}

// HandlePublishTask publishes the post. Failures are recorded on the post and
// picked up again by the due-post sweep, so asynq never retries them.
func (q *Queue) HandlePublishTask(ctx context.Context, task *asynq.Task) error {
	payload, err := decode(task)
	if err != nil {
		return err
	}

	outcome, err := q.publisher.PublishPost(ctx, payload.PostID, payload.Retry)
	if err != nil {
		slog.Error("publish task failed", "post_id", payload.PostID, "error", err)
		return fmt.Errorf("publish post %d: %v: %w", payload.PostID, err, asynq.SkipRetry)
	}

	slog.Info("publish task done", "post_id", outcome.PostID, "status", outcome.Status, "skipped", outcome.Skipped)
	return nil
}
