package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/transfer"
	"github.com/socialsync/publisher/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type stubPosts struct {
	repository.PostRepository
	posts map[int64]*models.Post
}

func (s *stubPosts) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	return s.posts[id], nil
}

type recordingDispatches struct {
	emitted []*models.Dispatch
	err     error
}

func (r *recordingDispatches) Record(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, error) {
	return d, nil
}

func (r *recordingDispatches) Send(ctx context.Context, d *models.Dispatch) (string, error) {
	return d.IdempotencyKey, nil
}

func (r *recordingDispatches) Emit(ctx context.Context, d *models.Dispatch) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.emitted = append(r.emitted, d)
	return d.IdempotencyKey, nil
}

type stubPublisher struct {
	calls []DispatchPayload
	err   error
}

func (p *stubPublisher) PublishPost(ctx context.Context, postID int64, retry bool) (*transfer.PublishOutcome, error) {
	p.calls = append(p.calls, DispatchPayload{PostID: postID, Retry: retry})
	if p.err != nil {
		return nil, p.err
	}
	return &transfer.PublishOutcome{PostID: postID, Status: string(models.PostStatusPublished)}, nil
}

func newTestQueue(posts ...*models.Post) (*Queue, *recordingDispatches, *stubPublisher) {
	repo := &stubPosts{posts: map[int64]*models.Post{}}
	for _, p := range posts {
		repo.posts[p.ID] = p
	}
	ds := &recordingDispatches{}
	pub := &stubPublisher{}
	q := NewQueue(repo, ds, pub)
	q.now = func() time.Time { return now }
	return q, ds, pub
}

func task(t *testing.T, typ string, payload DispatchPayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, raw)
}

func TestScheduleTaskEmitsPublish(t *testing.T) {
	post := &models.Post{ID: 4, Platform: "linkedin", Status: models.PostStatusScheduled, ScheduledAt: now}
	q, ds, _ := newTestQueue(post)

	err := q.HandleScheduleTask(context.Background(), task(t, models.EventLinkedInSchedule, DispatchPayload{PostID: 4, ScheduledFor: now}))
	require.NoError(t, err)
	require.Len(t, ds.emitted, 1)
	assert.Equal(t, models.EventPublish, ds.emitted[0].EventName)
	assert.Equal(t, fmt.Sprintf("publish-4-%d", now.UnixMilli()), ds.emitted[0].IdempotencyKey)
}

func TestScheduleTaskRearmsWhenMovedLater(t *testing.T) {
	later := now.Add(2 * time.Hour)
	post := &models.Post{ID: 4, Platform: "x", Status: models.PostStatusPending, ScheduledAt: later}
	q, ds, _ := newTestQueue(post)

	err := q.HandleScheduleTask(context.Background(), task(t, models.EventAppSchedule, DispatchPayload{PostID: 4, ScheduledFor: now}))
	require.NoError(t, err)
	require.Len(t, ds.emitted, 1)
	assert.Equal(t, models.EventAppSchedule, ds.emitted[0].EventName)
	assert.Equal(t, later, ds.emitted[0].DeliverAt)
	assert.Equal(t, models.ScheduleKey(4, later), ds.emitted[0].IdempotencyKey)
}

func TestScheduleTaskIgnoresFinishedPosts(t *testing.T) {
	q, ds, _ := newTestQueue(
		&models.Post{ID: 1, Status: models.PostStatusCancelled, ScheduledAt: now},
		&models.Post{ID: 2, Status: models.PostStatusPublished, ScheduledAt: now},
		&models.Post{ID: 3, Status: models.PostStatusProcessing, ScheduledAt: now},
	)

	for _, id := range []int64{1, 2, 3, 99} {
		err := q.HandleScheduleTask(context.Background(), task(t, models.EventLinkedInSchedule, DispatchPayload{PostID: id}))
		assert.NoError(t, err)
	}
	assert.Empty(t, ds.emitted)
}

func TestScheduleTaskEmitFailureIsRetried(t *testing.T) {
	q, ds, _ := newTestQueue(&models.Post{ID: 4, Status: models.PostStatusScheduled, ScheduledAt: now})
	ds.err = errors.New("redis down")

	err := q.HandleScheduleTask(context.Background(), task(t, models.EventLinkedInSchedule, DispatchPayload{PostID: 4}))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestPublishTask(t *testing.T) {
	q, _, pub := newTestQueue()

	err := q.HandlePublishTask(context.Background(), task(t, models.EventPublish, DispatchPayload{PostID: 9, Retry: true}))
	require.NoError(t, err)
	require.Len(t, pub.calls, 1)
	assert.Equal(t, int64(9), pub.calls[0].PostID)
	assert.True(t, pub.calls[0].Retry)

	pub.err = apperror.ErrPostNotFound
	err = q.HandlePublishTask(context.Background(), task(t, models.EventPublish, DispatchPayload{PostID: 10}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestMalformedPayloadIsNotRetried(t *testing.T) {
	q, _, pub := newTestQueue()

	err := q.HandlePublishTask(context.Background(), asynq.NewTask(models.EventPublish, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, pub.calls)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	var id string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	return &asynq.TaskInfo{ID: id, Type: task.Type()}, nil
}

func TestClientEnqueue(t *testing.T) {
	fe := &fakeEnqueuer{}
	c := &Client{c: fe}
	at := now.Add(time.Hour)

	id, err := c.Enqueue(context.Background(), &models.Dispatch{
		IdempotencyKey: models.ScheduleKey(4, at),
		PostID:         4,
		EventName:      models.EventLinkedInSchedule,
		DeliverAt:      at,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleKey(4, at), id)

	require.Len(t, fe.tasks, 1)
	assert.Equal(t, models.EventLinkedInSchedule, fe.tasks[0].Type())
	var payload DispatchPayload
	require.NoError(t, json.Unmarshal(fe.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(4), payload.PostID)
	assert.True(t, at.Equal(payload.ScheduledFor))

	var processAt time.Time
	for _, o := range fe.opts[0] {
		if o.Type() == asynq.ProcessAtOpt {
			processAt = o.Value().(time.Time)
		}
	}
	assert.True(t, at.Equal(processAt))
}

func TestClientEnqueueDuplicateIsSuccess(t *testing.T) {
	c := &Client{c: &fakeEnqueuer{err: asynq.ErrTaskIDConflict}}

	id, err := c.Enqueue(context.Background(), &models.Dispatch{IdempotencyKey: "publish-1-1", EventName: models.EventPublish})
	require.NoError(t, err)
	assert.Equal(t, "publish-1-1", id)

	c = &Client{c: &fakeEnqueuer{err: errors.New("dial tcp: refused")}}
	_, err = c.Enqueue(context.Background(), &models.Dispatch{IdempotencyKey: "publish-1-2", EventName: models.EventPublish})
	assert.Error(t, err)
}
