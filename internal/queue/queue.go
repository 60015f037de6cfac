package queue

import (
	"time"

	"github.com/hibiken/asynq"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/service"
)

// DispatchPayload is the task body of every post event.
type DispatchPayload struct {
	PostID       int64     `json:"post_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Retry        bool      `json:"retry"`
}

// Queue runs post events on the asynq worker.
type Queue struct {
	pr        repository.PostRepository
	ds        service.DispatchService
	publisher service.PublisherService
	now       func() time.Time
}

func NewQueue(
	pr repository.PostRepository,
	ds service.DispatchService,
	publisher service.PublisherService) *Queue {
	return &Queue{
		pr:        pr,
		ds:        ds,
		publisher: publisher,
		now:       time.Now,
	}
}

// Register binds the post event handlers to mux.
func (q *Queue) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(models.EventLinkedInSchedule, q.HandleScheduleTask)
	mux.HandleFunc(models.EventAppSchedule, q.HandleScheduleTask)
	mux.HandleFunc(models.EventPublish, q.HandlePublishTask)
}
