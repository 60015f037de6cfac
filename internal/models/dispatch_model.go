package models

import (
	"fmt"
	"time"
)

const (
	EventLinkedInSchedule = "linkedin:post.schedule"
	EventAppSchedule      = "app:post.schedule"
	EventPublish          = "post:publish"
)

// Dispatch records an instruction to act on a post no earlier than DeliverAt.
// IdempotencyKey is unique.
type Dispatch struct {
	ID             int64     `db:"id" json:"id"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	PostID         int64     `db:"post_id" json:"post_id"`
	EventName      string    `db:"event_name" json:"event_name"`
	DeliverAt      time.Time `db:"deliver_at" json:"deliver_at"`
	Retry          bool      `db:"retry" json:"retry"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

func ScheduleKey(postID int64, at time.Time) string {
	return fmt.Sprintf("schedule-%d-%d", postID, at.UnixMilli())
}

func PublishKey(postID int64, at time.Time) string {
	return fmt.Sprintf("publish-%d-%d", postID, at.UnixMilli())
}

func RetryKey(postID int64, at time.Time) string {
	return fmt.Sprintf("retry-%d-%d", postID, at.UnixMilli())
}

// ScheduleEvent returns the schedule-arming event for a platform family.
func ScheduleEvent(platform string) string {
	if platform == PlatformLinkedIn {
		return EventLinkedInSchedule
	}
	return EventAppSchedule
}
