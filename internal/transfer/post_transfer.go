package transfer

import "time"

type ScheduleRequest struct {
	UserID       int64    `json:"-"`
	AccountID    int64    `json:"account_id"`
	Platform     string   `json:"platform"`
	ContentRef   string   `json:"content_ref"`
	PostType     string   `json:"post_type"`
	Body         string   `json:"body"`
	Title        string   `json:"title"`
	MediaURLs    []string `json:"media_urls"`
	ThumbnailURL string   `json:"thumbnail_url"`
	SourceURL    string   `json:"source_url"`
	TargetType   string   `json:"target_type"`
	GroupIDs     []string `json:"group_ids"`
	Visibility   string   `json:"visibility"`
	ScheduledFor string   `json:"scheduled_for"`
	Timezone     string   `json:"timezone"`
}

type ScheduleResult struct {
	PostID      int64     `json:"post_id"`
	Platform    string    `json:"platform"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	Instant     bool      `json:"instant"`
	DispatchID  string    `json:"dispatch_id,omitempty"`
}

// ApprovedContent is text produced by the content pipeline for one content item.
// Body may be overridden per platform.
type ApprovedContent struct {
	ContentRef   string            `json:"-"`
	PostType     string            `json:"post_type"`
	Body         string            `json:"body"`
	Bodies       map[string]string `json:"bodies"`
	Title        string            `json:"title"`
	MediaURLs    []string          `json:"media_urls"`
	SourceURL    string            `json:"source_url"`
	ScheduledFor string            `json:"scheduled_for"`
}

type StatusUpdate struct {
	PostID         int64  `json:"postId"`
	Status         string `json:"status"`
	ExternalPostID string `json:"externalPostId"`
	Error          string `json:"error"`
}

type PublishWebhookRequest struct {
	PostID int64 `json:"postId"`
}

type PublishOutcome struct {
	PostID         int64             `json:"post_id"`
	Status         string            `json:"status"`
	Skipped        bool              `json:"skipped,omitempty"`
	PartialSuccess bool              `json:"partial_success,omitempty"`
	ExternalPostID string            `json:"external_post_id,omitempty"`
	Results        map[string]string `json:"results,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
	DroppedMedia   []string          `json:"dropped_media,omitempty"`
}

type PreferenceRequest struct {
	PostingSchedule    []TriggerRule `json:"posting_schedule"`
	Timezone           string        `json:"timezone"`
	PreferredPlatforms []string      `json:"preferred_platforms"`
}

type TriggerRule struct {
	Day  string `json:"day"`
	Time string `json:"time"`
}

type LimitsResponse struct {
	Platform            string     `json:"platform"`
	Used                int        `json:"used"`
	Limit               int        `json:"limit"`
	Remaining           int        `json:"remaining"`
	Percentage          int        `json:"percentage"`
	IsRateLimited       bool       `json:"is_rate_limited"`
	Exhausted           bool       `json:"exhausted"`
	NextPostAvailableAt *time.Time `json:"next_post_available_at,omitempty"`
}
