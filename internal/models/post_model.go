package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type PostStatus string

const (
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusPending    PostStatus = "pending"
	PostStatusProcessing PostStatus = "processing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
	PostStatusCancelled  PostStatus = "cancelled"
)

func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusScheduled, PostStatusPending, PostStatusProcessing,
		PostStatusPublished, PostStatusFailed, PostStatusCancelled:
		return true
	}
	return false
}

func (s PostStatus) IsTerminal() bool {
	return s == PostStatusPublished || s == PostStatusFailed || s == PostStatusCancelled
}

// Waiting reports whether the post is created but not yet handed to the publisher.
func (s PostStatus) Waiting() bool {
	return s == PostStatusScheduled || s == PostStatusPending
}

var postTransitions = map[PostStatus][]PostStatus{
	PostStatusScheduled:  {PostStatusProcessing, PostStatusCancelled, PostStatusPending},
	PostStatusPending:    {PostStatusProcessing, PostStatusCancelled},
	PostStatusProcessing: {PostStatusPublished, PostStatusFailed, PostStatusPending},
	PostStatusFailed:     {PostStatusPending},
}

// CanTransition reports whether a post may move from one status to another.
// Published and cancelled are final; failed only goes back to pending through a retry.
func CanTransition(from, to PostStatus) bool {
	for _, s := range postTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type PostType string

const (
	PostTypeText      PostType = "TEXT"
	PostTypeImage     PostType = "IMAGE"
	PostTypeImageText PostType = "IMAGE_TEXT"
	PostTypeVideo     PostType = "VIDEO"
	PostTypeVideoText PostType = "VIDEO_TEXT"
	PostTypeArticle   PostType = "ARTICLE"
	PostTypeGroupPost PostType = "GROUP_POST"
)

// PostTypes lists the accepted request values.
var PostTypes = []interface{}{
	string(PostTypeText), string(PostTypeImage), string(PostTypeImageText), string(PostTypeVideo),
	string(PostTypeVideoText), string(PostTypeArticle), string(PostTypeGroupPost),
}

func (t PostType) IsImage() bool {
	return t == PostTypeImage || t == PostTypeImageText
}

func (t PostType) IsVideo() bool {
	return t == PostTypeVideo || t == PostTypeVideoText
}

// NeedsLinkOrMedia is true for types that must point at something beyond their text.
func (t PostType) NeedsLinkOrMedia() bool {
	return t == PostTypeArticle || t.IsVideo() || t == PostTypeGroupPost
}

type TargetType string

const (
	TargetFeed  TargetType = "FEED"
	TargetGroup TargetType = "GROUP"
)

type Visibility string

const (
	VisibilityPublic      Visibility = "PUBLIC"
	VisibilityConnections Visibility = "CONNECTIONS"
)

// Content is the platform payload of a post. Type selects which of the optional
// fields are meaningful.
type Content struct {
	Type         PostType `json:"type"`
	Body         string   `json:"body"`
	Title        string   `json:"title,omitempty"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	SourceURL    string   `json:"source_url,omitempty"`
}

// TargetResults maps a target key ("feed", "group:123") to the identifier the
// platform returned for it.
type TargetResults map[string]string

func (r TargetResults) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

func (r *TargetResults) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = TargetResults{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("target results: unsupported type")
	}
	out := TargetResults{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*r = out
	return nil
}

type Post struct {
	ID             int64         `db:"id" json:"id"`
	UserID         int64         `db:"user_id" json:"user_id"`
	AccountID      int64         `db:"account_id" json:"account_id"`
	Platform       string        `db:"platform" json:"platform"`
	ContentRef     string        `db:"content_ref" json:"content_ref,omitempty"`
	Content        Content       `db:"-" json:"content"`
	TargetType     TargetType    `db:"target_type" json:"target_type"`
	TargetIDs      []string      `db:"target_ids" json:"target_ids,omitempty"`
	Visibility     Visibility    `db:"visibility" json:"visibility"`
	ScheduledAt    time.Time     `db:"scheduled_at" json:"scheduled_at"`
	Timezone       string        `db:"timezone" json:"timezone,omitempty"`
	Status         PostStatus    `db:"status" json:"status"`
	RetryCount     int           `db:"retry_count" json:"retry_count"`
	LastError      string        `db:"last_error" json:"last_error,omitempty"`
	ExternalPostID string        `db:"external_post_id" json:"external_post_id,omitempty"`
	TargetResults  TargetResults `db:"target_results" json:"target_results,omitempty"`
	LeaseExpiresAt *time.Time    `db:"lease_expires_at" json:"-"`
	PublishedAt    *time.Time    `db:"published_at" json:"published_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Targets lists the destinations a publish attempt has to reach, feed first.
func (p *Post) Targets() []Target {
	var targets []Target
	if p.TargetType != TargetGroup {
		targets = append(targets, Target{Kind: TargetFeed})
	}
	if p.TargetType == TargetGroup || p.Content.Type == PostTypeGroupPost {
		for _, id := range p.TargetIDs {
			targets = append(targets, Target{Kind: TargetGroup, ID: id})
		}
	}
	return targets
}

type Target struct {
	Kind TargetType
	ID   string
}

func (t Target) Key() string {
	if t.Kind == TargetGroup {
		return "group:" + t.ID
	}
	return "feed"
}

// StatusChange is a single conditional write applied to a post.
type StatusChange struct {
	From           []PostStatus
	To             PostStatus
	LastError      *string
	ExternalPostID *string
	TargetResults  TargetResults
	ScheduledAt    *time.Time
	ResetRetries   bool
	PublishedAt    *time.Time
}

type MediaAsset struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	FileName  string    `db:"file_name" json:"file_name"`
	FileType  string    `db:"file_type" json:"file_type"`
	FileSize  int64     `db:"file_size" json:"file_size"`
	FileURL   string    `db:"file_url" json:"file_url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
