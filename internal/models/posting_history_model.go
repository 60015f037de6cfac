package models

import "time"

const (
	HistoryStatusReserved  = "reserved"
	HistoryStatusPublished = "published"
	HistoryStatusFailed    = "failed"
)

// PostingHistory is one publish attempt. Reserved and published rows count
// against the posting quota of their platform.
type PostingHistory struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	PostID       int64     `db:"post_id" json:"post_id"`
	AccountID    int64     `db:"account_id" json:"account_id"`
	Platform     string    `db:"platform" json:"platform"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	PostedAt     time.Time `db:"posted_at" json:"posted_at"`
}
