package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/socialsync/publisher/internal/models"
)

type PostRepository interface {
	Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	GetByUserID(ctx context.Context, postID, userID int64) (*models.Post, error)
	ListByUserID(ctx context.Context, userID int64) ([]*models.Post, error)
	FindLiveByContentRef(ctx context.Context, accountID int64, contentRef string) (*models.Post, error)
	UpdateStatus(ctx context.Context, id int64, change *models.StatusChange) (bool, error)
	Claim(ctx context.Context, id int64, now time.Time, lease time.Duration, retry bool) (*models.Post, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Post, error)
	RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
}

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, account_id, platform, content_ref, post_type, body, title,
	media_urls, thumbnail_url, source_url, target_type, target_ids, visibility, scheduled_at,
	timezone, status, retry_count, last_error, external_post_id, target_results,
	lease_expires_at, published_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.UserID, &p.AccountID, &p.Platform, &p.ContentRef,
		&p.Content.Type, &p.Content.Body, &p.Content.Title, pq.Array(&p.Content.MediaURLs),
		&p.Content.ThumbnailURL, &p.Content.SourceURL, &p.TargetType, pq.Array(&p.TargetIDs),
		&p.Visibility, &p.ScheduledAt, &p.Timezone, &p.Status, &p.RetryCount, &p.LastError,
		&p.ExternalPostID, &p.TargetResults, &p.LeaseExpiresAt, &p.PublishedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]*models.Post, error) {
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}

func (r *postRepository) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	query := `
		INSERT INTO posts (
			user_id, account_id, platform, content_ref, post_type, body, title,
			media_urls, thumbnail_url, source_url, target_type, target_ids, visibility,
			scheduled_at, timezone, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`

	var id int64
	err := conn(r.db, tx).QueryRowContext(ctx, query,
		post.UserID,
		post.AccountID,
		post.Platform,
		post.ContentRef,
		post.Content.Type,
		post.Content.Body,
		post.Content.Title,
		pq.Array(post.Content.MediaURLs),
		post.Content.ThumbnailURL,
		post.Content.SourceURL,
		post.TargetType,
		pq.Array(post.TargetIDs),
		post.Visibility,
		post.ScheduledAt,
		post.Timezone,
		post.Status,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

func (r *postRepository) GetByUserID(ctx context.Context, postID, userID int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1 AND user_id = $2`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, postID, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

func (r *postRepository) ListByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE user_id = $1 ORDER BY scheduled_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanPosts(rows)
}

// FindLiveByContentRef returns the post already created for a content item on an
// account, ignoring cancelled ones.
func (r *postRepository) FindLiveByContentRef(ctx context.Context, accountID int64, contentRef string) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE account_id = $1 AND content_ref = $2 AND status <> 'cancelled'
		ORDER BY created_at DESC LIMIT 1`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, accountID, contentRef))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

// UpdateStatus applies change in one statement, guarded by the expected current
// statuses. It reports whether a row was changed.
func (r *postRepository) UpdateStatus(ctx context.Context, id int64, change *models.StatusChange) (bool, error) {
	args := []interface{}{id, change.To}
	sets := []string{"status = $2", "updated_at = CURRENT_TIMESTAMP"}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if change.To != models.PostStatusProcessing {
		sets = append(sets, "lease_expires_at = NULL")
	}
	if change.LastError != nil {
		add("last_error", *change.LastError)
	}
	if change.ExternalPostID != nil {
		add("external_post_id", *change.ExternalPostID)
	}
	if change.TargetResults != nil {
		add("target_results", change.TargetResults)
	}
	if change.ScheduledAt != nil {
		add("scheduled_at", *change.ScheduledAt)
	}
	if change.PublishedAt != nil {
		add("published_at", *change.PublishedAt)
	}
	if change.ResetRetries {
		sets = append(sets, "retry_count = 0")
	}

	from := make([]string, 0, len(change.From))
	for _, s := range change.From {
		from = append(from, string(s))
	}
	args = append(args, pq.Array(from))

	query := fmt.Sprintf(`UPDATE posts SET %s WHERE id = $1 AND status = ANY($%d)`,
		strings.Join(sets, ", "), len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

// Claim moves a waiting post, or a processing post whose lease is gone, into
// processing with a fresh lease. It returns nil when another worker owns the
// post or it already reached a final state.
func (r *postRepository) Claim(ctx context.Context, id int64, now time.Time, lease time.Duration, retry bool) (*models.Post, error) {
	increment := 0
	if retry {
		increment = 1
	}

	query := `
		UPDATE posts
		SET status = 'processing',
			lease_expires_at = $3,
			retry_count = retry_count + $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
			AND (
				status IN ('pending', 'scheduled')
				OR (status = 'processing' AND (lease_expires_at IS NULL OR lease_expires_at < $2))
			)
		RETURNING ` + postColumns

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id, now, now.Add(lease), increment))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

// ClaimDue marks up to limit due waiting posts with a short dispatch lease so
// concurrent sweepers do not pick them twice.
func (r *postRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Post, error) {
	query := `
		UPDATE posts
		SET lease_expires_at = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id IN (
			SELECT id FROM posts
			WHERE status IN ('pending', 'scheduled')
				AND scheduled_at <= $1
				AND (lease_expires_at IS NULL OR lease_expires_at < $1)
			ORDER BY scheduled_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + postColumns

	rows, err := r.db.QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanPosts(rows)
}

// RecoverStale returns processing posts whose lease expired to pending. Posts
// created directly in processing carry no lease and are recovered once they
// have not been touched for staleAfter.
func (r *postRepository) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE posts
		SET status = 'pending',
			lease_expires_at = NULL,
			last_error = 'recovered after processing lease expired',
			updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing'
			AND (lease_expires_at < $1 OR (lease_expires_at IS NULL AND updated_at < $2))
	`

	result, err := r.db.ExecContext(ctx, query, now, now.Add(-staleAfter))
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return result.RowsAffected()
}
