package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/transfer"
	"github.com/socialsync/publisher/internal/trigger"
	"github.com/socialsync/publisher/pkg/apperror"
)

const (
	maxBodyLength  = 3000
	maxTitleLength = 200
	maxMediaURLs   = 10
	maxGroupIDs    = 50
	minLeadTime    = time.Minute
)

const localTimeLayout = "2006-01-02T15:04"

type PostService interface {
	SchedulePost(ctx context.Context, req *transfer.ScheduleRequest) (*transfer.ScheduleResult, error)
	ApproveContent(ctx context.Context, userID int64, content *transfer.ApprovedContent) ([]*transfer.ScheduleResult, error)
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error)
	Cancel(ctx context.Context, userID, postID int64) error
	Retry(ctx context.Context, userID, postID int64) (*transfer.ScheduleResult, error)
	UpdateStatus(ctx context.Context, update *transfer.StatusUpdate) error
}

type postService struct {
	tx    repository.Transactor
	pr    repository.PostRepository
	ar    repository.SocialAccountRepository
	prefs  repository.PreferenceRepository
	ds     DispatchService
	limits LimitsService
	now    func() time.Time
}

func NewPostService(
	tx repository.Transactor,
	pr repository.PostRepository,
	ar repository.SocialAccountRepository,
	prefs repository.PreferenceRepository,
	ds DispatchService,
	limits LimitsService) PostService {
	return &postService{
		tx:     tx,
		pr:     pr,
		ar:     ar,
		prefs:  prefs,
		ds:     ds,
		limits: limits,
		now:    time.Now,
	}
}

func validateScheduleRequest(req *transfer.ScheduleRequest) error {
	err := validation.ValidateStruct(req,
		validation.Field(&req.AccountID, validation.Required),
		validation.Field(&req.PostType, validation.Required, validation.In(models.PostTypes...)),
		validation.Field(&req.Body, validation.RuneLength(0, maxBodyLength)),
		validation.Field(&req.Title, validation.RuneLength(0, maxTitleLength)),
		validation.Field(&req.SourceURL, is.RequestURL),
		validation.Field(&req.ThumbnailURL, is.RequestURL),
		validation.Field(&req.TargetType, validation.In(string(models.TargetFeed), string(models.TargetGroup))),
		validation.Field(&req.Visibility, validation.In(string(models.VisibilityPublic), string(models.VisibilityConnections))),
	)
	if err != nil {
		return apperror.Validation(err.Error())
	}
	return nil
}

// sanitizeURLs keeps syntactically valid http(s) URLs, at most limit of them.
func sanitizeURLs(raw []string, limit int) []string {
	var out []string
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" || validation.Validate(u, is.RequestURL) != nil {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			continue
		}
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out
}

func cleanGroupIDs(raw []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == maxGroupIDs {
			break
		}
	}
	return out
}

// parseScheduledFor accepts RFC 3339 instants or a wall-clock time in tz.
func parseScheduledFor(value, tz string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	loc, err := trigger.LoadLocation(tz)
	if err != nil {
		return time.Time{}, apperror.ErrInvalidSchedule.WithMessage(fmt.Sprintf("unknown timezone %q", tz))
	}
	t, err := time.ParseInLocation(localTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, apperror.ErrInvalidSchedule.WithMessage(fmt.Sprintf("invalid scheduled time %q", value))
	}
	return t.UTC(), nil
}

func buildContent(req *transfer.ScheduleRequest) (models.Content, error) {
	content := models.Content{
		Type:         models.PostType(req.PostType),
		Body:         strings.TrimSpace(req.Body),
		Title:        strings.TrimSpace(req.Title),
		MediaURLs:    sanitizeURLs(req.MediaURLs, maxMediaURLs),
		ThumbnailURL: strings.TrimSpace(req.ThumbnailURL),
		SourceURL:    strings.TrimSpace(req.SourceURL),
	}

	switch {
	case content.Type.IsImage() || content.Type.IsVideo():
		if len(content.MediaURLs) == 0 {
			return content, apperror.ErrMediaRequired
		}
	case content.Type.NeedsLinkOrMedia():
		if content.SourceURL == "" && len(content.MediaURLs) == 0 {
			return content, apperror.ErrInvalidSchedule.WithMessage("a source url or media is required for this post type")
		}
	case content.Type == models.PostTypeText:
		if content.Body == "" {
			return content, apperror.Validation("body: cannot be blank.")
		}
	}
	return content, nil
}

func resultFor(post *models.Post) *transfer.ScheduleResult {
	return &transfer.ScheduleResult{
		PostID:      post.ID,
		Platform:    post.Platform,
		ScheduledAt: post.ScheduledAt,
		Status:      string(post.Status),
	}
}

// SchedulePost validates the request and stores the post with its dispatch.
// Without a scheduled time the post is published right away.
func (s *postService) SchedulePost(ctx context.Context, req *transfer.ScheduleRequest) (*transfer.ScheduleResult, error) {
	req.PostType = strings.ToUpper(strings.TrimSpace(req.PostType))
	req.TargetType = strings.ToUpper(strings.TrimSpace(req.TargetType))
	req.Visibility = strings.ToUpper(strings.TrimSpace(req.Visibility))

	account, err := s.ar.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.UserID != req.UserID {
		return nil, apperror.ErrAccountInvalid
	}
	if req.Platform != "" && !strings.EqualFold(req.Platform, account.Platform) {
		return nil, apperror.ErrAccountInvalid.WithMessage("account does not belong to platform " + req.Platform)
	}
	if account.AccountStatus != models.AccountStatusActive {
		return nil, apperror.ErrAccountInactive
	}

	now := s.now().UTC()
	instant := strings.TrimSpace(req.ScheduledFor) == ""
	scheduledAt := now
	if !instant {
		scheduledAt, err = parseScheduledFor(strings.TrimSpace(req.ScheduledFor), req.Timezone)
		if err != nil {
			return nil, err
		}
		if scheduledAt.Before(now.Add(minLeadTime)) {
			return nil, apperror.ErrInvalidSchedule.WithMessage("scheduled time must be at least one minute in the future")
		}
		if scheduledAt.After(now.AddDate(1, 0, 0)) {
			return nil, apperror.ErrInvalidSchedule.WithMessage("scheduled time must be within one year")
		}
	}

	if err := validateScheduleRequest(req); err != nil {
		return nil, err
	}
	content, err := buildContent(req)
	if err != nil {
		return nil, err
	}

	post := &models.Post{
		UserID:      req.UserID,
		AccountID:   account.ID,
		Platform:    account.Platform,
		ContentRef:  strings.TrimSpace(req.ContentRef),
		Content:     content,
		TargetType:  models.TargetType(req.TargetType),
		TargetIDs:   cleanGroupIDs(req.GroupIDs),
		Visibility:  models.Visibility(req.Visibility),
		ScheduledAt: scheduledAt,
		Timezone:    req.Timezone,
		Status:      models.PostStatusScheduled,
	}
	if post.TargetType == "" {
		post.TargetType = models.TargetFeed
	}
	if post.Visibility == "" {
		post.Visibility = models.VisibilityPublic
	}
	if (post.TargetType == models.TargetGroup || content.Type == models.PostTypeGroupPost) && len(post.TargetIDs) == 0 {
		return nil, apperror.Validation("group_ids: at least one group id is required.")
	}

	if post.ContentRef != "" {
		existing, err := s.pr.FindLiveByContentRef(ctx, account.ID, post.ContentRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			slog.Info("content already scheduled", "post_id", existing.ID, "content_ref", post.ContentRef)
			return resultFor(existing), nil
		}
	}

	dispatch := &models.Dispatch{DeliverAt: scheduledAt}
	if instant {
		post.Status = models.PostStatusProcessing
		dispatch.EventName = models.EventPublish
	} else {
		dispatch.EventName = models.ScheduleEvent(post.Platform)
	}

	err = s.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		id, err := s.pr.Create(ctx, tx, post)
		if err != nil {
			return err
		}
		post.ID = id

		dispatch.PostID = id
		if instant {
			dispatch.IdempotencyKey = models.PublishKey(id, scheduledAt)
		} else {
			dispatch.IdempotencyKey = models.ScheduleKey(id, scheduledAt)
		}
		dispatch, err = s.ds.Record(ctx, tx, dispatch)
		return err
	})
	if err != nil {
		if post.ContentRef != "" && repository.IsUniqueViolation(err) {
			existing, ferr := s.pr.FindLiveByContentRef(ctx, account.ID, post.ContentRef)
			if ferr == nil && existing != nil {
				return resultFor(existing), nil
			}
		}
		return nil, fmt.Errorf("create post: %w", err)
	}

	result := resultFor(post)
	result.Instant = instant

	taskID, err := s.ds.Send(ctx, dispatch)
	if err != nil {
		if !instant {
			// the sweeper delivers it once due
			return result, nil
		}
		reason := platform.Truncate("Dispatch failure: "+err.Error(), maxErrorLength)
		if _, uerr := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
			From:      []models.PostStatus{models.PostStatusProcessing},
			To:        models.PostStatusFailed,
			LastError: &reason,
		}); uerr != nil {
			slog.Error("failed to mark post failed", "post_id", post.ID, "error", uerr)
		}
		return nil, apperror.ErrInternal.WithMessage("post could not be dispatched")
	}

	result.DispatchID = taskID
	return result, nil
}

// ApproveContent schedules approved content on each preferred platform the
// user has an active account on. Platforms without one are skipped.
func (s *postService) ApproveContent(ctx context.Context, userID int64, content *transfer.ApprovedContent) ([]*transfer.ScheduleResult, error) {
	if strings.TrimSpace(content.ContentRef) == "" {
		return nil, apperror.Validation("content_ref: cannot be blank.")
	}

	pref, err := s.prefs.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var platforms []string
	if pref != nil && len(pref.PreferredPlatforms) > 0 {
		platforms = pref.PreferredPlatforms
	} else {
		accounts, err := s.ar.ListByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, sa := range accounts {
			if sa.AccountStatus == models.AccountStatusActive {
				platforms = append(platforms, sa.Platform)
			}
		}
	}

	scheduledFor := strings.TrimSpace(content.ScheduledFor)
	if scheduledFor == "" && pref != nil && len(pref.PostingSchedule) > 0 {
		// leave room for the minimum lead time
		next, err := trigger.NextFromSchedule(pref.PostingSchedule, pref.Timezone, s.now().Add(2*minLeadTime))
		if err == nil {
			scheduledFor = next.Format(time.RFC3339)
		} else {
			slog.Info("no posting trigger, publishing now", "user_id", userID, "error", err)
		}
	}

	postType := content.PostType
	if postType == "" {
		postType = string(models.PostTypeText)
		if len(content.MediaURLs) > 0 {
			postType = string(models.PostTypeImageText)
		}
	}

	var results []*transfer.ScheduleResult
	var lastErr error
	for _, p := range platforms {
		p = strings.ToLower(p)
		account, err := s.ar.GetActiveByPlatform(ctx, userID, p)
		if err != nil {
			return results, err
		}
		if account == nil {
			slog.Info("no active account, skipping platform", "user_id", userID, "platform", p)
			continue
		}

		body := content.Body
		if override, ok := content.Bodies[p]; ok && override != "" {
			body = override
		}

		res, err := s.SchedulePost(ctx, &transfer.ScheduleRequest{
			UserID:       userID,
			AccountID:    account.ID,
			Platform:     p,
			ContentRef:   content.ContentRef,
			PostType:     postType,
			Body:         body,
			Title:        content.Title,
			MediaURLs:    content.MediaURLs,
			SourceURL:    content.SourceURL,
			ScheduledFor: scheduledFor,
		})
		if err != nil {
			slog.Warn("approve content failed for platform", "user_id", userID, "platform", p, "error", err)
			lastErr = err
			continue
		}
		results = append(results, res)
	}

	if len(results) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return results, nil
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	posts, err := s.pr.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error) {
	if postID == 0 {
		return nil, apperror.Validation("post id is not valid")
	}

	post, err := s.pr.GetByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, apperror.ErrPostNotFound
	}
	return post, nil
}

// Cancel stops a post that has not started publishing. The row is kept.
func (s *postService) Cancel(ctx context.Context, userID, postID int64) error {
	post, err := s.PostInfo(ctx, postID, userID)
	if err != nil {
		return err
	}
	if !post.Status.Waiting() {
		return apperror.ErrCannotCancel
	}

	updated, err := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
		From: []models.PostStatus{models.PostStatusPending, models.PostStatusScheduled},
		To:   models.PostStatusCancelled,
	})
	if err != nil {
		return err
	}
	if !updated {
		return apperror.ErrCannotCancel
	}
	return nil
}

// Retry resets a post to pending with a fresh retry budget and publishes it now,
// or once the platform quota allows it again.
func (s *postService) Retry(ctx context.Context, userID, postID int64) (*transfer.ScheduleResult, error) {
	post, err := s.PostInfo(ctx, postID, userID)
	if err != nil {
		return nil, err
	}

	switch post.Status {
	case models.PostStatusPublished:
		return nil, apperror.ErrAlreadyPublished
	case models.PostStatusCancelled:
		return nil, apperror.ErrCannotRetryCancelled
	case models.PostStatusProcessing:
		return nil, apperror.ErrPostInProgress
	}

	now := s.now().UTC()
	at := now
	if err := s.limits.CheckPostingLimits(ctx, post.UserID, post.Platform); err != nil {
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return nil, err
		}
		at = rl.NextAvailableAt
		slog.Info("retry deferred by posting limit", "post_id", post.ID, "deliver_at", at)
	}

	noError := ""
	updated, err := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
		From:         []models.PostStatus{models.PostStatusFailed, models.PostStatusPending, models.PostStatusScheduled},
		To:           models.PostStatusPending,
		LastError:    &noError,
		ScheduledAt:  &at,
		ResetRetries: true,
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, apperror.ErrStatusConflict
	}

	post.Status = models.PostStatusPending
	post.ScheduledAt = at
	post.RetryCount = 0
	result := resultFor(post)

	taskID, err := s.ds.Emit(ctx, &models.Dispatch{
		IdempotencyKey: models.RetryKey(post.ID, now),
		PostID:         post.ID,
		EventName:      models.EventPublish,
		DeliverAt:      at,
		Retry:          true,
	})
	if err != nil {
		// still pending and due; the sweeper picks it up
		return result, nil
	}
	result.DispatchID = taskID
	return result, nil
}

var externalStatuses = map[string]models.PostStatus{
	"PUBLISHED":  models.PostStatusPublished,
	"SCHEDULED":  models.PostStatusPending,
	"PENDING":    models.PostStatusPending,
	"PROCESSING": models.PostStatusProcessing,
	"FAILED":     models.PostStatusFailed,
	"CANCELLED":  models.PostStatusCancelled,
	"CANCELED":   models.PostStatusCancelled,
}

// NormalizeStatus maps an external status word onto a post status.
func NormalizeStatus(raw string) (models.PostStatus, bool) {
	status, ok := externalStatuses[strings.ToUpper(strings.TrimSpace(raw))]
	return status, ok
}

// UpdateStatus applies a status reported by an external automation.
func (s *postService) UpdateStatus(ctx context.Context, update *transfer.StatusUpdate) error {
	if update.PostID == 0 {
		return apperror.Validation("postId: cannot be blank.")
	}
	to, ok := NormalizeStatus(update.Status)
	if !ok {
		return apperror.Validation(fmt.Sprintf("status: unknown value %q.", update.Status))
	}

	post, err := s.pr.GetByID(ctx, update.PostID)
	if err != nil {
		return err
	}
	if post == nil {
		return apperror.ErrPostNotFound
	}
	if post.Status == to {
		return nil
	}
	if !models.CanTransition(post.Status, to) {
		return apperror.ErrStatusConflict.WithMessage(fmt.Sprintf("post cannot move from %s to %s", post.Status, to))
	}

	change := &models.StatusChange{
		From: []models.PostStatus{post.Status},
		To:   to,
	}
	if update.ExternalPostID != "" {
		change.ExternalPostID = &update.ExternalPostID
	}
	if update.Error != "" {
		msg := platform.Truncate(update.Error, maxErrorLength)
		change.LastError = &msg
	}
	if to == models.PostStatusPublished {
		at := s.now().UTC()
		change.PublishedAt = &at
	}

	updated, err := s.pr.UpdateStatus(ctx, post.ID, change)
	if err != nil {
		return err
	}
	if !updated {
		return apperror.ErrStatusConflict
	}
	return nil
}
