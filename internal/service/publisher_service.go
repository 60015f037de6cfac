package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/transfer"
	"github.com/socialsync/publisher/pkg/apperror"
)

const maxErrorLength = 1000

type PublisherService interface {
	PublishPost(ctx context.Context, postID int64, retry bool) (*transfer.PublishOutcome, error)
}

type publisherService struct {
	cfg       config.Config
	pr        repository.PostRepository
	ar        repository.SocialAccountRepository
	limits    LimitsService
	tokens    TokenService
	platforms platform.Registry
	now       func() time.Time
}

func NewPublisherService(
	cfg config.Config,
	pr repository.PostRepository,
	ar repository.SocialAccountRepository,
	limits LimitsService,
	tokens TokenService,
	platforms platform.Registry) PublisherService {
	return &publisherService{
		cfg:       cfg,
		pr:        pr,
		ar:        ar,
		limits:    limits,
		tokens:    tokens,
		platforms: platforms,
		now:       time.Now,
	}
}

// PublishPost claims the post and publishes it to every target that has not
// succeeded yet. Posts that are already final or owned by another worker are
// reported as skipped. retry marks a re-attempt, sweeper driven or manual,
// which counts against the retry budget.
func (s *publisherService) PublishPost(ctx context.Context, postID int64, retry bool) (*transfer.PublishOutcome, error) {
	post, err := s.pr.Claim(ctx, postID, s.now(), s.cfg.ProcessingLease, retry)
	if err != nil {
		return nil, err
	}
	if post == nil {
		current, err := s.pr.GetByID(ctx, postID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, apperror.ErrPostNotFound
		}
		slog.Info("publish skipped", "post_id", postID, "status", current.Status)
		return &transfer.PublishOutcome{PostID: postID, Status: string(current.Status), Skipped: true}, nil
	}

	if retry && post.RetryCount > s.cfg.MaxRetries {
		return s.fail(ctx, post, "retries exhausted", nil, nil)
	}

	account, err := s.ar.GetByID(ctx, post.AccountID)
	if err != nil {
		return nil, s.release(ctx, post, err)
	}
	if account == nil || account.AccountStatus != models.AccountStatusActive {
		return s.fail(ctx, post, apperror.ErrAccountInactive.Error(), nil, nil)
	}

	reservation, err := s.limits.ReserveSlot(ctx, post)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			return s.postpone(ctx, post, rl)
		}
		return nil, s.release(ctx, post, err)
	}

	outcome, publishErr := s.publish(ctx, post, account)

	published := outcome != nil && outcome.Status == string(models.PostStatusPublished)
	settleErr := ""
	if !published {
		settleErr = post.LastError
		if publishErr != nil {
			settleErr = publishErr.Error()
		}
	}
	if err := s.limits.ReleaseSlot(ctx, reservation, published, settleErr); err != nil {
		slog.Error("failed to settle posting history", "post_id", post.ID, "error", err)
	}
	return outcome, publishErr
}

func (s *publisherService) publish(ctx context.Context, post *models.Post, account *models.SocialAccount) (*transfer.PublishOutcome, error) {
	client, err := s.platforms.Get(post.Platform)
	if err != nil {
		return s.fail(ctx, post, err.Error(), nil, nil)
	}

	token, err := s.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindInternal && !errors.Is(err, apperror.ErrTokenUnavailable) {
			return nil, s.release(ctx, post, err)
		}
		return s.fail(ctx, post, "token unavailable: "+err.Error(), nil, nil)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PlatformTimeout)
	prepared, err := client.Prepare(pctx, token, account.AccountID, post.Content)
	cancel()
	if err != nil {
		return s.fail(ctx, post, "prepare: "+err.Error(), nil, nil)
	}
	if len(prepared.Dropped) > 0 {
		slog.Warn("media left out of post", "post_id", post.ID, "urls", prepared.Dropped)
	}

	results := models.TargetResults{}
	for k, v := range post.TargetResults {
		results[k] = v
	}

	var errs []string
	for _, target := range post.Targets() {
		key := target.Key()
		if results[key] != "" {
			continue
		}

		tctx, cancel := context.WithTimeout(ctx, s.cfg.PlatformTimeout)
		urn, err := client.Publish(tctx, token, prepared, target, post.Visibility)
		cancel()
		if err != nil {
			slog.Warn("target publish failed", "post_id", post.ID, "target", key, "error", err)
			errs = append(errs, key+": "+err.Error())
			continue
		}
		results[key] = urn
	}

	if len(errs) > 0 {
		outcome, err := s.fail(ctx, post, strings.Join(errs, " | "), results, errs)
		if outcome != nil {
			outcome.DroppedMedia = prepared.Dropped
		}
		return outcome, err
	}

	external := firstResult(post.Targets(), results)
	publishedAt := s.now().UTC()
	noError := ""
	updated, err := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
		From:           []models.PostStatus{models.PostStatusProcessing},
		To:             models.PostStatusPublished,
		LastError:      &noError,
		ExternalPostID: &external,
		TargetResults:  results,
		PublishedAt:    &publishedAt,
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		slog.Warn("post changed while publishing", "post_id", post.ID)
	}

	slog.Info("post published", "post_id", post.ID, "platform", post.Platform, "external_post_id", external)
	post.LastError = ""
	return &transfer.PublishOutcome{
		PostID:         post.ID,
		Status:         string(models.PostStatusPublished),
		ExternalPostID: external,
		Results:        results,
		DroppedMedia:   prepared.Dropped,
	}, nil
}

func firstResult(targets []models.Target, results models.TargetResults) string {
	for _, t := range targets {
		if urn := results[t.Key()]; urn != "" {
			return urn
		}
	}
	return ""
}

// fail moves the claimed post to failed, keeping the results of targets that did succeed.
func (s *publisherService) fail(ctx context.Context, post *models.Post, reason string, results models.TargetResults, errs []string) (*transfer.PublishOutcome, error) {
	reason = platform.Truncate(reason, maxErrorLength)
	post.LastError = reason

	_, err := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
		From:          []models.PostStatus{models.PostStatusProcessing},
		To:            models.PostStatusFailed,
		LastError:     &reason,
		TargetResults: results,
	})
	if err != nil {
		return nil, err
	}

	slog.Warn("post failed", "post_id", post.ID, "platform", post.Platform, "error", reason)
	if errs == nil {
		errs = []string{reason}
	}
	succeeded := 0
	for _, urn := range results {
		if urn != "" {
			succeeded++
		}
	}
	return &transfer.PublishOutcome{
		PostID:         post.ID,
		Status:         string(models.PostStatusFailed),
		PartialSuccess: succeeded > 0,
		Results:        results,
		Errors:         errs,
	}, nil
}

// postpone hands a rate-limited post back to pending at the next allowed instant.
func (s *publisherService) postpone(ctx context.Context, post *models.Post, rl *RateLimitError) (*transfer.PublishOutcome, error) {
	reason := rl.Error()
	post.LastError = reason
	_, err := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
		From:        []models.PostStatus{models.PostStatusProcessing},
		To:          models.PostStatusPending,
		LastError:   &reason,
		ScheduledAt: &rl.NextAvailableAt,
	})
	if err != nil {
		return nil, err
	}
	return &transfer.PublishOutcome{
		PostID: post.ID,
		Status: string(models.PostStatusPending),
		Errors: []string{reason},
	}, nil
}

// release returns the claim after an infrastructure error so a later sweep can retry.
func (s *publisherService) release(ctx context.Context, post *models.Post, cause error) error {
	reason := platform.Truncate("publish interrupted: "+cause.Error(), maxErrorLength)
	if _, err := s.pr.UpdateStatus(ctx, post.ID, &models.StatusChange{
		From:      []models.PostStatus{models.PostStatusProcessing},
		To:        models.PostStatusPending,
		LastError: &reason,
	}); err != nil {
		slog.Error("failed to release post", "post_id", post.ID, "error", err)
	}
	return fmt.Errorf("publish post %d: %w", post.ID, cause)
}
