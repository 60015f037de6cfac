package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/transfer"
	"github.com/socialsync/publisher/pkg/apperror"
)

// RateLimitError is returned when a platform quota refuses a post. It matches
// apperror.ErrRateLimitExceeded.
type RateLimitError struct {
	NextAvailableAt time.Time
	err             *apperror.Error
}

func (e *RateLimitError) Error() string { return e.err.Error() }

func (e *RateLimitError) Unwrap() error { return e.err }

type LimitsService interface {
	CheckPostingLimits(ctx context.Context, userID int64, platform string) error
	GetUserLimits(ctx context.Context, userID int64, platform string) (*transfer.LimitsResponse, error)
	ReserveSlot(ctx context.Context, post *models.Post) (int64, error)
	ReleaseSlot(ctx context.Context, reservationID int64, published bool, errMsg string) error
	CanAttachPlatform(ctx context.Context, userID int64, platform, externalID string) error
}

type limitsService struct {
	cfg config.Config
	ph  repository.PostingHistoryRepository
	ar  repository.SocialAccountRepository
	now func() time.Time
}

func NewLimitsService(cfg config.Config, ph repository.PostingHistoryRepository, ar repository.SocialAccountRepository) LimitsService {
	return &limitsService{
		cfg: cfg,
		ph:  ph,
		ar:  ar,
		now: time.Now,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// window is the quota period at now. A reservation outlives its processing
// lease only when the worker died before settling it.
func (s *limitsService) window(platform string, now time.Time) repository.QuotaWindow {
	policy := s.cfg.LimitFor(platform)
	return repository.QuotaWindow{
		Since:         startOfDay(now),
		ReservedSince: now.Add(-s.cfg.ProcessingLease),
		Limit:         policy.DailyLimit,
		MinInterval:   policy.MinInterval,
	}
}

// refusal explains why usage blocks a post at now, or returns nil.
func (s *limitsService) refusal(platform string, usage repository.QuotaUsage, now time.Time) *RateLimitError {
	policy := s.cfg.LimitFor(platform)

	var next time.Time
	var msg string
	if usage.Used >= policy.DailyLimit {
		next = startOfDay(now).Add(24 * time.Hour)
		msg = fmt.Sprintf("RateLimitExceeded: daily limit of %d %s posts reached", policy.DailyLimit, platform)
	}
	if usage.LastPostAt != nil {
		if at := usage.LastPostAt.Add(policy.MinInterval); at.After(now) {
			if msg == "" {
				msg = fmt.Sprintf("RateLimitExceeded: %s posts must be %s apart", platform, policy.MinInterval)
			}
			if at.After(next) {
				next = at
			}
		}
	}
	if msg == "" {
		return nil
	}
	return &RateLimitError{NextAvailableAt: next.UTC(), err: apperror.ErrRateLimitExceeded.WithMessage(msg)}
}

// CheckPostingLimits reports, without reserving, whether the user could post on
// platform now. A refusal is a *RateLimitError.
func (s *limitsService) CheckPostingLimits(ctx context.Context, userID int64, platform string) error {
	now := s.now()
	usage, err := s.ph.Usage(ctx, userID, platform, s.window(platform, now))
	if err != nil {
		return err
	}
	if rl := s.refusal(platform, *usage, now); rl != nil {
		return rl
	}
	return nil
}

func (s *limitsService) GetUserLimits(ctx context.Context, userID int64, platform string) (*transfer.LimitsResponse, error) {
	now := s.now()
	usage, err := s.ph.Usage(ctx, userID, platform, s.window(platform, now))
	if err != nil {
		return nil, err
	}

	policy := s.cfg.LimitFor(platform)
	resp := &transfer.LimitsResponse{
		Platform:  platform,
		Used:      usage.Used,
		Limit:     policy.DailyLimit,
		Remaining: policy.DailyLimit - usage.Used,
		Exhausted: usage.Used >= policy.DailyLimit,
	}
	if resp.Remaining < 0 {
		resp.Remaining = 0
	}
	if policy.DailyLimit > 0 {
		resp.Percentage = usage.Used * 100 / policy.DailyLimit
		if resp.Percentage > 100 {
			resp.Percentage = 100
		}
	}
	if rl := s.refusal(platform, *usage, now); rl != nil {
		resp.IsRateLimited = true
		resp.NextPostAvailableAt = &rl.NextAvailableAt
	}
	return resp, nil
}

// ReserveSlot takes one unit of the post's platform quota and returns the
// reservation id, or a *RateLimitError when the quota refuses it.
func (s *limitsService) ReserveSlot(ctx context.Context, post *models.Post) (int64, error) {
	now := s.now()
	policy := s.cfg.LimitFor(post.Platform)

	res, err := s.ph.Reserve(ctx, &models.PostingHistory{
		UserID:    post.UserID,
		PostID:    post.ID,
		AccountID: post.AccountID,
		Platform:  post.Platform,
		PostedAt:  now,
	}, s.window(post.Platform, now))
	if err != nil {
		return 0, err
	}

	if !res.Allowed {
		rl := s.refusal(post.Platform, res.Usage, now)
		if rl == nil {
			rl = &RateLimitError{NextAvailableAt: now.Add(policy.MinInterval).UTC(), err: apperror.ErrRateLimitExceeded.WithMessage("RateLimitExceeded")}
		}
		slog.Warn("posting limit reached", "post_id", post.ID, "platform", post.Platform, "next_at", rl.NextAvailableAt)
		return 0, rl
	}
	return res.ID, nil
}

// ReleaseSlot settles a reservation. Failed attempts stop counting against the quota.
func (s *limitsService) ReleaseSlot(ctx context.Context, reservationID int64, published bool, errMsg string) error {
	status := models.HistoryStatusFailed
	if published {
		status = models.HistoryStatusPublished
	}
	return s.ph.Complete(ctx, reservationID, status, errMsg)
}

// CanAttachPlatform allows re-linking the identity already attached but refuses
// a different identity while the user has an active account on the platform,
// and any identity already owned by another user.
func (s *limitsService) CanAttachPlatform(ctx context.Context, userID int64, platform, externalID string) error {
	links, err := s.ar.ListByExternalID(ctx, platform, externalID)
	if err != nil {
		return err
	}
	for _, sa := range links {
		if sa.UserID != userID {
			return apperror.ErrAccountAlreadyLinked.WithMessage("this account is already linked to another user")
		}
	}

	active, err := s.ar.GetActiveByPlatform(ctx, userID, platform)
	if err != nil {
		return err
	}
	if active != nil && active.AccountID != externalID {
		return apperror.ErrAccountAlreadyLinked.WithMessage(
			fmt.Sprintf("a different %s account is already linked", models.PlatformDisplayName(platform)))
	}
	return nil
}
