package job

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/service"
)

const (
	sweepBatch = 50
	// how long a swept post stays reserved for the dispatch just sent
	dispatchLease = 5 * time.Minute
)

// DueSweeper delivers due posts whose dispatch was lost, postponed or
// interrupted, and returns abandoned processing posts to pending.
type DueSweeper struct {
	pr         repository.PostRepository
	ds         service.DispatchService
	staleAfter time.Duration
	now        func() time.Time
}

func NewDueSweeper(pr repository.PostRepository, ds service.DispatchService, staleAfter time.Duration) *DueSweeper {
	return &DueSweeper{
		pr:         pr,
		ds:         ds,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// reattempt reports whether publishing post again counts against its retry
// budget. Rate-limit postponements do not.
func reattempt(post *models.Post) bool {
	return post.LastError != "" && !strings.HasPrefix(post.LastError, "RateLimitExceeded")
}

func (s *DueSweeper) Sweep() {
	ctx := context.Background()
	now := s.now().UTC()

	recovered, err := s.pr.RecoverStale(ctx, now, s.staleAfter)
	if err != nil {
		slog.Error("failed to recover stale posts", "error", err)
	} else if recovered > 0 {
		slog.Warn("recovered stale processing posts", "count", recovered)
	}

	posts, err := s.pr.ClaimDue(ctx, now, dispatchLease, sweepBatch)
	if err != nil {
		slog.Error("failed to claim due posts", "error", err)
		return
	}

	for _, post := range posts {
		_, err := s.ds.Emit(ctx, &models.Dispatch{
			IdempotencyKey: models.PublishKey(post.ID, now),
			PostID:         post.ID,
			EventName:      models.EventPublish,
			DeliverAt:      now,
			Retry:          reattempt(post),
		})
		if err != nil {
			slog.Error("failed to dispatch due post", "post_id", post.ID, "error", err)
		}
	}
	if len(posts) > 0 {
		slog.Info("dispatched due posts", "count", len(posts))
	}
}
