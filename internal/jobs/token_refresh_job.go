package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/service"
)

const (
	refreshAhead     = 30 * time.Minute
	concurrencyLimit = 10
)

type TokenRefreshJob struct {
	ar     repository.SocialAccountRepository
	tokens service.TokenService
	now    func() time.Time
}

func NewTokenRefreshJob(ar repository.SocialAccountRepository, tokens service.TokenService) *TokenRefreshJob {
	return &TokenRefreshJob{
		ar:     ar,
		tokens: tokens,
		now:    time.Now,
	}
}

// RefreshTokens refreshes every account whose token expires within the next
// 30 minutes.
func (c *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()

	accounts, err := c.ar.ListExpiring(ctx, c.now().Add(refreshAhead))
	if err != nil {
		slog.Info(err.Error())
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := c.tokens.RefreshAccount(ctx, acc); err != nil {
				slog.Warn("unable to refresh token", "account_id", acc.ID, "platform", acc.Platform, "error", err)
			}
		}(acc)
	}

	wg.Wait()
}
