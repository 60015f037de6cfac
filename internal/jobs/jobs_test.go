package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type expiringAccounts struct {
	repository.SocialAccountRepository
	accounts []*models.SocialAccount
	before   time.Time
}

func (r *expiringAccounts) ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	r.before = before
	return r.accounts, nil
}

type countingTokens struct {
	mu        sync.Mutex
	refreshed []int64
}

func (c *countingTokens) GetValidToken(ctx context.Context, accountID int64) (string, error) {
	return "", nil
}

func (c *countingTokens) RefreshAccount(ctx context.Context, sa *models.SocialAccount) error {
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = append(c.refreshed, sa.ID)
	if sa.ID == 2 {
		return errors.New("invalid_grant")
	}
	return nil
}

func (c *countingTokens) CheckCapabilities(ctx context.Context, accountID int64) (models.Capabilities, error) {
	return nil, nil
}

func (c *countingTokens) Seal(token *oauth2.Token, sa *models.SocialAccount) error { return nil }

func (c *countingTokens) OAuthConfig(platform string) (*oauth2.Config, error) { return nil, nil }

func TestRefreshTokensWaitsForEveryAccount(t *testing.T) {
	repo := &expiringAccounts{}
	for i := 1; i <= 25; i++ {
		repo.accounts = append(repo.accounts, &models.SocialAccount{ID: int64(i), Platform: "linkedin"})
	}
	tokens := &countingTokens{}
	job := NewTokenRefreshJob(repo, tokens)
	job.now = func() time.Time { return now }

	job.RefreshTokens()

	assert.Equal(t, now.Add(30*time.Minute), repo.before)
	sort.Slice(tokens.refreshed, func(i, j int) bool { return tokens.refreshed[i] < tokens.refreshed[j] })
	require.Len(t, tokens.refreshed, 25)
	assert.Equal(t, int64(1), tokens.refreshed[0])
	assert.Equal(t, int64(25), tokens.refreshed[24])
}

type duePosts struct {
	repository.PostRepository
	due          []*models.Post
	recoverErr   error
	staleAfter   time.Duration
	claimedLease time.Duration
	claimedLimit int
}

func (r *duePosts) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	r.staleAfter = staleAfter
	return 2, r.recoverErr
}

func (r *duePosts) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Post, error) {
	r.claimedLease = lease
	r.claimedLimit = limit
	return r.due, nil
}

type emitted struct {
	dispatches []*models.Dispatch
	failFor    int64
}

func (e *emitted) Record(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, error) {
	return d, nil
}

func (e *emitted) Send(ctx context.Context, d *models.Dispatch) (string, error) {
	return d.IdempotencyKey, nil
}

func (e *emitted) Emit(ctx context.Context, d *models.Dispatch) (string, error) {
	if d.PostID == e.failFor {
		return "", errors.New("redis down")
	}
	e.dispatches = append(e.dispatches, d)
	return d.IdempotencyKey, nil
}

func TestSweepDispatchesDuePosts(t *testing.T) {
	repo := &duePosts{due: []*models.Post{
		{ID: 1, Status: models.PostStatusScheduled},
		{ID: 2, Status: models.PostStatusPending, LastError: "RateLimitExceeded: linkedin posts must be 15m0s apart"},
		{ID: 3, Status: models.PostStatusPending, LastError: "recovered after processing lease expired"},
		{ID: 4, Status: models.PostStatusPending, LastError: "publish interrupted: connection reset"},
		{ID: 5, Status: models.PostStatusPending},
	}}
	ds := &emitted{failFor: 5}
	sweeper := NewDueSweeper(repo, ds, 30*time.Minute)
	sweeper.now = func() time.Time { return now }

	sweeper.Sweep()

	assert.Equal(t, 30*time.Minute, repo.staleAfter)
	assert.Equal(t, sweepBatch, repo.claimedLimit)
	assert.Equal(t, dispatchLease, repo.claimedLease)

	require.Len(t, ds.dispatches, 4)
	retries := map[int64]bool{}
	for _, d := range ds.dispatches {
		assert.Equal(t, models.EventPublish, d.EventName)
		assert.Equal(t, fmt.Sprintf("publish-%d-%d", d.PostID, now.UnixMilli()), d.IdempotencyKey)
		retries[d.PostID] = d.Retry
	}
	assert.Equal(t, map[int64]bool{1: false, 2: false, 3: true, 4: true}, retries)
}

func TestSweepContinuesWhenRecoveryFails(t *testing.T) {
	repo := &duePosts{
		recoverErr: errors.New("db timeout"),
		due:        []*models.Post{{ID: 1, Status: models.PostStatusScheduled}},
	}
	ds := &emitted{}
	NewDueSweeper(repo, ds, time.Minute).Sweep()

	assert.Len(t, ds.dispatches, 1)
}
