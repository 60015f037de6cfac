package service

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publisherFixture struct {
	svc      *publisherService
	posts    *fakePostRepo
	accounts *fakeAccountRepo
	history  *fakeHistoryRepo
	client   *fakeClient
	tokens   *staticTokens
	account  *models.SocialAccount
}

func newPublisherFixture() *publisherFixture {
	cfg := testConfig()
	f := &publisherFixture{
		posts:    newFakePostRepo(),
		accounts: newFakeAccountRepo(),
		history:  &fakeHistoryRepo{},
		client:   &fakeClient{},
		tokens:   &staticTokens{token: "access-token"},
	}
	f.account = f.accounts.add(&models.SocialAccount{
		UserID:        7,
		Platform:      models.PlatformLinkedIn,
		AccountID:     "abc",
		AccountStatus: models.AccountStatusActive,
	})
	f.svc = &publisherService{
		cfg:       cfg,
		pr:        f.posts,
		ar:        f.accounts,
		limits:    &limitsService{cfg: cfg, ph: f.history, ar: f.accounts, now: fixedClock},
		tokens:    f.tokens,
		platforms: platform.NewRegistry(f.client),
		now:       fixedClock,
	}
	return f
}

func (f *publisherFixture) addPost(status models.PostStatus, groups ...string) *models.Post {
	post := &models.Post{
		UserID:      7,
		AccountID:   f.account.ID,
		Platform:    models.PlatformLinkedIn,
		Content:     models.Content{Type: models.PostTypeText, Body: "hello"},
		TargetType:  models.TargetFeed,
		Visibility:  models.VisibilityPublic,
		ScheduledAt: testNow,
		Status:      status,
	}
	if len(groups) > 0 {
		post.Content.Type = models.PostTypeGroupPost
		post.TargetIDs = groups
	}
	return f.posts.add(post)
}

func TestPublishPostToFeedAndGroups(t *testing.T) {
	f := newPublisherFixture()
	post := f.addPost(models.PostStatusPending, "1", "2")

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusPublished), outcome.Status)
	assert.Equal(t, "urn:li:share:feed", outcome.ExternalPostID)
	assert.Equal(t, []string{"feed", "group:1", "group:2"}, f.client.calls())

	stored := f.posts.get(post.ID)
	assert.Equal(t, models.PostStatusPublished, stored.Status)
	assert.Len(t, stored.TargetResults, 3)
	assert.Nil(t, stored.LeaseExpiresAt)
	require.NotNil(t, stored.PublishedAt)

	require.Len(t, f.history.rows, 1)
	assert.Equal(t, models.HistoryStatusPublished, f.history.rows[0].Status)
	assert.Equal(t, []string{"access-token", "access-token", "access-token"}, f.client.tokens)
}

func TestPublishPostPartialFailureThenRetry(t *testing.T) {
	f := newPublisherFixture()
	f.client.failures = map[string]error{
		"group:2": &platform.Error{Platform: "linkedin", StatusCode: 500, Message: "boom"},
	}
	post := f.addPost(models.PostStatusPending, "1", "2")

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusFailed), outcome.Status)
	assert.True(t, outcome.PartialSuccess)
	assert.Equal(t, []string{"group:2: linkedin api 500: boom"}, outcome.Errors)

	stored := f.posts.get(post.ID)
	assert.Equal(t, models.PostStatusFailed, stored.Status)
	assert.Equal(t, "group:2: linkedin api 500: boom", stored.LastError)
	assert.Equal(t, "urn:li:share:feed", stored.TargetResults["feed"])
	assert.Equal(t, "urn:li:share:group:1", stored.TargetResults["group:1"])
	assert.NotContains(t, stored.TargetResults, "group:2")
	assert.Equal(t, models.HistoryStatusFailed, f.history.rows[0].Status)

	// the retry only visits the target that failed
	f.client.failures = nil
	_, err = f.posts.UpdateStatus(context.Background(), post.ID, &models.StatusChange{
		From: []models.PostStatus{models.PostStatusFailed},
		To:   models.PostStatusPending,
	})
	require.NoError(t, err)

	outcome, err = f.svc.PublishPost(context.Background(), post.ID, true)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusPublished), outcome.Status)
	assert.Equal(t, []string{"feed", "group:1", "group:2", "group:2"}, f.client.calls())

	stored = f.posts.get(post.ID)
	assert.Len(t, stored.TargetResults, 3)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, stored.LastError)
}

func TestPublishPostDailyLimitReached(t *testing.T) {
	f := newPublisherFixture()
	for i := 0; i < 25; i++ {
		f.history.rows = append(f.history.rows, &models.PostingHistory{
			ID:       int64(i + 1),
			UserID:   7,
			Platform: models.PlatformLinkedIn,
			Status:   models.HistoryStatusPublished,
			PostedAt: testNow.Add(-time.Duration(i+1) * 20 * time.Minute),
		})
	}
	post := f.addPost(models.PostStatusPending)

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusPending), outcome.Status)
	assert.Empty(t, f.client.calls())

	stored := f.posts.get(post.ID)
	assert.Equal(t, models.PostStatusPending, stored.Status)
	assert.True(t, strings.HasPrefix(stored.LastError, "RateLimitExceeded"))
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), stored.ScheduledAt)
	assert.Len(t, f.history.rows, 25)
}

func TestPublishPostMinimumInterval(t *testing.T) {
	f := newPublisherFixture()
	f.history.rows = append(f.history.rows, &models.PostingHistory{
		ID:       1,
		UserID:   7,
		Platform: models.PlatformLinkedIn,
		Status:   models.HistoryStatusPublished,
		PostedAt: testNow.Add(-5 * time.Minute),
	})
	post := f.addPost(models.PostStatusScheduled)

	_, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)

	stored := f.posts.get(post.ID)
	assert.Equal(t, models.PostStatusPending, stored.Status)
	assert.Equal(t, testNow.Add(10*time.Minute), stored.ScheduledAt)
	assert.Empty(t, f.client.calls())
}

func TestPublishPostSkipsFinalPosts(t *testing.T) {
	f := newPublisherFixture()
	post := f.addPost(models.PostStatusPublished)

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, string(models.PostStatusPublished), outcome.Status)
	assert.Empty(t, f.client.calls())

	_, err = f.svc.PublishPost(context.Background(), 999, false)
	assert.ErrorIs(t, err, apperror.ErrPostNotFound)
}

func TestPublishPostRetriesExhausted(t *testing.T) {
	f := newPublisherFixture()
	post := f.addPost(models.PostStatusPending)
	post.RetryCount = 3
	f.posts.posts[post.ID].RetryCount = 3

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, true)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusFailed), outcome.Status)

	stored := f.posts.get(post.ID)
	assert.Equal(t, models.PostStatusFailed, stored.Status)
	assert.Equal(t, "retries exhausted", stored.LastError)
	assert.Equal(t, 4, stored.RetryCount)
	assert.Empty(t, f.history.rows)
}

func TestPublishPostTokenUnavailable(t *testing.T) {
	f := newPublisherFixture()
	f.tokens.err = apperror.ErrTokenUnavailable
	post := f.addPost(models.PostStatusPending)

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusFailed), outcome.Status)
	assert.False(t, outcome.PartialSuccess)

	stored := f.posts.get(post.ID)
	assert.True(t, strings.HasPrefix(stored.LastError, "token unavailable"))
	require.Len(t, f.history.rows, 1)
	assert.Equal(t, models.HistoryStatusFailed, f.history.rows[0].Status)
}

func TestPublishPostInactiveAccount(t *testing.T) {
	f := newPublisherFixture()
	require.NoError(t, f.accounts.UpdateStatus(context.Background(), f.account.ID, models.AccountStatusRevoked))
	post := f.addPost(models.PostStatusPending)

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusFailed), outcome.Status)
	assert.Equal(t, apperror.ErrAccountInactive.Error(), f.posts.get(post.ID).LastError)
	assert.Empty(t, f.client.calls())
}

func TestPublishPostLongErrorsAreTruncated(t *testing.T) {
	f := newPublisherFixture()
	f.client.failures = map[string]error{
		"feed": &platform.Error{Platform: "linkedin", StatusCode: 400, Message: strings.Repeat("x", 2000)},
	}
	post := f.addPost(models.PostStatusPending)

	_, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Len(t, f.posts.get(post.ID).LastError, maxErrorLength)

	f.client.failures = map[string]error{
		"feed": &platform.Error{Platform: "linkedin", StatusCode: 400, Message: "x" + strings.Repeat("é", 600)},
	}
	accented := f.addPost(models.PostStatusPending)

	_, err = f.svc.PublishPost(context.Background(), accented.ID, false)
	require.NoError(t, err)
	lastErr := f.posts.get(accented.ID).LastError
	assert.True(t, utf8.ValidString(lastErr))
	assert.LessOrEqual(t, len(lastErr), maxErrorLength)
	assert.GreaterOrEqual(t, len(lastErr), maxErrorLength-1)
}

func TestPublishReportsDroppedMedia(t *testing.T) {
	f := newPublisherFixture()
	f.client.dropped = []string{"https://cdn.example.com/broken.png"}
	post := f.addPost(models.PostStatusPending)

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusPublished), outcome.Status)
	assert.Equal(t, []string{"https://cdn.example.com/broken.png"}, outcome.DroppedMedia)
}

func TestManualRetryCountsAgainstBudget(t *testing.T) {
	f := newPublisherFixture()
	f.client.failures = map[string]error{
		"feed": &platform.Error{Platform: "linkedin", StatusCode: 500, Message: "boom"},
	}
	post := f.addPost(models.PostStatusPending)

	_, err := f.svc.PublishPost(context.Background(), post.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.PostStatusFailed, f.posts.get(post.ID).Status)

	queue := &fakeDispatcher{}
	posts := &postService{
		tx:     fakeTransactor{},
		pr:     f.posts,
		ar:     f.accounts,
		prefs:  &fakePreferenceRepo{},
		ds:     NewDispatchService(newFakeDispatchRepo(), queue),
		limits: f.svc.limits,
		now:    fixedClock,
	}
	_, err = posts.Retry(context.Background(), 7, post.ID)
	require.NoError(t, err)
	require.Len(t, queue.sent, 1)
	assert.Equal(t, 0, f.posts.get(post.ID).RetryCount)

	outcome, err := f.svc.PublishPost(context.Background(), post.ID, queue.sent[0].Retry)
	require.NoError(t, err)
	assert.Equal(t, string(models.PostStatusFailed), outcome.Status)
	assert.Equal(t, 1, f.posts.get(post.ID).RetryCount)
}
