package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/internal/repository"
)

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func testConfig() config.Config {
	return config.Config{
		SecretKey:           "test-secret",
		FrontendURL:         "http://localhost:5173",
		PlatformTimeout:     5 * time.Second,
		TokenRefreshTimeout: 5 * time.Second,
		ProcessingLease:     30 * time.Minute,
		MaxRetries:          3,
		LinkedIn: config.LinkedIn{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURI:  "http://localhost:3000/auth/linkedin/callback",
		},
		Limits: map[string]config.PlatformLimit{
			"linkedin": {DailyLimit: 25, MinInterval: 15 * time.Minute},
			"default":  {DailyLimit: 20, MinInterval: 5 * time.Minute},
		},
	}
}

type fakeTransactor struct{}

func (fakeTransactor) WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

type fakePostRepo struct {
	mu     sync.Mutex
	posts  map[int64]*models.Post
	nextID int64
}

func newFakePostRepo() *fakePostRepo {
	return &fakePostRepo{posts: map[int64]*models.Post{}}
}

func clonePost(p *models.Post) *models.Post {
	c := *p
	c.TargetIDs = append([]string(nil), p.TargetIDs...)
	c.Content.MediaURLs = append([]string(nil), p.Content.MediaURLs...)
	if p.TargetResults != nil {
		c.TargetResults = models.TargetResults{}
		for k, v := range p.TargetResults {
			c.TargetResults[k] = v
		}
	}
	return &c
}

func (r *fakePostRepo) add(p *models.Post) *models.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = testNow
	}
	r.posts[p.ID] = clonePost(p)
	return p
}

func (r *fakePostRepo) get(id int64) *models.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[id]; ok {
		return clonePost(p)
	}
	return nil
}

func (r *fakePostRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posts)
}

func (r *fakePostRepo) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	r.mu.Lock()
	for _, p := range r.posts {
		if post.ContentRef != "" && p.AccountID == post.AccountID && p.ContentRef == post.ContentRef && p.Status != models.PostStatusCancelled {
			r.mu.Unlock()
			return 0, &pq.Error{Code: "23505"}
		}
	}
	r.mu.Unlock()
	return r.add(post).ID, nil
}

func (r *fakePostRepo) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	return r.get(id), nil
}

func (r *fakePostRepo) GetByUserID(ctx context.Context, postID, userID int64) (*models.Post, error) {
	p := r.get(postID)
	if p == nil || p.UserID != userID {
		return nil, nil
	}
	return p, nil
}

func (r *fakePostRepo) ListByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Post
	for _, p := range r.posts {
		if p.UserID == userID {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakePostRepo) FindLiveByContentRef(ctx context.Context, accountID int64, contentRef string) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.posts {
		if p.AccountID == accountID && p.ContentRef == contentRef && p.Status != models.PostStatusCancelled {
			return clonePost(p), nil
		}
	}
	return nil, nil
}

func (r *fakePostRepo) UpdateStatus(ctx context.Context, id int64, change *models.StatusChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range change.From {
		if p.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}

	p.Status = change.To
	if change.To != models.PostStatusProcessing {
		p.LeaseExpiresAt = nil
	}
	if change.LastError != nil {
		p.LastError = *change.LastError
	}
	if change.ExternalPostID != nil {
		p.ExternalPostID = *change.ExternalPostID
	}
	if change.TargetResults != nil {
		p.TargetResults = change.TargetResults
	}
	if change.ScheduledAt != nil {
		p.ScheduledAt = *change.ScheduledAt
	}
	if change.PublishedAt != nil {
		p.PublishedAt = change.PublishedAt
	}
	if change.ResetRetries {
		p.RetryCount = 0
	}
	return true, nil
}

func (r *fakePostRepo) Claim(ctx context.Context, id int64, now time.Time, lease time.Duration, retry bool) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, nil
	}
	claimable := p.Status.Waiting() ||
		(p.Status == models.PostStatusProcessing && (p.LeaseExpiresAt == nil || p.LeaseExpiresAt.Before(now)))
	if !claimable {
		return nil, nil
	}
	expires := now.Add(lease)
	p.Status = models.PostStatusProcessing
	p.LeaseExpiresAt = &expires
	if retry {
		p.RetryCount++
	}
	return clonePost(p), nil
}

func (r *fakePostRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Post, error) {
	return nil, errors.New("not used")
}

func (r *fakePostRepo) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	return 0, errors.New("not used")
}

type fakeAccountRepo struct {
	mu             sync.Mutex
	accounts       map[int64]*models.SocialAccount
	nextID         int64
	beforeSetToken func()
	setTokenCalls  int
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: map[int64]*models.SocialAccount{}}
}

func (r *fakeAccountRepo) add(sa *models.SocialAccount) *models.SocialAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sa.ID = r.nextID
	if sa.Capabilities == nil {
		sa.Capabilities = models.NewCapabilities()
	}
	c := *sa
	r.accounts[sa.ID] = &c
	return sa
}

func (r *fakeAccountRepo) get(id int64) *models.SocialAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sa, ok := r.accounts[id]; ok {
		c := *sa
		return &c
	}
	return nil
}

func (r *fakeAccountRepo) Create(ctx context.Context, tx *sql.Tx, sa *models.SocialAccount) (int64, error) {
	c := *sa
	return r.add(&c).ID, nil
}

func (r *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	return r.get(id), nil
}

func (r *fakeAccountRepo) ListByUserID(ctx context.Context, userID int64) ([]*models.SocialAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SocialAccount
	for id := int64(1); id <= r.nextID; id++ {
		sa, ok := r.accounts[id]
		if ok && sa.UserID == userID && sa.AccountStatus != models.AccountStatusArchived {
			c := *sa
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeAccountRepo) GetActiveByPlatform(ctx context.Context, userID int64, platform string) (*models.SocialAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sa := range r.accounts {
		if sa.UserID == userID && sa.Platform == platform && sa.AccountStatus == models.AccountStatusActive {
			c := *sa
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeAccountRepo) ListByExternalID(ctx context.Context, platform, externalID string) ([]*models.SocialAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SocialAccount
	for _, sa := range r.accounts {
		if sa.Platform == platform && sa.AccountID == externalID && sa.AccountStatus != models.AccountStatusArchived {
			c := *sa
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeAccountRepo) ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	return nil, nil
}

func (r *fakeAccountRepo) SetToken(ctx context.Context, accountID int64, oldAccessToken string, sa *models.SocialAccount) (bool, error) {
	if r.beforeSetToken != nil {
		r.beforeSetToken()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setTokenCalls++
	stored, ok := r.accounts[accountID]
	if !ok || stored.AccessToken != oldAccessToken {
		return false, nil
	}
	stored.AccessToken = sa.AccessToken
	if sa.RefreshToken != "" {
		stored.RefreshToken = sa.RefreshToken
	}
	stored.TokenExpiresAt = sa.TokenExpiresAt
	return true, nil
}

func (r *fakeAccountRepo) UpdateCredentials(ctx context.Context, sa *models.SocialAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[sa.ID]
	if !ok {
		return errors.New("missing account")
	}
	stored.AccountName = sa.AccountName
	stored.AccountUsername = sa.AccountUsername
	stored.ProfilePicture = sa.ProfilePicture
	stored.AccessToken = sa.AccessToken
	if sa.RefreshToken != "" {
		stored.RefreshToken = sa.RefreshToken
	}
	stored.TokenExpiresAt = sa.TokenExpiresAt
	stored.AccountStatus = models.AccountStatusActive
	return nil
}

func (r *fakeAccountRepo) UpdateStatus(ctx context.Context, id int64, status models.AccountStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sa, ok := r.accounts[id]; ok {
		sa.AccountStatus = status
	}
	return nil
}

func (r *fakeAccountRepo) UpdateCapabilities(ctx context.Context, id int64, caps models.Capabilities, status models.AccountStatus, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sa, ok := r.accounts[id]; ok {
		sa.Capabilities = caps
		sa.AccountStatus = status
		sa.LastVerifiedAt = &verifiedAt
	}
	return nil
}

type fakeDispatchRepo struct {
	mu      sync.Mutex
	records map[string]*models.Dispatch
}

func newFakeDispatchRepo() *fakeDispatchRepo {
	return &fakeDispatchRepo{records: map[string]*models.Dispatch{}}
}

func (r *fakeDispatchRepo) Create(ctx context.Context, tx *sql.Tx, d *models.Dispatch) (*models.Dispatch, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[d.IdempotencyKey]; ok {
		return existing, false, nil
	}
	c := *d
	c.ID = int64(len(r.records) + 1)
	r.records[d.IdempotencyKey] = &c
	return &c, true, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []*models.Dispatch
	err  error
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, dispatch *models.Dispatch) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, dispatch)
	return dispatch.IdempotencyKey, nil
}

type fakeHistoryRepo struct {
	mu   sync.Mutex
	rows []*models.PostingHistory
}

func (r *fakeHistoryRepo) usage(userID int64, platform string, window repository.QuotaWindow) repository.QuotaUsage {
	var u repository.QuotaUsage
	for _, row := range r.rows {
		if row.UserID != userID || row.Platform != platform || row.Status == models.HistoryStatusFailed {
			continue
		}
		if row.Status == models.HistoryStatusReserved && row.PostedAt.Before(window.ReservedSince) {
			continue
		}
		if !row.PostedAt.Before(window.Since) {
			u.Used++
		}
		if u.LastPostAt == nil || row.PostedAt.After(*u.LastPostAt) {
			at := row.PostedAt
			u.LastPostAt = &at
		}
	}
	return u
}

func (r *fakeHistoryRepo) Reserve(ctx context.Context, ph *models.PostingHistory, window repository.QuotaWindow) (*repository.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &repository.Reservation{Usage: r.usage(ph.UserID, ph.Platform, window)}
	if res.Usage.Used >= window.Limit {
		return res, nil
	}
	if res.Usage.LastPostAt != nil && ph.PostedAt.Sub(*res.Usage.LastPostAt) < window.MinInterval {
		return res, nil
	}
	c := *ph
	c.ID = int64(len(r.rows) + 1)
	c.Status = models.HistoryStatusReserved
	r.rows = append(r.rows, &c)
	res.ID = c.ID
	res.Allowed = true
	return res, nil
}

func (r *fakeHistoryRepo) Complete(ctx context.Context, id int64, status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Status = status
			row.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (r *fakeHistoryRepo) Usage(ctx context.Context, userID int64, platform string, window repository.QuotaWindow) (*repository.QuotaUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.usage(userID, platform, window)
	return &u, nil
}

type fakePreferenceRepo struct {
	prefs map[int64]*models.Preference
}

func (r *fakePreferenceRepo) GetByUserID(ctx context.Context, userID int64) (*models.Preference, error) {
	return r.prefs[userID], nil
}

func (r *fakePreferenceRepo) Upsert(ctx context.Context, p *models.Preference) error {
	if r.prefs == nil {
		r.prefs = map[int64]*models.Preference{}
	}
	c := *p
	r.prefs[p.UserID] = &c
	return nil
}

type fakeMediaRepo struct {
	assets []*models.MediaAsset
}

func (r *fakeMediaRepo) Create(ctx context.Context, ma *models.MediaAsset) (int64, error) {
	c := *ma
	c.ID = int64(len(r.assets) + 1)
	r.assets = append(r.assets, &c)
	return c.ID, nil
}

func (r *fakeMediaRepo) ListByUserID(ctx context.Context, userID int64) ([]*models.MediaAsset, error) {
	return r.assets, nil
}

// fakeClient records publish calls and fails the targets listed in failures.
type fakeClient struct {
	mu         sync.Mutex
	published  []string
	failures   map[string]error
	prepareErr error
	profile    *platform.Profile
	caps       models.Capabilities
	capsErr    error
	dropped    []string
	tokens     []string
}

func (c *fakeClient) Platform() string { return models.PlatformLinkedIn }

func (c *fakeClient) Prepare(ctx context.Context, token, author string, content models.Content) (*platform.Prepared, error) {
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	return &platform.Prepared{Author: platform.AuthorURN(author), Content: content, Category: "NONE", Dropped: c.dropped}, nil
}

func (c *fakeClient) Publish(ctx context.Context, token string, p *platform.Prepared, target models.Target, visibility models.Visibility) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
	key := target.Key()
	c.published = append(c.published, key)
	if err := c.failures[key]; err != nil {
		return "", err
	}
	return "urn:li:share:" + key, nil
}

func (c *fakeClient) Profile(ctx context.Context, token string) (*platform.Profile, error) {
	if c.profile == nil {
		return nil, &platform.Error{Platform: c.Platform(), StatusCode: 401, Message: "unauthorized"}
	}
	return c.profile, nil
}

func (c *fakeClient) Capabilities(ctx context.Context, token string) (models.Capabilities, error) {
	if c.capsErr != nil {
		return nil, c.capsErr
	}
	if c.caps == nil {
		caps := models.NewCapabilities()
		caps[models.CapabilityBasicPosting] = true
		caps[models.CapabilityImagePosting] = true
		return caps, nil
	}
	return c.caps, nil
}

func (c *fakeClient) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

// staticTokens hands out a fixed token or error.
type staticTokens struct {
	TokenService
	token string
	err   error
}

func (t *staticTokens) GetValidToken(ctx context.Context, accountID int64) (string, error) {
	return t.token, t.err
}
