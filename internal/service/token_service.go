package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/pkg/apperror"
	"github.com/socialsync/publisher/pkg/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/linkedin"
)

// tokens expiring within this window are refreshed before use
const refreshWindow = 5 * time.Minute

type TokenService interface {
	GetValidToken(ctx context.Context, accountID int64) (string, error)
	RefreshAccount(ctx context.Context, sa *models.SocialAccount) error
	CheckCapabilities(ctx context.Context, accountID int64) (models.Capabilities, error)
	Seal(token *oauth2.Token, sa *models.SocialAccount) error
	OAuthConfig(platform string) (*oauth2.Config, error)
}

type tokenService struct {
	cfg       config.Config
	ar        repository.SocialAccountRepository
	cipher    *utils.Cipher
	platforms platform.Registry
	endpoints map[string]oauth2.Endpoint
	now       func() time.Time
}

func NewTokenService(
	cfg config.Config,
	ar repository.SocialAccountRepository,
	cipher *utils.Cipher,
	platforms platform.Registry) TokenService {
	linkedinEndpoint := linkedin.Endpoint
	if cfg.LinkedIn.AuthURL != "" {
		linkedinEndpoint.AuthURL = cfg.LinkedIn.AuthURL
	}

	return &tokenService{
		cfg:       cfg,
		ar:        ar,
		cipher:    cipher,
		platforms: platforms,
		endpoints: map[string]oauth2.Endpoint{
			models.PlatformLinkedIn: linkedinEndpoint,
			models.PlatformYoutube:  google.Endpoint,
		},
		now: time.Now,
	}
}

func (s *tokenService) OAuthConfig(p string) (*oauth2.Config, error) {
	endpoint, ok := s.endpoints[p]
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("platform %q does not support account connection", p))
	}

	switch p {
	case models.PlatformLinkedIn:
		return &oauth2.Config{
			ClientID:     s.cfg.LinkedIn.ClientID,
			ClientSecret: s.cfg.LinkedIn.ClientSecret,
			RedirectURL:  s.cfg.LinkedIn.RedirectURI,
			Scopes:       []string{"openid", "profile", "email", "w_member_social"},
			Endpoint:     endpoint,
		}, nil
	default:
		return &oauth2.Config{
			ClientID:     s.cfg.Google.ClientID,
			ClientSecret: s.cfg.Google.ClientSecret,
			RedirectURL:  fmt.Sprintf("%s/auth/%s/callback", s.cfg.FrontendURL, p),
			Scopes:       []string{"https://www.googleapis.com/auth/userinfo.profile", "https://www.googleapis.com/auth/youtube.upload"},
			Endpoint:     endpoint,
		}, nil
	}
}

// Seal encrypts token into sa. An empty refresh token leaves the stored one untouched.
func (s *tokenService) Seal(token *oauth2.Token, sa *models.SocialAccount) error {
	access, err := s.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return err
	}
	sa.AccessToken = access
	sa.RefreshToken = ""

	if token.RefreshToken != "" {
		refresh, err := s.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return err
		}
		sa.RefreshToken = refresh
	}

	sa.TokenExpiresAt = token.Expiry
	if sa.TokenExpiresAt.IsZero() {
		sa.TokenExpiresAt = s.now().Add(time.Hour)
	}
	return nil
}

func (s *tokenService) GetValidToken(ctx context.Context, accountID int64) (string, error) {
	sa, err := s.ar.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if sa == nil {
		return "", apperror.ErrAccountNotFound
	}
	if sa.AccountStatus == models.AccountStatusRevoked || sa.AccountStatus == models.AccountStatusArchived {
		return "", apperror.ErrTokenUnavailable.WithMessage("account credentials are no longer valid")
	}

	if sa.TokenExpiresAt.After(s.now().Add(refreshWindow)) {
		token, err := s.cipher.Decrypt(sa.AccessToken)
		if err != nil {
			s.revoke(ctx, sa, "access token could not be decrypted")
			return "", apperror.ErrTokenUnavailable
		}
		return token, nil
	}

	return s.refresh(ctx, sa)
}

func (s *tokenService) RefreshAccount(ctx context.Context, sa *models.SocialAccount) error {
	_, err := s.refresh(ctx, sa)
	return err
}

func (s *tokenService) refresh(ctx context.Context, sa *models.SocialAccount) (string, error) {
	if sa.RefreshToken == "" {
		if sa.TokenExpiresAt.After(s.now()) {
			return s.cipher.Decrypt(sa.AccessToken)
		}
		return "", apperror.ErrTokenUnavailable.WithMessage("access token expired and cannot be refreshed")
	}

	refreshToken, err := s.cipher.Decrypt(sa.RefreshToken)
	if err != nil {
		s.revoke(ctx, sa, "refresh token could not be decrypted")
		return "", apperror.ErrTokenUnavailable
	}

	conf, err := s.OAuthConfig(sa.Platform)
	if err != nil {
		return "", err
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.TokenRefreshTimeout)
	defer cancel()

	token, err := conf.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejectedGrant(re) {
			s.revoke(ctx, sa, "refresh token rejected: "+re.ErrorCode)
		} else {
			slog.Warn("token refresh failed", "account_id", sa.ID, "platform", sa.Platform, "error", err)
		}
		return "", fmt.Errorf("%w: %v", apperror.ErrTokenUnavailable, err)
	}

	var sealed models.SocialAccount
	if err := s.Seal(token, &sealed); err != nil {
		return "", err
	}

	won, err := s.ar.SetToken(ctx, sa.ID, sa.AccessToken, &sealed)
	if err != nil {
		return "", err
	}
	if !won {
		// another worker refreshed first; use what it stored
		fresh, err := s.ar.GetByID(ctx, sa.ID)
		if err != nil {
			return "", err
		}
		if fresh == nil {
			return "", apperror.ErrAccountNotFound
		}
		return s.cipher.Decrypt(fresh.AccessToken)
	}

	slog.Info("token refreshed", "account_id", sa.ID, "platform", sa.Platform, "expires_at", sealed.TokenExpiresAt)
	return token.AccessToken, nil
}

func rejectedGrant(re *oauth2.RetrieveError) bool {
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

func (s *tokenService) revoke(ctx context.Context, sa *models.SocialAccount, reason string) {
	slog.Warn("account credentials revoked", "account_id", sa.ID, "platform", sa.Platform, "reason", reason)
	if err := s.ar.UpdateStatus(ctx, sa.ID, models.AccountStatusRevoked); err != nil {
		slog.Error("failed to mark account revoked", "account_id", sa.ID, "error", err)
	}
}

// CheckCapabilities queries the platform with the account's token and stores the
// verified feature matrix. Accounts that cannot post are marked restricted.
func (s *tokenService) CheckCapabilities(ctx context.Context, accountID int64) (models.Capabilities, error) {
	sa, err := s.ar.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sa == nil {
		return nil, apperror.ErrAccountNotFound
	}

	client, err := s.platforms.Get(sa.Platform)
	if err != nil {
		return nil, apperror.Validation(err.Error())
	}

	token, err := s.GetValidToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PlatformTimeout)
	defer cancel()

	caps, err := client.Capabilities(pctx, token)
	if err != nil {
		slog.Warn("capability check failed", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("%w: %v", apperror.ErrPlatformRequest, err)
	}

	status := models.AccountStatusActive
	if !caps[models.CapabilityBasicPosting] {
		status = models.AccountStatusRestricted
	}
	if err := s.ar.UpdateCapabilities(ctx, accountID, caps, status, s.now().UTC()); err != nil {
		return nil, err
	}
	return caps, nil
}
