package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/platform"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/pkg/apperror"
	"github.com/socialsync/publisher/pkg/utils"
	"golang.org/x/oauth2"
)

const stateLifetime = 10 * time.Minute

type AccountService interface {
	GetAuthURL(ctx context.Context, platform string, userID int64) (string, error)
	Connect(ctx context.Context, platform, code, state string) (*models.SocialAccount, error)
	List(ctx context.Context, userID int64) ([]*models.SocialAccount, error)
	Archive(ctx context.Context, userID, accountID int64) error
	Verify(ctx context.Context, userID, accountID int64) (models.Capabilities, error)
}

type accountService struct {
	cfg       config.Config
	ar        repository.SocialAccountRepository
	limits    LimitsService
	tokens    TokenService
	platforms platform.Registry
}

func NewAccountService(
	cfg config.Config,
	ar repository.SocialAccountRepository,
	limits LimitsService,
	tokens TokenService,
	platforms platform.Registry) AccountService {
	return &accountService{
		cfg:       cfg,
		ar:        ar,
		limits:    limits,
		tokens:    tokens,
		platforms: platforms,
	}
}

// GetAuthURL builds the consent URL. The state is a short-lived token naming the user.
func (s *accountService) GetAuthURL(ctx context.Context, p string, userID int64) (string, error) {
	conf, err := s.tokens.OAuthConfig(strings.ToLower(p))
	if err != nil {
		return "", err
	}

	state, err := utils.GenerateToken(s.cfg.SecretKey, strconv.FormatInt(userID, 10), stateLifetime)
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Connect completes the authorization code flow and links the identity to the
// user named in state. Re-connecting the same identity refreshes it in place.
func (s *accountService) Connect(ctx context.Context, p, code, state string) (*models.SocialAccount, error) {
	p = strings.ToLower(p)
	if code == "" || state == "" {
		return nil, apperror.Validation("code or state is empty")
	}

	claims, err := utils.ValidateToken(s.cfg.SecretKey, state)
	if err != nil {
		return nil, apperror.ErrUnauthorized.WithMessage("authorization state is invalid or expired")
	}
	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil {
		return nil, apperror.ErrUnauthorized
	}

	conf, err := s.tokens.OAuthConfig(p)
	if err != nil {
		return nil, err
	}
	client, err := s.platforms.Get(p)
	if err != nil {
		return nil, apperror.Validation(err.Error())
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.TokenRefreshTimeout)
	defer cancel()

	token, err := conf.Exchange(ectx, code)
	if err != nil {
		slog.Warn("authorization code exchange failed", "platform", p, "error", err)
		return nil, fmt.Errorf("%w: %v", apperror.ErrPlatformRequest, err)
	}

	profile, err := client.Profile(ectx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrPlatformRequest, err)
	}

	if err := s.limits.CanAttachPlatform(ctx, userID, p, profile.ID); err != nil {
		return nil, err
	}

	sa := &models.SocialAccount{
		UserID:          userID,
		Platform:        p,
		AccountID:       profile.ID,
		AccountName:     profile.Name,
		AccountUsername: profile.Username,
		ProfilePicture:  profile.Picture,
		Capabilities:    models.NewCapabilities(),
		AccountStatus:   models.AccountStatusActive,
	}
	if err := s.tokens.Seal(token, sa); err != nil {
		return nil, err
	}

	links, err := s.ar.ListByExternalID(ctx, p, profile.ID)
	if err != nil {
		return nil, err
	}
	if len(links) > 0 {
		sa.ID = links[0].ID
		if err := s.ar.UpdateCredentials(ctx, sa); err != nil {
			return nil, err
		}
	} else {
		id, err := s.ar.Create(ctx, nil, sa)
		if err != nil {
			if repository.IsUniqueViolation(err) {
				return nil, apperror.ErrAccountAlreadyLinked
			}
			return nil, err
		}
		sa.ID = id
	}

	if caps, err := s.tokens.CheckCapabilities(ctx, sa.ID); err != nil {
		slog.Warn("capability check after connect failed", "account_id", sa.ID, "error", err)
	} else {
		sa.Capabilities = caps
	}

	slog.Info("account connected", "user_id", userID, "platform", p, "account_id", sa.ID)
	return s.ar.GetByID(ctx, sa.ID)
}

func (s *accountService) List(ctx context.Context, userID int64) ([]*models.SocialAccount, error) {
	accounts, err := s.ar.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func (s *accountService) owned(ctx context.Context, userID, accountID int64) (*models.SocialAccount, error) {
	sa, err := s.ar.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sa == nil || sa.UserID != userID || sa.AccountStatus == models.AccountStatusArchived {
		return nil, apperror.ErrAccountNotFound
	}
	return sa, nil
}

// Archive disconnects an account. The row is kept for the history of its posts.
func (s *accountService) Archive(ctx context.Context, userID, accountID int64) error {
	sa, err := s.owned(ctx, userID, accountID)
	if err != nil {
		return err
	}
	return s.ar.UpdateStatus(ctx, sa.ID, models.AccountStatusArchived)
}

func (s *accountService) Verify(ctx context.Context, userID, accountID int64) (models.Capabilities, error) {
	sa, err := s.owned(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.tokens.CheckCapabilities(ctx, sa.ID)
}
