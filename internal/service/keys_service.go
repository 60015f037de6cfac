package service

import (
	"context"

	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/pkg/apperror"
)

// ApiKeyService resolves the API keys automation clients authenticate with.
type ApiKeyService interface {
	GetUserID(ctx context.Context, apiKey string) (int64, error)
}

type apiKeyService struct {
	k repository.ApiKeyRepository
}

func NewApiKeyService(k repository.ApiKeyRepository) ApiKeyService {
	return &apiKeyService{
		k: k,
	}
}

func (s *apiKeyService) GetUserID(ctx context.Context, apiKey string) (int64, error) {
	if apiKey == "" {
		return 0, apperror.ErrUnauthorized
	}

	userID, isExist, err := s.k.GetUserIDByKey(ctx, apiKey)
	if err != nil {
		return 0, err
	}
	if !isExist {
		return 0, apperror.ErrUnauthorized.WithMessage("api key doesn't exist")
	}
	return userID, nil
}
