package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
	config "github.com/socialsync/publisher/configs"
	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/pkg/apperror"
)

const maxUploadBytes = 50 * 1024 * 1024

var allowedMedia = map[string]struct{}{
	"jpg": {}, "png": {}, "gif": {}, "webp": {}, "mp4": {}, "mov": {},
}

// ObjectStore keeps uploaded media under a key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// R2Store writes objects to a Cloudflare R2 bucket through the S3 API.
type R2Store struct {
	client *s3.Client
	bucket string
}

func NewR2Store(ctx context.Context, cfg config.R2) (*R2Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	})
	return &R2Store{client: client, bucket: cfg.BucketName}, nil
}

func (r *R2Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

type MediaService interface {
	Upload(ctx context.Context, userID int64, data []byte) (*models.MediaAsset, error)
	List(ctx context.Context, userID int64) ([]*models.MediaAsset, error)
}

type mediaService struct {
	publicURL string
	store     ObjectStore
	ma        repository.MediaAssetRepository
}

func NewMediaService(cfg config.Config, store ObjectStore, ma repository.MediaAssetRepository) MediaService {
	return &mediaService{
		publicURL: strings.TrimRight(cfg.R2.PublicURL, "/"),
		store:     store,
		ma:        ma,
	}
}

// Upload stores an image or video and returns its public asset record. The
// type is sniffed from the content, never taken from the client.
func (s *mediaService) Upload(ctx context.Context, userID int64, data []byte) (*models.MediaAsset, error) {
	if len(data) == 0 {
		return nil, apperror.Validation("file is empty")
	}
	if len(data) > maxUploadBytes {
		return nil, apperror.Validation("file exceeds 50 MB")
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == types.Unknown {
		return nil, apperror.Validation("unsupported file type")
	}
	if _, ok := allowedMedia[kind.Extension]; !ok {
		return nil, apperror.Validation(fmt.Sprintf("file type %s is not allowed", kind.Extension))
	}

	id, err := gonanoid.New()
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	key := id + "." + kind.Extension

	if err := s.store.Put(ctx, key, data, kind.MIME.Value); err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	asset := &models.MediaAsset{
		UserID:   userID,
		FileName: key,
		FileType: kind.MIME.Value,
		FileSize: int64(len(data)),
		FileURL:  fmt.Sprintf("%s/%s", s.publicURL, key),
	}
	asset.ID, err = s.ma.Create(ctx, asset)
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (s *mediaService) List(ctx context.Context, userID int64) ([]*models.MediaAsset, error) {
	return s.ma.ListByUserID(ctx, userID)
}
