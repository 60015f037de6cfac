package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/socialsync/publisher/internal/models"
	"github.com/socialsync/publisher/internal/repository"
	"github.com/socialsync/publisher/internal/transfer"
	"github.com/socialsync/publisher/internal/trigger"
	"github.com/socialsync/publisher/pkg/apperror"
)

type PreferenceService interface {
	Get(ctx context.Context, userID int64) (*models.Preference, error)
	Update(ctx context.Context, userID int64, req *transfer.PreferenceRequest) (*models.Preference, error)
	NextTrigger(ctx context.Context, userID int64) (time.Time, error)
}

type preferenceService struct {
	pr  repository.PreferenceRepository
	now func() time.Time
}

func NewPreferenceService(pr repository.PreferenceRepository) PreferenceService {
	return &preferenceService{
		pr:  pr,
		now: time.Now,
	}
}

// Get returns the stored preferences, or empty defaults for a new user.
func (s *preferenceService) Get(ctx context.Context, userID int64) (*models.Preference, error) {
	pref, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pref == nil {
		return &models.Preference{
			UserID:             userID,
			PostingSchedule:    json.RawMessage("[]"),
			Timezone:           "UTC",
			PreferredPlatforms: []string{},
		}, nil
	}
	return pref, nil
}

// Update validates and stores the schedule in its canonical form.
func (s *preferenceService) Update(ctx context.Context, userID int64, req *transfer.PreferenceRequest) (*models.Preference, error) {
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := trigger.LoadLocation(tz); err != nil {
		return nil, err
	}

	schedule := json.RawMessage("[]")
	if len(req.PostingSchedule) > 0 {
		raw, err := json.Marshal(req.PostingSchedule)
		if err != nil {
			return nil, err
		}
		rules, err := trigger.ParseRules(raw)
		if err != nil {
			return nil, err
		}
		if schedule, err = json.Marshal(rules); err != nil {
			return nil, err
		}
	}

	platforms := []string{}
	seen := map[string]bool{}
	for _, p := range req.PreferredPlatforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if !models.SupportedPlatform(p) {
			return nil, apperror.Validation(fmt.Sprintf("preferred_platforms: unsupported platform %q.", p))
		}
		if !seen[p] {
			seen[p] = true
			platforms = append(platforms, p)
		}
	}

	pref := &models.Preference{
		UserID:             userID,
		PostingSchedule:    schedule,
		Timezone:           tz,
		PreferredPlatforms: platforms,
	}
	if err := s.pr.Upsert(ctx, pref); err != nil {
		return nil, err
	}
	pref.UpdatedAt = s.now().UTC()
	return pref, nil
}

func (s *preferenceService) NextTrigger(ctx context.Context, userID int64) (time.Time, error) {
	pref, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if pref == nil {
		return time.Time{}, apperror.ErrNoValidTrigger
	}
	return trigger.NextFromSchedule(pref.PostingSchedule, pref.Timezone, s.now())
}
