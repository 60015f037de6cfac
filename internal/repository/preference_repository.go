package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/lib/pq"
	"github.com/socialsync/publisher/internal/models"
)

type PreferenceRepository interface {
	GetByUserID(ctx context.Context, userID int64) (*models.Preference, error)
	Upsert(ctx context.Context, p *models.Preference) error
}

type preferenceRepository struct {
	db *sql.DB
}

func NewPreferenceRepository(db *sql.DB) PreferenceRepository {
	return &preferenceRepository{db: db}
}

func (r *preferenceRepository) GetByUserID(ctx context.Context, userID int64) (*models.Preference, error) {
	query := `SELECT user_id, posting_schedule, timezone, preferred_platforms, updated_at
		FROM preferences WHERE user_id = $1`

	var p models.Preference
	var schedule []byte
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &schedule, &p.Timezone, pq.Array(&p.PreferredPlatforms), &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	p.PostingSchedule = schedule

	return &p, nil
}

func (r *preferenceRepository) Upsert(ctx context.Context, p *models.Preference) error {
	query := `
		INSERT INTO preferences (user_id, posting_schedule, timezone, preferred_platforms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET posting_schedule = EXCLUDED.posting_schedule,
			timezone = EXCLUDED.timezone,
			preferred_platforms = EXCLUDED.preferred_platforms,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.ExecContext(ctx, query, p.UserID, []byte(p.PostingSchedule), p.Timezone, pq.Array(p.PreferredPlatforms))
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
