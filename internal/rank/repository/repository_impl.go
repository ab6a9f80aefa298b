package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/rank/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `id, distributor_id, previous_rank, rank, personal_volume, team_volume, team_size,
	direct_count, policy_version, effective_from, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *domain.Record) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO rank_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.DistributorID,
		rec.PreviousRank,
		rec.Rank,
		rec.PersonalVolume,
		rec.TeamVolume,
		rec.TeamSize,
		rec.DirectCount,
		rec.PolicyVersion,
		rec.EffectiveFrom,
		rec.CreatedAt,
	).Error
}

func (r *repo) LatestAt(ctx context.Context, db *gorm.DB, distributorID snowflake.ID, at time.Time) (*domain.Record, error) {
	var rec domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM rank_records
		 WHERE distributor_id = ? AND effective_from <= ?
		 ORDER BY effective_from DESC, id DESC
		 LIMIT 1`,
		distributorID, at,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, distributorID snowflake.ID) ([]domain.Record, error) {
	var out []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM rank_records
		 WHERE distributor_id = ?
		 ORDER BY effective_from ASC, id ASC`,
		distributorID,
	).Scan(&out).Error
	return out, err
}
