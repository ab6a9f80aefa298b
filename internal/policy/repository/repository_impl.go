package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/uplink/internal/policy/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert returns false when the version already exists.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, v *domain.PolicyVersion) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO policy_versions (id, version, effective_from, document, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (version) DO NOTHING`,
		v.ID, v.Version, v.EffectiveFrom, v.Document, v.Checksum, v.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByVersion(ctx context.Context, db *gorm.DB, version string) (*domain.PolicyVersion, error) {
	var v domain.PolicyVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, version, effective_from, document, checksum, created_at
		 FROM policy_versions WHERE version = ? LIMIT 1`,
		version,
	).Scan(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == 0 {
		return nil, nil
	}
	return &v, nil
}

func (r *repo) FindEffectiveAt(ctx context.Context, db *gorm.DB, at time.Time) (*domain.PolicyVersion, error) {
	var v domain.PolicyVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, version, effective_from, document, checksum, created_at
		 FROM policy_versions
		 WHERE effective_from <= ?
		 ORDER BY effective_from DESC, id DESC
		 LIMIT 1`,
		at,
	).Scan(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == 0 {
		return nil, nil
	}
	return &v, nil
}

func (r *repo) FindEarliest(ctx context.Context, db *gorm.DB) (*domain.PolicyVersion, error) {
	var v domain.PolicyVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, version, effective_from, document, checksum, created_at
		 FROM policy_versions
		 ORDER BY effective_from ASC, id ASC
		 LIMIT 1`,
	).Scan(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == 0 {
		return nil, nil
	}
	return &v, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.PolicyVersion, error) {
	var out []domain.PolicyVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, version, effective_from, document, checksum, created_at
		 FROM policy_versions
		 ORDER BY effective_from DESC, id DESC`,
	).Scan(&out).Error
	return out, err
}
