package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/sale/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const saleColumns = `id, external_id, distributor_id, amount, currency, status, attempt_version, chain,
	occurred_at, completed_at, reversed_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *domain.Sale) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sales (`+saleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.ExternalID,
		s.DistributorID,
		s.Amount,
		s.Currency,
		s.Status,
		s.AttemptVersion,
		s.Chain,
		s.OccurredAt,
		s.CompletedAt,
		s.ReversedAt,
		s.CreatedAt,
		s.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Sale, error) {
	var s domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT `+saleColumns+` FROM sales WHERE id = ? LIMIT 1`,
		id,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Sale, error) {
	var s domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT `+saleColumns+` FROM sales WHERE external_id = ? LIMIT 1`,
		externalID,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.Status, amount int64, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales SET status = ?, amount = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted, amount, at, at, id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Reverse(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.Status, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales SET status = ?, reversed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusReversed, at, at, id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, fromAttempt, toAttempt int, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales SET amount = ?, attempt_version = ?, updated_at = ?
		 WHERE id = ? AND attempt_version = ? AND status = ?`,
		amount, toAttempt, at, id, fromAttempt, domain.StatusCompleted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) SetChain(ctx context.Context, db *gorm.DB, id snowflake.ID, chain []byte) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales SET chain = ? WHERE id = ? AND chain IS NULL`,
		string(chain), id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertCorrection(ctx context.Context, db *gorm.DB, c *domain.Correction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sale_corrections (id, sale_id, previous_amount, new_amount, previous_attempt, new_attempt, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.SaleID,
		c.PreviousAmount,
		c.NewAmount,
		c.PreviousAttempt,
		c.NewAttempt,
		c.Reason,
		c.CreatedAt,
	).Error
}

func (r *repo) ListCorrections(ctx context.Context, db *gorm.DB, saleID snowflake.ID) ([]domain.Correction, error) {
	var out []domain.Correction
	err := db.WithContext(ctx).Raw(
		`SELECT id, sale_id, previous_amount, new_amount, previous_attempt, new_attempt, reason, created_at
		 FROM sale_corrections
		 WHERE sale_id = ?
		 ORDER BY new_attempt ASC`,
		saleID,
	).Scan(&out).Error
	return out, err
}

func (r *repo) SumCompleted(ctx context.Context, db *gorm.DB, ids []snowflake.ID, from, to time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM sales
		 WHERE distributor_id IN ?
		   AND status = ?
		   AND completed_at >= ?
		   AND completed_at < ?`,
		ids, domain.StatusCompleted, from, to,
	).Scan(&total).Error
	return total, err
}
