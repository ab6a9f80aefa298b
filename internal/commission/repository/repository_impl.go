package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/commission/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const (
	runColumns   = `id, sale_id, sale_status, attempt_version, outcome, entry_count, gap_count, policy_version, created_at`
	entryColumns = `id, run_id, sale_id, beneficiary_id, level, rank, percent, base_amount, amount, currency, kind,
		attempt_version, policy_version, computed_at`
	gapColumns    = `id, sale_id, beneficiary_id, level, rank, attempt_version, policy_version, created_at`
	bonusColumns  = `id, distributor_id, period, rank, amount, currency, policy_version, created_at`
	changeColumns = `id, item_id, item_kind, status, actor_id, note, created_at`
)

// InsertRun claims the pass. It returns false when a run with the same key
// already exists.
func (r *repo) InsertRun(ctx context.Context, db *gorm.DB, run *domain.Run) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO commission_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (sale_id, sale_status, attempt_version) DO NOTHING`,
		run.ID,
		run.SaleID,
		run.SaleStatus,
		run.AttemptVersion,
		run.Outcome,
		run.EntryCount,
		run.GapCount,
		run.PolicyVersion,
		run.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindRun(ctx context.Context, db *gorm.DB, saleID snowflake.ID, status string, attempt int) (*domain.Run, error) {
	var run domain.Run
	err := db.WithContext(ctx).Raw(
		`SELECT `+runColumns+`
		 FROM commission_runs
		 WHERE sale_id = ? AND sale_status = ? AND attempt_version = ?
		 LIMIT 1`,
		saleID, status, attempt,
	).Scan(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

func (r *repo) InsertEntries(ctx context.Context, db *gorm.DB, entries []domain.Entry) error {
	for _, e := range entries {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO commission_entries (`+entryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID,
			e.RunID,
			e.SaleID,
			e.BeneficiaryID,
			e.Level,
			e.Rank,
			e.Percent,
			e.BaseAmount,
			e.Amount,
			e.Currency,
			e.Kind,
			e.AttemptVersion,
			e.PolicyVersion,
			e.ComputedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) InsertGaps(ctx context.Context, db *gorm.DB, gaps []domain.Gap) error {
	for _, g := range gaps {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO policy_gaps (`+gapColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (sale_id, level, attempt_version) DO NOTHING`,
			g.ID,
			g.SaleID,
			g.BeneficiaryID,
			g.Level,
			g.Rank,
			g.AttemptVersion,
			g.PolicyVersion,
			g.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListSaleEntries(ctx context.Context, db *gorm.DB, saleID snowflake.ID) ([]domain.Entry, error) {
	var out []domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM commission_entries
		 WHERE sale_id = ?
		 ORDER BY attempt_version ASC, kind ASC, level ASC`,
		saleID,
	).Scan(&out).Error
	return out, err
}

func (r *repo) ListAttemptEntries(ctx context.Context, db *gorm.DB, saleID snowflake.ID, attempt int, kind domain.Kind) ([]domain.Entry, error) {
	var out []domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM commission_entries
		 WHERE sale_id = ? AND attempt_version = ? AND kind = ?
		 ORDER BY level ASC`,
		saleID, attempt, kind,
	).Scan(&out).Error
	return out, err
}

func (r *repo) ListSaleGaps(ctx context.Context, db *gorm.DB, saleID snowflake.ID) ([]domain.Gap, error) {
	var out []domain.Gap
	err := db.WithContext(ctx).Raw(
		`SELECT `+gapColumns+`
		 FROM policy_gaps
		 WHERE sale_id = ?
		 ORDER BY attempt_version ASC, level ASC`,
		saleID,
	).Scan(&out).Error
	return out, err
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, filter domain.EntryFilter) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := db.WithContext(ctx).Model(&domain.Entry{}).
		Where("beneficiary_id = ?", filter.BeneficiaryID)

	if filter.From != nil {
		stmt = stmt.Where("computed_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("computed_at < ?", filter.To.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("((computed_at < ?) OR (computed_at = ? AND id < ?))",
			filter.Cursor.ComputedAt,
			filter.Cursor.ComputedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("computed_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) SumByCurrency(ctx context.Context, db *gorm.DB, beneficiaryID snowflake.ID, from, to *time.Time) ([]domain.Total, error) {
	stmt := db.WithContext(ctx).Model(&domain.Entry{}).
		Select("currency, COALESCE(SUM(amount), 0) AS amount").
		Where("beneficiary_id = ?", beneficiaryID)
	if from != nil {
		stmt = stmt.Where("computed_at >= ?", from.UTC())
	}
	if to != nil {
		stmt = stmt.Where("computed_at < ?", to.UTC())
	}

	var totals []domain.Total
	err := stmt.Group("currency").Order("currency").Scan(&totals).Error
	return totals, err
}

func (r *repo) FindEntry(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entry, error) {
	var entry domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+` FROM commission_entries WHERE id = ? LIMIT 1`,
		id,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) InsertBonus(ctx context.Context, db *gorm.DB, bonus *domain.Bonus) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO rank_bonuses (`+bonusColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (distributor_id, period) DO NOTHING`,
		bonus.ID,
		bonus.DistributorID,
		bonus.Period,
		bonus.Rank,
		bonus.Amount,
		bonus.Currency,
		bonus.PolicyVersion,
		bonus.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindBonus(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bonus, error) {
	var bonus domain.Bonus
	err := db.WithContext(ctx).Raw(
		`SELECT `+bonusColumns+` FROM rank_bonuses WHERE id = ? LIMIT 1`,
		id,
	).Scan(&bonus).Error
	if err != nil {
		return nil, err
	}
	if bonus.ID == 0 {
		return nil, nil
	}
	return &bonus, nil
}

func (r *repo) ListBonuses(ctx context.Context, db *gorm.DB, distributorID snowflake.ID) ([]domain.Bonus, error) {
	var out []domain.Bonus
	err := db.WithContext(ctx).Raw(
		`SELECT `+bonusColumns+`
		 FROM rank_bonuses
		 WHERE distributor_id = ?
		 ORDER BY period DESC`,
		distributorID,
	).Scan(&out).Error
	return out, err
}

// SumBonuses filters on the granting time so bonuses land in the same
// windows as entries.
func (r *repo) SumBonuses(ctx context.Context, db *gorm.DB, distributorID snowflake.ID, from, to *time.Time) ([]domain.Total, error) {
	stmt := db.WithContext(ctx).Model(&domain.Bonus{}).
		Select("currency, COALESCE(SUM(amount), 0) AS amount").
		Where("distributor_id = ?", distributorID)
	if from != nil {
		stmt = stmt.Where("created_at >= ?", from.UTC())
	}
	if to != nil {
		stmt = stmt.Where("created_at < ?", to.UTC())
	}

	var totals []domain.Total
	err := stmt.Group("currency").Order("currency").Scan(&totals).Error
	return totals, err
}

func (r *repo) InsertStatusChange(ctx context.Context, db *gorm.DB, change *domain.StatusChange) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payout_status_changes (`+changeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (item_id, status) DO NOTHING`,
		change.ID,
		change.ItemID,
		change.ItemKind,
		change.Status,
		change.ActorID,
		change.Note,
		change.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListStatusChanges(ctx context.Context, db *gorm.DB, itemID snowflake.ID) ([]domain.StatusChange, error) {
	var out []domain.StatusChange
	err := db.WithContext(ctx).Raw(
		`SELECT `+changeColumns+`
		 FROM payout_status_changes
		 WHERE item_id = ?
		 ORDER BY created_at ASC, id ASC`,
		itemID,
	).Scan(&out).Error
	return out, err
}
