package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/network/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const distributorColumns = `id, code, name, parent_id, edge_version, status, rank, enrolled_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, d *domain.Distributor) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO distributors (`+distributorColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Code,
		d.Name,
		d.ParentID,
		d.EdgeVersion,
		d.Status,
		d.Rank,
		d.EnrolledAt,
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Distributor, error) {
	var d domain.Distributor
	err := db.WithContext(ctx).Raw(
		`SELECT `+distributorColumns+` FROM distributors WHERE id = ? LIMIT 1`,
		id,
	).Scan(&d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, nil
	}
	return &d, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Distributor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []domain.Distributor
	err := db.WithContext(ctx).Raw(
		`SELECT `+distributorColumns+` FROM distributors WHERE id IN ?`,
		ids,
	).Scan(&out).Error
	return out, err
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Distributor, error) {
	var d domain.Distributor
	err := db.WithContext(ctx).Raw(
		`SELECT `+distributorColumns+` FROM distributors WHERE code = ? LIMIT 1`,
		code,
	).Scan(&d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, nil
	}
	return &d, nil
}

func (r *repo) FindRoot(ctx context.Context, db *gorm.DB) (*domain.Distributor, error) {
	var d domain.Distributor
	err := db.WithContext(ctx).Raw(
		`SELECT ` + distributorColumns + ` FROM distributors WHERE parent_id IS NULL LIMIT 1`,
	).Scan(&d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, nil
	}
	return &d, nil
}

// UpdateParent moves id under parentID if its edge version is still
// fromVersion.
func (r *repo) UpdateParent(ctx context.Context, db *gorm.DB, id snowflake.ID, parentID snowflake.ID, fromVersion, toVersion int, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE distributors
		 SET parent_id = ?, edge_version = ?, updated_at = ?
		 WHERE id = ? AND edge_version = ?`,
		parentID, toVersion, at, id, fromVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE distributors SET status = ?, updated_at = ? WHERE id = ?`,
		status, at, id,
	).Error
}

func (r *repo) UpdateRank(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE distributors SET rank = ?, updated_at = ? WHERE id = ? AND rank = ?`,
		to, at, id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM distributors WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) InsertEdge(ctx context.Context, db *gorm.DB, e *domain.Edge) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO enrollment_edges (id, child_id, parent_id, version, path, valid_from, valid_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ChildID,
		e.ParentID,
		e.Version,
		e.Path,
		e.ValidFrom,
		e.ValidTo,
		e.CreatedAt,
	).Error
}

func (r *repo) CloseEdge(ctx context.Context, db *gorm.DB, childID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE enrollment_edges SET valid_to = ? WHERE child_id = ? AND valid_to IS NULL`,
		at, childID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListEdges(ctx context.Context, db *gorm.DB, childID snowflake.ID) ([]domain.Edge, error) {
	var edges []domain.Edge
	err := db.WithContext(ctx).Raw(
		`SELECT id, child_id, parent_id, version, path, valid_from, valid_to, created_at
		 FROM enrollment_edges
		 WHERE child_id = ?
		 ORDER BY version ASC`,
		childID,
	).Scan(&edges).Error
	return edges, err
}

func (r *repo) Chain(ctx context.Context, db *gorm.DB, id snowflake.ID, maxLevels int) ([]domain.Link, error) {
	var links []domain.Link
	err := db.WithContext(ctx).Raw(
		`WITH RECURSIVE chain (id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM distributors WHERE id = ?
			UNION ALL
			SELECT d.id, d.parent_id, c.depth + 1
			FROM distributors d
			JOIN chain c ON d.id = c.parent_id
			WHERE c.depth < ?
		)
		SELECT id, parent_id, depth FROM chain ORDER BY depth ASC`,
		id, maxLevels,
	).Scan(&links).Error
	return links, err
}

func (r *repo) ChainAt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, maxLevels int) ([]domain.Link, error) {
	var links []domain.Link
	err := db.WithContext(ctx).Raw(
		`WITH RECURSIVE chain (id, parent_id, depth) AS (
			SELECT e.child_id, e.parent_id, 1
			FROM enrollment_edges e
			WHERE e.child_id = ?
			  AND e.valid_from <= ?
			  AND (e.valid_to IS NULL OR e.valid_to > ?)
			UNION ALL
			SELECT e.child_id, e.parent_id, c.depth + 1
			FROM enrollment_edges e
			JOIN chain c ON e.child_id = c.parent_id
			WHERE e.valid_from <= ?
			  AND (e.valid_to IS NULL OR e.valid_to > ?)
			  AND c.depth < ?
		)
		SELECT id, parent_id, depth FROM chain ORDER BY depth ASC`,
		id, at, at, at, at, maxLevels,
	).Scan(&links).Error
	return links, err
}

func (r *repo) Subtree(ctx context.Context, db *gorm.DB, id snowflake.ID, maxDepth int) ([]domain.Link, error) {
	var links []domain.Link
	err := db.WithContext(ctx).Raw(
		`WITH RECURSIVE team (id, parent_id, depth) AS (
			SELECT id, parent_id, 1 FROM distributors WHERE parent_id = ?
			UNION ALL
			SELECT d.id, d.parent_id, t.depth + 1
			FROM distributors d
			JOIN team t ON d.parent_id = t.id
			WHERE t.depth < ?
		)
		SELECT id, parent_id, depth FROM team ORDER BY depth ASC, id ASC`,
		id, maxDepth,
	).Scan(&links).Error
	return links, err
}

func (r *repo) CountChildren(ctx context.Context, db *gorm.DB, id snowflake.ID) (int, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM distributors WHERE parent_id = ?`,
		id,
	).Scan(&count).Error
	return int(count), err
}
