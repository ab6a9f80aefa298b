// Package testutil opens throwaway SQLite databases carrying the uplink
// schema for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Schema mirrors the postgres migrations using types the SQLite driver maps
// back to Go values.
var Schema = []string{
	`CREATE TABLE distributors (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		parent_id BIGINT,
		edge_version INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		rank TEXT NOT NULL,
		enrolled_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_distributors_root ON distributors ((parent_id IS NULL)) WHERE parent_id IS NULL`,
	`CREATE INDEX ix_distributors_parent ON distributors (parent_id)`,
	`CREATE TABLE enrollment_edges (
		id BIGINT PRIMARY KEY,
		child_id BIGINT NOT NULL,
		parent_id BIGINT NOT NULL,
		version INTEGER NOT NULL,
		path TEXT NOT NULL,
		valid_from DATETIME NOT NULL,
		valid_to DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE (child_id, version)
	)`,
	`CREATE TABLE sales (
		id BIGINT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		distributor_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_version INTEGER NOT NULL DEFAULT 1,
		chain TEXT,
		occurred_at DATETIME NOT NULL,
		completed_at DATETIME,
		reversed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE sale_corrections (
		id BIGINT PRIMARY KEY,
		sale_id BIGINT NOT NULL,
		previous_amount BIGINT NOT NULL,
		new_amount BIGINT NOT NULL,
		previous_attempt INTEGER NOT NULL,
		new_attempt INTEGER NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE commission_runs (
		id BIGINT PRIMARY KEY,
		sale_id BIGINT NOT NULL,
		sale_status TEXT NOT NULL,
		attempt_version INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		entry_count INTEGER NOT NULL DEFAULT 0,
		gap_count INTEGER NOT NULL DEFAULT 0,
		policy_version TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (sale_id, sale_status, attempt_version)
	)`,
	`CREATE TABLE commission_entries (
		id BIGINT PRIMARY KEY,
		run_id BIGINT NOT NULL,
		sale_id BIGINT NOT NULL,
		beneficiary_id BIGINT NOT NULL,
		level INTEGER NOT NULL,
		rank TEXT NOT NULL,
		percent TEXT NOT NULL,
		base_amount BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		kind TEXT NOT NULL,
		attempt_version INTEGER NOT NULL,
		policy_version TEXT NOT NULL,
		computed_at DATETIME NOT NULL,
		UNIQUE (sale_id, level, attempt_version, kind)
	)`,
	`CREATE INDEX ix_commission_entries_beneficiary ON commission_entries (beneficiary_id, computed_at, id)`,
	`CREATE TABLE policy_gaps (
		id BIGINT PRIMARY KEY,
		sale_id BIGINT NOT NULL,
		beneficiary_id BIGINT NOT NULL,
		level INTEGER NOT NULL,
		rank TEXT NOT NULL,
		attempt_version INTEGER NOT NULL,
		policy_version TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (sale_id, level, attempt_version)
	)`,
	`CREATE TABLE rank_records (
		id BIGINT PRIMARY KEY,
		distributor_id BIGINT NOT NULL,
		previous_rank TEXT NOT NULL,
		rank TEXT NOT NULL,
		personal_volume BIGINT NOT NULL,
		team_volume BIGINT NOT NULL,
		team_size INTEGER NOT NULL,
		direct_count INTEGER NOT NULL,
		policy_version TEXT NOT NULL,
		effective_from DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_rank_records_distributor ON rank_records (distributor_id, effective_from, id)`,
	`CREATE TABLE recompute_jobs (
		id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject_id BIGINT NOT NULL,
		dedupe_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_error TEXT,
		next_run_at DATETIME NOT NULL,
		locked_at DATETIME,
		locked_by TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_recompute_jobs_queued ON recompute_jobs (dedupe_key) WHERE status = 'queued'`,
	`CREATE TABLE outbox_events (
		id BIGINT PRIMARY KEY,
		topic TEXT NOT NULL,
		subject_id BIGINT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		available_at DATETIME NOT NULL,
		locked_until DATETIME,
		created_at DATETIME NOT NULL,
		dispatched_at DATETIME
	)`,
	`CREATE TABLE rank_bonuses (
		id BIGINT PRIMARY KEY,
		distributor_id BIGINT NOT NULL,
		period DATETIME NOT NULL,
		rank TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		policy_version TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (distributor_id, period)
	)`,
	`CREATE TABLE payout_status_changes (
		id BIGINT PRIMARY KEY,
		item_id BIGINT NOT NULL,
		item_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		actor_id TEXT,
		note TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (item_id, status)
	)`,
	`CREATE TABLE audit_logs (
		id TEXT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		request_id TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE policy_versions (
		id BIGINT PRIMARY KEY,
		version TEXT NOT NULL UNIQUE,
		effective_from DATETIME NOT NULL,
		document TEXT NOT NULL,
		checksum TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a private in-memory database with the full schema applied.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps SQLite writers from tripping over each other
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

// NewNode returns a snowflake generator for tests.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}
