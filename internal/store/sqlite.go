package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tannerhall/helmsman/internal/bandit"
	"github.com/tannerhall/helmsman/internal/model"

	_ "modernc.org/sqlite"
)

const createImprovementsTable = `
CREATE TABLE IF NOT EXISTS improvements (
    id                 TEXT PRIMARY KEY,
    improvement_id     TEXT NOT NULL UNIQUE,
    timestamp          DATETIME NOT NULL,
    description        TEXT NOT NULL,
    strategy_arm       TEXT NOT NULL,
    changes            TEXT,
    performance_before TEXT,
    performance_after  TEXT,
    improvement_metric REAL NOT NULL,
    compliance_score   REAL NOT NULL,
    status             TEXT NOT NULL,
    rollback_payload   TEXT,
    metadata           TEXT
)`

const createArmsTable = `
CREATE TABLE IF NOT EXISTS bandit_arms (
    context_key    TEXT NOT NULL,
    arm_id         TEXT NOT NULL,
    description    TEXT NOT NULL,
    risk_score     REAL NOT NULL,
    pulls          INTEGER NOT NULL,
    total_reward   REAL NOT NULL,
    average_reward REAL NOT NULL,
    last_pulled_at DATETIME,
    PRIMARY KEY (context_key, arm_id)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createImprovementsTable, createArmsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRecord appends a new improvement record. A duplicate improvement_id
// fails with ErrDuplicate.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.ImprovementRecord) error {
	changes, err := marshalJSON(r.Changes)
	if err != nil {
		return err
	}
	before, err := marshalJSON(r.PerformanceBefore)
	if err != nil {
		return err
	}
	after, err := marshalJSON(r.PerformanceAfter)
	if err != nil {
		return err
	}
	payload, err := marshalJSON(r.RollbackPayload)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO improvements (
			id, improvement_id, timestamp, description, strategy_arm,
			changes, performance_before, performance_after,
			improvement_metric, compliance_score, status, rollback_payload, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ImprovementID, r.Timestamp, r.Description, r.StrategyArm,
		changes, before, after,
		r.ImprovementMetric, r.ComplianceScore, r.Status, payload, metadata,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.ImprovementID)
		}
		return fmt.Errorf("insert improvement: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by improvement ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, improvementID string) (*model.ImprovementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, improvement_id, timestamp, description, strategy_arm,
			changes, performance_before, performance_after,
			improvement_metric, compliance_score, status, rollback_payload, metadata
		FROM improvements WHERE improvement_id = ?`, improvementID,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, improvementID)
	}
	if err != nil {
		return nil, fmt.Errorf("get improvement: %w", err)
	}
	return r, nil
}

// ListRecords returns a filtered page of records ordered by timestamp DESC,
// along with the total count matching the filter.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter model.ArchiveFilter, limit, offset int) ([]*model.ImprovementRecord, int, error) {
	where := "WHERE 1=1"
	var args []any
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.MinCompliance > 0 {
		where += " AND compliance_score >= ?"
		args = append(args, filter.MinCompliance)
	}
	if !filter.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, filter.Until)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM improvements "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count improvements: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, improvement_id, timestamp, description, strategy_arm,
			changes, performance_before, performance_after,
			improvement_metric, compliance_score, status, rollback_payload, metadata
		FROM improvements `+where+` ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list improvements: %w", err)
	}
	defer rows.Close()

	var records []*model.ImprovementRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan improvement: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate improvements: %w", err)
	}

	return records, total, nil
}

// UpdateRecordStatus transitions a record's status, enforcing the transition
// table. RolledBack is terminal.
func (s *SQLiteStore) UpdateRecordStatus(ctx context.Context, improvementID, status string) error {
	current, err := s.GetRecord(ctx, improvementID)
	if err != nil {
		return err
	}
	if !model.ValidImprovementTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE improvements SET status = ? WHERE improvement_id = ? AND status = ?",
		status, improvementID, current.Status,
	)
	if err != nil {
		return fmt.Errorf("update improvement status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Lost a race with a concurrent transition.
		return fmt.Errorf("%w: concurrent update on %s", ErrInvalidTransition, improvementID)
	}
	return nil
}

// DeleteRecordsBefore purges records older than the cutoff and reports how
// many were removed.
func (s *SQLiteStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM improvements WHERE timestamp < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge improvements: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// UpsertArm writes one arm snapshot for a context.
func (s *SQLiteStore) UpsertArm(ctx context.Context, contextKey string, arm bandit.Arm) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bandit_arms (
			context_key, arm_id, description, risk_score,
			pulls, total_reward, average_reward, last_pulled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (context_key, arm_id) DO UPDATE SET
			description = excluded.description,
			risk_score = excluded.risk_score,
			pulls = excluded.pulls,
			total_reward = excluded.total_reward,
			average_reward = excluded.average_reward,
			last_pulled_at = excluded.last_pulled_at`,
		contextKey, arm.ID, arm.Description, arm.RiskScore,
		arm.Pulls, arm.TotalReward, arm.AverageReward, arm.LastPulledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert arm: %w", err)
	}
	return nil
}

// LoadArms reads all arm snapshots for a context.
func (s *SQLiteStore) LoadArms(ctx context.Context, contextKey string) ([]bandit.Arm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT arm_id, description, risk_score, pulls, total_reward, average_reward, last_pulled_at
		FROM bandit_arms WHERE context_key = ? ORDER BY arm_id`, contextKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load arms: %w", err)
	}
	defer rows.Close()

	var arms []bandit.Arm
	for rows.Next() {
		var a bandit.Arm
		if err := rows.Scan(
			&a.ID, &a.Description, &a.RiskScore,
			&a.Pulls, &a.TotalReward, &a.AverageReward, &a.LastPulledAt,
		); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		arms = append(arms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arms: %w", err)
	}
	return arms, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*model.ImprovementRecord, error) {
	r := &model.ImprovementRecord{}
	var changes, before, after, payload, metadata sql.NullString
	if err := sc.Scan(
		&r.ID, &r.ImprovementID, &r.Timestamp, &r.Description, &r.StrategyArm,
		&changes, &before, &after,
		&r.ImprovementMetric, &r.ComplianceScore, &r.Status, &payload, &metadata,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(changes, &r.Changes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(before, &r.PerformanceBefore); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(after, &r.PerformanceAfter); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(payload, &r.RollbackPayload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &r.Metadata); err != nil {
		return nil, err
	}
	return r, nil
}

// marshalJSON serializes a map column, storing NULL for empty maps.
func marshalJSON[M ~map[string]V, V any](m M) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON[M ~map[string]V, V any](col sql.NullString, out *M) error {
	if !col.Valid {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), out); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}
