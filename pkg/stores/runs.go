package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
)

const runColumns = `id, tracking_id, fiche_id, config_id, batch_id, status, trigger_json, config_snapshot,
	score_percentage, tier, critical_passed, critical_total, earned_weight, total_weight,
	steps_completed, steps_total, error, is_latest, version, started_at, completed_at, duration_ms`

// CreateRun inserts a run, idempotent per tracking id.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.AuditRun) (*engine.AuditRun, bool, error) {
	if run.ID == "" || run.TrackingID == "" {
		return nil, false, fmt.Errorf("run id and tracking id are required")
	}

	triggerJSON, err := json.Marshal(run.Trigger)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode trigger: %w", err)
	}
	var snapshot sql.NullString
	if run.Config != nil {
		data, err := json.Marshal(run.Config)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode config snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}

	var stored *engine.AuditRun
	created := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM audit_runs WHERE tracking_id = ?`, run.TrackingID))
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, engine.ErrRunNotFound) {
			return err
		}

		if run.Status == engine.RunStatusRunning {
			var otherID string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM audit_runs WHERE fiche_id = ? AND config_id = ? AND status = 'running' LIMIT 1`,
				run.FicheID, run.ConfigID).Scan(&otherID)
			if err == nil {
				return engine.NewPermanentError("another run is in progress for this fiche and config", nil).
					WithResource(otherID).
					WithCode(engine.ErrCodeAlreadyRunning)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check running runs: %w", err)
			}
		}

		version := 0
		if run.IsLatest {
			var current int
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM audit_runs WHERE fiche_id = ? AND config_id = ?`,
				run.FicheID, run.ConfigID).Scan(&current); err != nil {
				return fmt.Errorf("failed to read run version: %w", err)
			}
			version = current + 1

			if _, err := tx.ExecContext(ctx,
				`UPDATE audit_runs SET is_latest = 0 WHERE fiche_id = ? AND config_id = ? AND is_latest = 1`,
				run.FicheID, run.ConfigID); err != nil {
				return fmt.Errorf("failed to clear latest flag: %w", err)
			}
		}

		now := toMillis(time.Now())
		query := `
			INSERT INTO audit_runs (
				id, tracking_id, fiche_id, config_id, batch_id, status, trigger_json, config_snapshot,
				steps_total, error, is_latest, version, started_at, completed_at, duration_ms,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			run.ID,
			run.TrackingID,
			run.FicheID,
			run.ConfigID,
			nullString(run.BatchID),
			run.Status,
			string(triggerJSON),
			snapshot,
			run.StepsTotal,
			nullString(run.Error),
			boolInt(run.IsLatest),
			version,
			toMillis(run.StartedAt),
			nullMillis(run.CompletedAt),
			run.DurationMS,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		stored, err = scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM audit_runs WHERE id = ?`, run.ID))
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.AuditRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM audit_runs WHERE id = ?`, id))
}

// GetRunByTrackingID retrieves a run by its tracking id.
func (s *SQLiteStore) GetRunByTrackingID(ctx context.Context, trackingID string) (*engine.AuditRun, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM audit_runs WHERE tracking_id = ?`, trackingID))
}

// FindLatestRunning returns the most recently started running run of the pair.
func (s *SQLiteStore) FindLatestRunning(ctx context.Context, ficheID, configID string) (*engine.AuditRun, error) {
	query := `SELECT ` + runColumns + ` FROM audit_runs
		WHERE fiche_id = ? AND config_id = ? AND status = 'running'
		ORDER BY started_at DESC
		LIMIT 1`
	return scanRun(s.db.QueryRowContext(ctx, query, ficheID, configID))
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter engine.RunFilter) ([]*engine.AuditRun, error) {
	var where []string
	var args []interface{}
	if filter.FicheID != "" {
		where = append(where, "fiche_id = ?")
		args = append(args, filter.FicheID)
	}
	if filter.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, filter.ConfigID)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + runColumns + ` FROM audit_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryRuns(ctx, query, args...)
}

// ListStaleRuns returns running runs started before the cutoff.
func (s *SQLiteStore) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]*engine.AuditRun, error) {
	query := `SELECT ` + runColumns + ` FROM audit_runs
		WHERE status = 'running' AND started_at < ?
		ORDER BY started_at ASC`
	return s.queryRuns(ctx, query, toMillis(startedBefore))
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*engine.AuditRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.AuditRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// FailRun marks a non-terminal run failed.
func (s *SQLiteStore) FailRun(ctx context.Context, id, message string, at time.Time) (bool, error) {
	query := `
		UPDATE audit_runs
		SET status = 'failed', error = ?, completed_at = ?, duration_ms = MAX(? - started_at, 0), updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`

	ms := toMillis(at)
	result, err := s.db.ExecContext(ctx, query, message, ms, ms, toMillis(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("failed to fail run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	if _, err := s.GetRun(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateProgress records the number of steps with results.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, completed int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE audit_runs SET steps_completed = ?, updated_at = ? WHERE id = ?`,
		completed, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

// CompleteRun writes the final run state and replaces its step results atomically.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *engine.AuditRun, results []engine.StepResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE audit_runs
			SET status = ?, score_percentage = ?, tier = ?, critical_passed = ?, critical_total = ?,
				earned_weight = ?, total_weight = ?, steps_completed = ?, steps_total = ?, error = ?,
				completed_at = ?, duration_ms = ?, updated_at = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, query,
			run.Status,
			run.ScorePercentage,
			nullString(string(run.Tier)),
			run.CriticalPassed,
			run.CriticalTotal,
			run.EarnedWeight,
			run.TotalWeight,
			run.StepsCompleted,
			run.StepsTotal,
			nullString(run.Error),
			nullMillis(run.CompletedAt),
			run.DurationMS,
			toMillis(time.Now()),
			run.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return engine.ErrRunNotFound
		}

		if err := deleteStepResults(ctx, tx, run.ID, nil); err != nil {
			return err
		}
		for i := range results {
			if err := insertStepResult(ctx, tx, &results[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanRun(row scanner) (*engine.AuditRun, error) {
	run := &engine.AuditRun{}
	var (
		batchID, snapshot, tier, errMsg sql.NullString
		triggerJSON                     string
		isLatest                        int
		startedAt                       int64
		completedAt                     sql.NullInt64
	)

	err := row.Scan(
		&run.ID,
		&run.TrackingID,
		&run.FicheID,
		&run.ConfigID,
		&batchID,
		&run.Status,
		&triggerJSON,
		&snapshot,
		&run.ScorePercentage,
		&tier,
		&run.CriticalPassed,
		&run.CriticalTotal,
		&run.EarnedWeight,
		&run.TotalWeight,
		&run.StepsCompleted,
		&run.StepsTotal,
		&errMsg,
		&isLatest,
		&run.Version,
		&startedAt,
		&completedAt,
		&run.DurationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.BatchID = batchID.String
	run.Tier = engine.Tier(tier.String)
	run.Error = errMsg.String
	run.IsLatest = isLatest == 1
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = fromNullMillis(completedAt)

	if err := json.Unmarshal([]byte(triggerJSON), &run.Trigger); err != nil {
		return nil, fmt.Errorf("failed to decode trigger of run %s: %w", run.ID, err)
	}
	if snapshot.Valid {
		run.Config = &engine.ConfigSnapshot{}
		if err := json.Unmarshal([]byte(snapshot.String), run.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config snapshot of run %s: %w", run.ID, err)
		}
	}

	return run, nil
}
