package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
)

// SaveStepResult upserts the step row and replaces its control points and citations.
func (s *SQLiteStore) SaveStepResult(ctx context.Context, result *engine.StepResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		position := result.Position
		if err := deleteStepResults(ctx, tx, result.RunID, &position); err != nil {
			return err
		}
		return insertStepResult(ctx, tx, result)
	})
}

// deleteStepResults removes the step rows of a run, or of one position when given.
func deleteStepResults(ctx context.Context, tx *sql.Tx, runID string, position *int) error {
	tables := []string{"citations", "control_points", "step_results"}
	for _, table := range tables {
		query := `DELETE FROM ` + table + ` WHERE run_id = ?`
		args := []interface{}{runID}
		if position != nil {
			query += ` AND position = ?`
			args = append(args, *position)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	return nil
}

// insertStepResult writes the summary row. Control points and citations go to
// their own tables; raw_json is only populated by rows from before that split.
func insertStepResult(ctx context.Context, tx *sql.Tx, result *engine.StepResult) error {
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO step_results (
			run_id, position, step_name, conformity, score, weight, critical,
			rationale, fallback, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		result.RunID,
		result.Position,
		result.StepName,
		result.Conformity,
		result.Score,
		result.Weight,
		boolInt(result.Critical),
		nullString(result.Rationale),
		boolInt(result.Fallback),
		nullString(result.Error),
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save step result %d: %w", result.Position, err)
	}

	for i, cp := range result.ControlPoints {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO control_points (run_id, position, cp_index, label, status, comment) VALUES (?, ?, ?, ?, ?, ?)`,
			result.RunID, result.Position, i, cp.Label, cp.Status, nullString(cp.Comment))
		if err != nil {
			return fmt.Errorf("failed to save control point %d of step %d: %w", i, result.Position, err)
		}

		for seq, c := range cp.Citations {
			query := `
				INSERT INTO citations (
					run_id, position, cp_index, seq, recording_index, chunk_index, timestamp, speaker,
					text, recording_date, recording_time, recording_url, supported
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`
			_, err := tx.ExecContext(ctx, query,
				result.RunID,
				result.Position,
				i,
				seq,
				c.RecordingIndex,
				c.ChunkIndex,
				nullString(c.Timestamp),
				nullString(c.Speaker),
				c.Text,
				nullString(c.RecordingDate),
				nullString(c.RecordingTime),
				nullString(c.RecordingURL),
				boolInt(c.Supported),
			)
			if err != nil {
				return fmt.Errorf("failed to save citation of step %d: %w", result.Position, err)
			}
		}
	}
	return nil
}

// HasStepResult reports whether a result exists for the step.
func (s *SQLiteStore) HasStepResult(ctx context.Context, runID string, position int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM step_results WHERE run_id = ? AND position = ?`, runID, position).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check step result: %w", err)
	}
	return true, nil
}

// CountStepResults returns the number of steps with results.
func (s *SQLiteStore) CountStepResults(ctx context.Context, runID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_results WHERE run_id = ?`, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count step results: %w", err)
	}
	return count, nil
}

type cpKey struct {
	position int
	index    int
}

// ListStepResults returns the results of a run ordered by position. Rows
// written before control points were normalized are read from raw_json.
func (s *SQLiteStore) ListStepResults(ctx context.Context, runID string) ([]engine.StepResult, error) {
	results, raws, err := s.listStepRows(ctx, runID)
	if err != nil || len(results) == 0 {
		return results, err
	}

	points, err := s.listControlPoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	citations, err := s.listCitations(ctx, runID)
	if err != nil {
		return nil, err
	}

	for i := range results {
		r := &results[i]
		cps := points[r.Position]
		if len(cps) == 0 && raws[i] != "" {
			var legacy engine.StepResult
			if err := json.Unmarshal([]byte(raws[i]), &legacy); err != nil {
				return nil, fmt.Errorf("failed to decode raw step result %d: %w", r.Position, err)
			}
			r.ControlPoints = legacy.ControlPoints
			continue
		}
		for j := range cps {
			cps[j].Citations = citations[cpKey{r.Position, cps[j].Index}]
		}
		r.ControlPoints = cps
	}
	return results, nil
}

func (s *SQLiteStore) listStepRows(ctx context.Context, runID string) ([]engine.StepResult, []string, error) {
	query := `
		SELECT run_id, position, step_name, conformity, score, weight, critical,
			rationale, fallback, error, raw_json, created_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY position ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	results := []engine.StepResult{}
	var raws []string
	for rows.Next() {
		var (
			r                         engine.StepResult
			critical, fallback        int
			rationale, errMsg, rawDoc sql.NullString
			createdAt                 int64
		)
		err := rows.Scan(
			&r.RunID,
			&r.Position,
			&r.StepName,
			&r.Conformity,
			&r.Score,
			&r.Weight,
			&critical,
			&rationale,
			&fallback,
			&errMsg,
			&rawDoc,
			&createdAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.Critical = critical == 1
		r.Fallback = fallback == 1
		r.Rationale = rationale.String
		r.Error = errMsg.String
		r.CreatedAt = fromMillis(createdAt)
		r.ControlPoints = []engine.ControlPoint{}
		results = append(results, r)
		raws = append(raws, rawDoc.String)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating step results: %w", err)
	}
	return results, raws, nil
}

func (s *SQLiteStore) listControlPoints(ctx context.Context, runID string) (map[int][]engine.ControlPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, cp_index, label, status, comment FROM control_points
		WHERE run_id = ? ORDER BY position ASC, cp_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list control points: %w", err)
	}
	defer rows.Close()

	out := make(map[int][]engine.ControlPoint)
	for rows.Next() {
		var (
			position int
			cp       engine.ControlPoint
			comment  sql.NullString
		)
		if err := rows.Scan(&position, &cp.Index, &cp.Label, &cp.Status, &comment); err != nil {
			return nil, fmt.Errorf("failed to scan control point: %w", err)
		}
		cp.Comment = comment.String
		out[position] = append(out[position], cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating control points: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) listCitations(ctx context.Context, runID string) (map[cpKey][]engine.Citation, error) {
	query := `
		SELECT position, cp_index, recording_index, chunk_index, timestamp, speaker, text,
			recording_date, recording_time, recording_url, supported
		FROM citations
		WHERE run_id = ?
		ORDER BY position ASC, cp_index ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list citations: %w", err)
	}
	defer rows.Close()

	out := make(map[cpKey][]engine.Citation)
	for rows.Next() {
		var (
			key                                   cpKey
			c                                     engine.Citation
			ts, speaker, recDate, recTime, recURL sql.NullString
			supported                             int
		)
		err := rows.Scan(
			&key.position,
			&key.index,
			&c.RecordingIndex,
			&c.ChunkIndex,
			&ts,
			&speaker,
			&c.Text,
			&recDate,
			&recTime,
			&recURL,
			&supported,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan citation: %w", err)
		}
		c.Timestamp = ts.String
		c.Speaker = speaker.String
		c.RecordingDate = recDate.String
		c.RecordingTime = recTime.String
		c.RecordingURL = recURL.String
		c.Supported = supported == 1
		out[key] = append(out[key], c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating citations: %w", err)
	}
	return out, nil
}

// SaveCheckpoint stores a step checkpoint. The first write wins.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID string, position int, name string, payload []byte) error {
	query := `
		INSERT INTO step_checkpoints (run_id, position, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, position, name) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, runID, position, name, payload, toMillis(time.Now())); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}

// GetCheckpoint returns a stored checkpoint payload.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string, position int, name string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM step_checkpoints WHERE run_id = ? AND position = ? AND name = ?`,
		runID, position, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", name, err)
	}
	return payload, nil
}

// AppendRunEvent appends an entry to the run trail.
func (s *SQLiteStore) AppendRunEvent(ctx context.Context, event *engine.RunEvent) error {
	var details sql.NullString
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO run_events (id, run_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Level,
		event.Message,
		details,
		toMillis(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

// ListRunEvents returns the trail of a run, oldest first.
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]engine.RunEvent, error) {
	query := `
		SELECT id, run_id, type, level, message, details, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	events := []engine.RunEvent{}
	for rows.Next() {
		var (
			e       engine.RunEvent
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Level, &e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode run event details: %w", err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run events: %w", err)
	}
	return events, nil
}
