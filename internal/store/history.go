package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run statuses.
const (
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run is one recorded segmentation.
type Run struct {
	ID          string
	Input       string
	Mode        string
	DetailLevel string
	Status      string
	Message     string

	// Seeds holds the right lung, left lung and trachea point counts
	Seeds [3]int

	StartedAt  time.Time
	FinishedAt time.Time
	Segments   []SegmentStat
}

// SegmentStat is the size of one segment of a run.
type SegmentStat struct {
	Name      string
	Voxels    int
	VolumeMM3 float64
	VolumeCM3 float64
}

// HistoryRepository stores runs.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new HistoryRepository
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record inserts run and its segment statistics. A missing ID is assigned.
func (r *HistoryRepository) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, input, mode, detail_level, status, message,
			right_points, left_points, trachea_points, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Input, run.Mode, run.DetailLevel, run.Status, run.Message,
		run.Seeds[0], run.Seeds[1], run.Seeds[2],
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	for i, s := range run.Segments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segment_stats (run_id, position, name, voxels, volume_mm3, volume_cm3)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, i, s.Name, s.Voxels, s.VolumeMM3, s.VolumeCM3)
		if err != nil {
			return fmt.Errorf("failed to record segment %q: %w", s.Name, err)
		}
	}
	return tx.Commit()
}

const runColumns = `
	id, input, mode, detail_level, status, message,
	right_points, left_points, trachea_points, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var started, finished int64
	err := row.Scan(
		&run.ID, &run.Input, &run.Mode, &run.DetailLevel, &run.Status, &run.Message,
		&run.Seeds[0], &run.Seeds[1], &run.Seeds[2], &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(started)
	run.FinishedAt = time.UnixMilli(finished)
	return &run, nil
}

// Get retrieves a run with its segments.
func (r *HistoryRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := r.loadSegments(ctx, []*Run{run}); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns the most recent runs first, at most limit when limit > 0.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY id DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadSegments(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *HistoryRepository) loadSegments(ctx context.Context, runs []*Run) error {
	if len(runs) == 0 {
		return nil
	}
	byID := make(map[string]*Run, len(runs))
	placeholders := make([]string, len(runs))
	args := make([]any, len(runs))
	for i, run := range runs {
		byID[run.ID] = run
		placeholders[i] = "?"
		args[i] = run.ID
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, name, voxels, volume_mm3, volume_cm3
		FROM segment_stats
		WHERE run_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY run_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load segments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var s SegmentStat
		if err := rows.Scan(&id, &s.Name, &s.Voxels, &s.VolumeMM3, &s.VolumeCM3); err != nil {
			return fmt.Errorf("failed to scan segment: %w", err)
		}
		byID[id].Segments = append(byID[id].Segments, s)
	}
	return rows.Err()
}

// Delete removes a run and its statistics.
func (r *HistoryRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
