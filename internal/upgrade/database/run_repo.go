package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// ErrRunNotFound 升级任务不存在
var ErrRunNotFound = errors.New("upgrade run not found")

// RunRepo 升级任务数据访问层
type RunRepo struct {
	db *sql.DB
}

// NewRunRepo 创建升级任务仓库
func NewRunRepo(db *Database) *RunRepo {
	return &RunRepo{db: db.GetDB()}
}

// CreateRun 新建升级任务记录
func (r *RunRepo) CreateRun(ctx context.Context, run *model.Run) error {
	query := `
		INSERT INTO upgrade_runs (id, volume, backup_volume, source_version, target_version, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query, run.ID, run.Volume, run.BackupVolume,
		run.SourceVersion, run.TargetVersion, run.State, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRunState 更新任务状态
func (r *RunRepo) UpdateRunState(ctx context.Context, id string, state model.State) error {
	res, err := r.db.ExecContext(ctx, `UPDATE upgrade_runs SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return requireOneRow(res, id)
}

// FinishRun 写入任务最终结果
func (r *RunRepo) FinishRun(ctx context.Context, run *model.Run) error {
	query := `
		UPDATE upgrade_runs
		SET backup_volume = $2, source_version = $3, state = $4, failed_stage = $5, reason = $6, finished_at = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, run.ID, run.BackupVolume, run.SourceVersion,
		run.State, run.FailedStage, run.Reason, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	return requireOneRow(res, run.ID)
}

// InsertDatabaseResult 记录单个数据库迁移结果
func (r *RunRepo) InsertDatabaseResult(ctx context.Context, d *model.RunDatabase) error {
	query := `
		INSERT INTO upgrade_run_databases (run_id, database, source_count, dest_count, bytes, outcome, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query, d.RunID, d.Database, d.SourceCount, d.DestCount,
		d.Bytes, d.Outcome, d.Reason).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to insert database result: %w", err)
	}
	return nil
}

// GetRun 根据ID获取任务
func (r *RunRepo) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := `
		SELECT id, volume, backup_volume, source_version, target_version, state, failed_stage, reason, started_at, finished_at
		FROM upgrade_runs
		WHERE id = $1
	`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns 列出某数据卷的任务，volume为空时列出全部，按开始时间倒序
func (r *RunRepo) ListRuns(ctx context.Context, volume string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, volume, backup_volume, source_version, target_version, state, failed_stage, reason, started_at, finished_at
		FROM upgrade_runs
		WHERE ($1 = '' OR volume = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, volume, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetDatabaseResults 获取任务下所有数据库迁移记录
func (r *RunRepo) GetDatabaseResults(ctx context.Context, runID string) ([]*model.RunDatabase, error) {
	query := `
		SELECT id, run_id, database, source_count, dest_count, bytes, outcome, reason
		FROM upgrade_run_databases
		WHERE run_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query database results: %w", err)
	}
	defer rows.Close()

	var results []*model.RunDatabase
	for rows.Next() {
		var d model.RunDatabase
		if err := rows.Scan(&d.ID, &d.RunID, &d.Database, &d.SourceCount, &d.DestCount, &d.Bytes, &d.Outcome, &d.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan database result: %w", err)
		}
		results = append(results, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating database results: %w", err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*model.Run, error) {
	var run model.Run
	var finished sql.NullTime
	err := s.Scan(&run.ID, &run.Volume, &run.BackupVolume, &run.SourceVersion, &run.TargetVersion,
		&run.State, &run.FailedStage, &run.Reason, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
