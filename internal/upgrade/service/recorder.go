package service

import (
	"context"
	"errors"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// Recorder 持久化升级任务进度；记录失败只打日志，不影响升级本身
type Recorder interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunState(ctx context.Context, id string, state model.State) error
	InsertDatabaseResult(ctx context.Context, d *model.RunDatabase) error
	FinishRun(ctx context.Context, run *model.Run) error
}

// NopRecorder 不做任何记录
type NopRecorder struct{}

func (NopRecorder) CreateRun(context.Context, *model.Run) error                    { return nil }
func (NopRecorder) UpdateRunState(context.Context, string, model.State) error      { return nil }
func (NopRecorder) InsertDatabaseResult(context.Context, *model.RunDatabase) error { return nil }
func (NopRecorder) FinishRun(context.Context, *model.Run) error                    { return nil }

// MultiRecorder 依次写入多个Recorder
type MultiRecorder []Recorder

func (m MultiRecorder) CreateRun(ctx context.Context, run *model.Run) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.CreateRun(ctx, run))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) UpdateRunState(ctx context.Context, id string, state model.State) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.UpdateRunState(ctx, id, state))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) InsertDatabaseResult(ctx context.Context, d *model.RunDatabase) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.InsertDatabaseResult(ctx, d))
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) FinishRun(ctx context.Context, run *model.Run) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.FinishRun(ctx, run))
	}
	return errors.Join(errs...)
}
