package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/clusterupgrade/internal/upgrade/metrics"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// run tracks one upgrade: the state machine, stage timings and the result
// handed back to the caller. It is owned by a single goroutine.
type run struct {
	result     *model.UpgradeResult
	state      model.State
	stageStart time.Time
	recorder   Recorder
	metrics    *metrics.Collector
	logger     zerolog.Logger
}

func newRun(ctx context.Context, id string, req model.UpgradeRequest, rec Recorder, m *metrics.Collector) *run {
	now := time.Now()
	r := &run{
		result: &model.UpgradeResult{
			RunID:         id,
			Volume:        req.Volume,
			TargetVersion: req.TargetVersion,
			State:         model.StateInit,
			Databases:     []model.TransferResult{},
			StartedAt:     now,
		},
		state:      model.StateInit,
		stageStart: now,
		recorder:   rec,
		metrics:    m,
		logger:     log.With().Str("run_id", id).Str("volume", req.Volume).Logger(),
	}
	err := rec.CreateRun(ctx, &model.Run{
		ID:            id,
		Volume:        req.Volume,
		TargetVersion: req.TargetVersion,
		State:         string(model.StateInit),
		StartedAt:     now,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to record upgrade run")
	}
	return r
}

func (r *run) id() string { return r.result.RunID }

// closeStage appends the timing of the current state.
func (r *run) closeStage() {
	now := time.Now()
	d := now.Sub(r.stageStart)
	r.result.Timings = append(r.result.Timings, model.StageTiming{Stage: r.state, Duration: d})
	r.metrics.ObserveStage(string(r.state), d.Seconds())
	r.stageStart = now
}

// enter moves the state machine forward. Terminal states are absorbing.
func (r *run) enter(ctx context.Context, s model.State) {
	if r.state.IsTerminal() {
		return
	}
	r.closeStage()
	r.state = s
	r.result.State = s
	r.logger.Info().Str("stage", string(s)).Msg("upgrade stage")
	if err := r.recorder.UpdateRunState(context.WithoutCancel(ctx), r.id(), s); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record upgrade state")
	}
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.result.Warnings = append(r.result.Warnings, msg)
	r.logger.Warn().Msg(msg)
}

func (r *run) setPlan(plan *model.MigrationPlan) {
	r.result.SourceVersion = plan.SourceVersion
	r.result.TargetVersion = plan.TargetVersion
}

func (r *run) addDatabase(ctx context.Context, res model.TransferResult) {
	r.result.Databases = append(r.result.Databases, res)
	outcome := model.RunDatabaseOutcome(res)
	r.metrics.ObserveDatabase(outcome)
	err := r.recorder.InsertDatabaseResult(context.WithoutCancel(ctx), &model.RunDatabase{
		RunID:       r.id(),
		Database:    res.Database,
		SourceCount: res.SourceCount,
		DestCount:   res.DestCount,
		Bytes:       res.Bytes,
		Outcome:     outcome,
		Reason:      res.Reason,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("database", res.Database).Msg("failed to record database result")
	}
}

// finish moves to Done or Failed and records the final result. The stage a
// failure happened in is the state the run was in when err surfaced.
func (r *run) finish(ctx context.Context, err error) (*model.UpgradeResult, error) {
	r.closeStage()
	res := r.result
	res.FinishedAt = time.Now()
	if err != nil {
		res.FailedStage = r.state
		res.State = model.StateFailed
		res.Reason = err.Error()
		r.logger.Error().Err(err).Str("stage", string(r.state)).Msg("upgrade failed")
		r.metrics.ObserveUpgrade("failed")
	} else {
		res.State = model.StateDone
		r.logger.Info().Str("backup", res.BackupVolume).Dur("took", res.FinishedAt.Sub(res.StartedAt)).Msg("upgrade finished")
		r.metrics.ObserveUpgrade("success")
	}
	r.state = res.State

	finished := res.FinishedAt
	rec := &model.Run{
		ID:            res.RunID,
		Volume:        res.Volume,
		BackupVolume:  res.BackupVolume,
		SourceVersion: res.SourceVersion,
		TargetVersion: res.TargetVersion,
		State:         string(res.State),
		FailedStage:   string(res.FailedStage),
		Reason:        res.Reason,
		StartedAt:     res.StartedAt,
		FinishedAt:    &finished,
	}
	if rerr := r.recorder.FinishRun(context.WithoutCancel(ctx), rec); rerr != nil {
		r.logger.Warn().Err(rerr).Msg("failed to record upgrade result")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.Warn().Msg("upgrade aborted; the live volume was not modified unless the swap had started")
	}
	return res, err
}
