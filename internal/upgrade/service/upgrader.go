// Package service drives a cluster upgrade from pre-flight checks to the
// volume swap.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/clusterupgrade/internal/upgrade/cluster"
	"github.com/qiniu/clusterupgrade/internal/upgrade/lock"
	"github.com/qiniu/clusterupgrade/internal/upgrade/metrics"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/registry"
	"github.com/qiniu/clusterupgrade/internal/upgrade/sqlexec"
	"github.com/qiniu/clusterupgrade/internal/upgrade/transfer"
	"github.com/qiniu/clusterupgrade/internal/upgrade/verify"
	"github.com/qiniu/clusterupgrade/internal/upgrade/volume"
	"github.com/rs/zerolog/log"
)

// trustEnv makes a freshly initialized target cluster accept local
// connections without a password.
var trustEnv = map[string]string{"POSTGRES_HOST_AUTH_METHOD": "trust"}

// Transferer moves one database between two running instances.
type Transferer interface {
	Transfer(ctx context.Context, src, dst model.Endpoint, sel model.Selection) (*model.TransferResult, error)
	RestoreFile(ctx context.Context, path string, dst model.Endpoint) (*model.TransferResult, error)
}

// TransfererFactory builds a Transferer using the tools of image.
type TransfererFactory func(image, runID string) Transferer

// PipelineFactory returns a factory of streaming dump/restore pipelines.
func PipelineFactory(opts transfer.Options, onBytes func(database string, n int)) TransfererFactory {
	return func(image, runID string) Transferer {
		p := transfer.New(opts, image, runID)
		p.OnBytes = onBytes
		return p
	}
}

// Options tune an Upgrader.
type Options struct {
	// SourcePassword authenticates against the existing cluster.
	SourcePassword string
	LockTTL        time.Duration
	// Timeout bounds a whole run; zero means no bound.
	Timeout   time.Duration
	PostCheck bool
	// Owner identifies this process in lock leases.
	Owner string
}

// Deps are the collaborators of an Upgrader. Recorder, Locker, Metrics and
// Transferer are optional.
type Deps struct {
	Registry   *registry.Registry
	Clusters   *cluster.Manager
	Volumes    *volume.Manager
	Verifier   *verify.Verifier
	Executor   sqlexec.Executor
	Locker     lock.Locker
	Recorder   Recorder
	Metrics    *metrics.Collector
	Transferer TransfererFactory
}

// Upgrader runs upgrades. Runs on different volumes may proceed
// concurrently; the locker serializes runs on the same volume.
type Upgrader struct {
	registry      *registry.Registry
	clusters      *cluster.Manager
	volumes       *volume.Manager
	verifier      *verify.Verifier
	exec          sqlexec.Executor
	locker        lock.Locker
	recorder      Recorder
	metrics       *metrics.Collector
	newTransferer TransfererFactory
	opts          Options
}

// New wires an Upgrader, filling optional dependencies with in-process
// defaults.
func New(deps Deps, opts Options) (*Upgrader, error) {
	if deps.Registry == nil || deps.Clusters == nil || deps.Volumes == nil || deps.Verifier == nil || deps.Executor == nil {
		return nil, fmt.Errorf("registry, clusters, volumes, verifier and executor are required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Transferer == nil {
		deps.Transferer = PipelineFactory(transfer.DefaultOptions(), deps.Metrics.AddTransferBytes)
	}
	if deps.Clusters.ProbeObserver == nil {
		deps.Clusters.ProbeObserver = deps.Metrics.ObserveProbes
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	return &Upgrader{
		registry:      deps.Registry,
		clusters:      deps.Clusters,
		volumes:       deps.Volumes,
		verifier:      deps.Verifier,
		exec:          deps.Executor,
		locker:        deps.Locker,
		recorder:      deps.Recorder,
		metrics:       deps.Metrics,
		newTransferer: deps.Transferer,
		opts:          opts,
	}, nil
}

// Upgrade runs req under a new run id.
func (u *Upgrader) Upgrade(ctx context.Context, req model.UpgradeRequest) (*model.UpgradeResult, error) {
	return u.UpgradeRun(ctx, uuid.NewString(), req)
}

// UpgradeRun upgrades req.Volume to req.TargetVersion. The returned result is
// never nil; on failure its State is Failed, FailedStage names where the run
// stopped, and the error is returned as well. Containers and volumes created
// by the run are torn down before it returns. The live volume is only ever
// written by the swap, after every database has been verified.
func (u *Upgrader) UpgradeRun(ctx context.Context, runID string, req model.UpgradeRequest) (*model.UpgradeResult, error) {
	if u.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}
	r := newRun(ctx, runID, req, u.recorder, u.metrics)
	err := u.execute(ctx, r, req)
	return r.finish(ctx, err)
}

func (u *Upgrader) execute(ctx context.Context, r *run, req model.UpgradeRequest) (err error) {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid upgrade request: %w", err)
	}

	release, err := u.acquire(ctx, req.Volume)
	if err != nil {
		return err
	}
	defer release()

	plan, err := u.plan(ctx, r, req)
	if err != nil {
		return err
	}
	r.setPlan(plan)
	r.enter(ctx, model.StateValidated)

	td := &teardown{u: u, logger: r.logger}
	defer func() {
		if p := recover(); p != nil {
			td.run(true)
			r.finish(ctx, fmt.Errorf("panic during upgrade: %v", p))
			panic(p)
		}
		td.run(err != nil)
	}()

	src, dst, err := u.provision(ctx, r, plan, td)
	if err != nil {
		return err
	}
	r.enter(ctx, model.StateProvisioned)

	if err := u.transferAll(ctx, r, plan, src, dst); err != nil {
		return err
	}
	r.enter(ctx, model.StateSwapReady)

	if err := u.swap(ctx, r, plan, td); err != nil {
		return err
	}
	if u.opts.PostCheck {
		if err := u.postCheck(ctx, r, plan); err != nil {
			return fmt.Errorf("post-upgrade check failed, previous contents are kept in %s: %w", plan.BackupVolume, err)
		}
	}
	return nil
}

// acquire takes the volume lock and keeps it alive until the returned
// release is called.
func (u *Upgrader) acquire(ctx context.Context, vol string) (func(), error) {
	lease, err := u.locker.Acquire(ctx, vol, u.opts.Owner, u.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	keepCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		lock.KeepAlive(keepCtx, u.locker, lease, u.opts.LockTTL)
	}()
	return func() {
		stop()
		<-done
		if err := u.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn().Err(err).Str("volume", vol).Msg("failed to release volume lock")
		}
	}, nil
}

// plan runs the pre-flight checks. Nothing is created here: an unsupported
// target, a missing volume or an undetectable version fail before any
// container or volume exists.
func (u *Upgrader) plan(ctx context.Context, r *run, req model.UpgradeRequest) (*model.MigrationPlan, error) {
	reg := u.registry.WithOverrides(req.Images)

	targetImage, err := reg.ResolveImage(req.TargetVersion)
	if err != nil {
		return nil, err
	}
	current, err := reg.DetectVolumeVersion(ctx, req.Volume)
	if err != nil {
		return nil, err
	}
	if current == req.TargetVersion {
		return nil, fmt.Errorf("%w: volume %s is at version %d", model.ErrAlreadyAtVersion, req.Volume, current)
	}
	if current > req.TargetVersion {
		r.warn("downgrading volume %s from %d to %d; restore may fail on newer catalog features", req.Volume, current, req.TargetVersion)
	}
	sourceImage, err := reg.ResolveImage(current)
	if err != nil {
		return nil, err
	}

	plan := &model.MigrationPlan{
		Volume:        req.Volume,
		NewVolume:     volume.NewName(req.Volume),
		BackupVolume:  volume.BackupName(req.Volume),
		SourceVersion: current,
		TargetVersion: req.TargetVersion,
		SourceImage:   sourceImage,
		TargetImage:   targetImage,
		Databases:     append([]string(nil), req.Databases...),
		Selection:     req.Selection,
	}
	r.logger.Info().Int("from", current).Int("to", req.TargetVersion).
		Str("source_image", sourceImage).Str("target_image", targetImage).
		Strs("databases", plan.Databases).Msg("upgrade planned")
	return plan, nil
}

// provision creates the new volume and starts both instances.
func (u *Upgrader) provision(ctx context.Context, r *run, plan *model.MigrationPlan, td *teardown) (src, dst *cluster.Instance, err error) {
	if err := u.volumes.EnsureEmpty(ctx, plan.NewVolume); err != nil {
		return nil, nil, err
	}
	td.newVolume = plan.NewVolume

	src, err = u.clusters.Start(ctx, cluster.InstanceSpec{
		Role:     "source",
		Image:    plan.SourceImage,
		Volume:   plan.Volume,
		Password: u.opts.SourcePassword,
	})
	if err != nil {
		return nil, nil, err
	}
	td.instances = append(td.instances, src)

	dst, err = u.clusters.Start(ctx, cluster.InstanceSpec{
		Role:   "destination",
		Image:  plan.TargetImage,
		Volume: plan.NewVolume,
		Env:    trustEnv,
	})
	if err != nil {
		return nil, nil, err
	}
	td.instances = append(td.instances, dst)

	reported, err := u.registry.DetectVersion(ctx, src.Endpoint())
	if err != nil {
		return nil, nil, err
	}
	if reported != plan.SourceVersion {
		return nil, nil, &model.VersionDetectionError{
			Source: src.Endpoint().Redacted(),
			Raw:    fmt.Sprint(reported),
			Err:    fmt.Errorf("running server reports %d but the volume records %d", reported, plan.SourceVersion),
		}
	}
	return src, dst, nil
}

// transferAll moves the planned databases one at a time. Any failure stops
// the run.
func (u *Upgrader) transferAll(ctx context.Context, r *run, plan *model.MigrationPlan, src, dst *cluster.Instance) error {
	srcEP, dstEP := src.Endpoint(), dst.Endpoint()

	existing, err := sqlexec.ListDatabases(ctx, u.exec, srcEP)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}
	u.warnUnplanned(r, plan, existing)

	xfer := u.newTransferer(plan.TargetImage, r.id())
	for _, name := range plan.Databases {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !present[name] {
			reason := "database not present in source cluster"
			r.logger.Warn().Str("database", name).Msg("skipping database: " + reason)
			r.addDatabase(ctx, model.TransferResult{Database: name, Skipped: true, Reason: reason})
			continue
		}

		r.enter(ctx, model.StateTransferring)
		res, err := u.transferOne(ctx, r, xfer, plan, srcEP.WithDatabase(name), dstEP)
		r.addDatabase(ctx, res)
		if err != nil {
			return err
		}
		r.enter(ctx, model.StateVerified)
	}

	if r.result.Transferred() == 0 {
		return fmt.Errorf("%w: none of %v exist in volume %s", model.ErrNothingTransferred, plan.Databases, plan.Volume)
	}
	return nil
}

// transferOne creates the database in the destination, streams it over and
// verifies it. The returned result is filled as far as the run got.
func (u *Upgrader) transferOne(ctx context.Context, r *run, xfer Transferer, plan *model.MigrationPlan, src, dstAdmin model.Endpoint) (model.TransferResult, error) {
	started := time.Now()
	name := src.Database
	dst := dstAdmin.WithDatabase(name)
	res := model.TransferResult{Database: name}
	fail := func(err error) (model.TransferResult, error) {
		res.Reason = err.Error()
		res.Duration = time.Since(started)
		return res, err
	}

	srcCount, err := u.verifier.CountSelected(ctx, src, plan.Selection)
	if err != nil {
		return fail(err)
	}
	res.SourceCount = srcCount

	if err := sqlexec.CreateDatabase(ctx, u.exec, dstAdmin, name); err != nil {
		return fail(err)
	}

	tr, err := xfer.Transfer(ctx, src, dst, plan.Selection)
	if tr != nil {
		res.Bytes = tr.Bytes
	}
	if err != nil {
		return fail(err)
	}

	out, err := u.verifier.VerifyAgainst(ctx, srcCount, dst)
	if out != nil {
		res.DestCount = out.DestCount
		if out.Warning != "" {
			r.warn("database %s: %s", name, out.Warning)
		}
	}
	if err != nil {
		return fail(err)
	}

	res.Success = true
	res.Duration = time.Since(started)
	r.logger.Info().Str("database", name).Int("objects", res.DestCount).Int64("bytes", res.Bytes).Dur("took", res.Duration).Msg("database transferred")
	return res, nil
}

func (u *Upgrader) warnUnplanned(r *run, plan *model.MigrationPlan, existing []string) {
	planned := make(map[string]bool, len(plan.Databases))
	for _, name := range plan.Databases {
		planned[name] = true
	}
	var extra []string
	for _, name := range existing {
		if !planned[name] && !isMaintenanceDatabase(name) {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		r.warn("databases %v exist in %s but are not part of the upgrade and will not be carried over", extra, plan.Volume)
	}
}

func isMaintenanceDatabase(name string) bool {
	return name == "postgres"
}

// swap stops both instances and makes the new volume live.
func (u *Upgrader) swap(ctx context.Context, r *run, plan *model.MigrationPlan, td *teardown) error {
	if err := td.stopInstances(); err != nil {
		return fmt.Errorf("failed to stop instances before swap: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := u.volumes.Swap(ctx, plan.Volume, plan.NewVolume, plan.BackupVolume)
	var se *model.SwapError
	switch {
	case err == nil:
		td.newVolume = ""
	case errors.As(err, &se) && se.Stage == model.SwapStageCleanup:
		td.newVolume = ""
		r.warn("upgrade complete but %s could not be removed: %v", plan.NewVolume, se.Err)
	case errors.As(err, &se) && se.Stage == model.SwapStageReplace:
		if se.Restored {
			td.backupVolume = plan.BackupVolume
			return err
		}
		// live is damaged; both copies are needed to recover
		td.newVolume = ""
		return err
	case errors.As(err, &se) && se.Stage == model.SwapStageBackup:
		td.backupVolume = plan.BackupVolume
		return err
	default:
		return err
	}
	r.result.BackupVolume = plan.BackupVolume
	return nil
}

// postCheck starts the target image on the swapped live volume and checks
// its version and object counts.
func (u *Upgrader) postCheck(ctx context.Context, r *run, plan *model.MigrationPlan) error {
	return u.clusters.With(ctx, cluster.InstanceSpec{
		Role:   "postcheck",
		Image:  plan.TargetImage,
		Volume: plan.Volume,
		Env:    trustEnv,
	}, func(inst *cluster.Instance) error {
		ep := inst.Endpoint()
		v, err := u.registry.DetectVersion(ctx, ep)
		if err != nil {
			return err
		}
		if v != plan.TargetVersion {
			return fmt.Errorf("live volume reports version %d, expected %d", v, plan.TargetVersion)
		}
		for _, d := range r.result.Databases {
			if !d.Success {
				continue
			}
			n, err := u.verifier.Count(ctx, ep.WithDatabase(d.Database))
			if err != nil {
				return err
			}
			if n < d.SourceCount {
				return &model.VerificationFailure{
					Database:    d.Database,
					SourceCount: d.SourceCount,
					DestCount:   n,
					Reason:      "objects missing after swap",
				}
			}
		}
		r.logger.Info().Int("version", v).Msg("post-upgrade check passed")
		return nil
	})
}
