package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/qiniu/clusterupgrade/internal/upgrade/cluster"
	"github.com/qiniu/clusterupgrade/internal/upgrade/lock"
	"github.com/qiniu/clusterupgrade/internal/upgrade/metrics"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/registry"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime/runtimetest"
	"github.com/qiniu/clusterupgrade/internal/upgrade/verify"
	"github.com/qiniu/clusterupgrade/internal/upgrade/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const liveVolume = "pg_data"

var seedFiles = map[string]string{
	"PG_VERSION":     "11\n",
	"base/1/1259":    "catalog",
	dbFile("app_db"): "public.accounts\npublic.orders\npublic.order_totals",
	dbFile("gis_db"): "public.roads\ntiger.places",
	dbFile("legacy"): "public.old",
}

type harness struct {
	rt       *runtimetest.Runtime
	exec     *volumeExecutor
	xfer     *fileTransferer
	recorder *memRecorder
	locker   *lock.LocalLocker
	metrics  *metrics.Collector
	opts     Options
	strict   bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rt := runtimetest.New()
	rt.EngineVersions["postgres:11"] = 11
	rt.EngineVersions["postgres:14"] = 14
	rt.SeedVolume(liveVolume, seedFiles)
	exec := &volumeExecutor{rt: rt}
	return &harness{
		rt:       rt,
		exec:     exec,
		xfer:     &fileTransferer{exec: exec, drop: map[string]bool{}, fail: map[string]error{}},
		recorder: newMemRecorder(),
		locker:   lock.NewLocalLocker(),
		metrics:  metrics.New(),
		opts:     Options{LockTTL: time.Minute, Owner: "test"},
	}
}

func (h *harness) upgrader(t *testing.T) *Upgrader {
	t.Helper()
	clusters, err := cluster.NewManager(h.rt, cluster.ReadinessPolicy{MaxAttempts: 5, Interval: time.Millisecond, Timeout: 5 * time.Second})
	require.NoError(t, err)
	u, err := New(Deps{
		Registry:   registry.New(model.VersionImageMap{11: "postgres:11", 14: "postgres:14"}, h.rt, h.exec, "alpine:3.19"),
		Clusters:   clusters,
		Volumes:    volume.NewManager(h.rt, "alpine:3.19", nil),
		Verifier:   verify.New(h.exec, h.strict),
		Executor:   h.exec,
		Locker:     h.locker,
		Recorder:   h.recorder,
		Metrics:    h.metrics,
		Transferer: h.xfer.factory,
	}, h.opts)
	require.NoError(t, err)
	return u
}

func request(databases ...string) model.UpgradeRequest {
	return model.UpgradeRequest{Volume: liveVolume, TargetVersion: 14, Databases: databases}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// assertLiveUntouched checks the failure guarantee: live volume unchanged,
// nothing left running, no volume of this run left behind.
func (h *harness) assertLiveUntouched(t *testing.T) {
	t.Helper()
	assert.Equal(t, seedFiles, h.rt.Files(liveVolume))
	assert.False(t, h.rt.HasVolume(volume.NewName(liveVolume)))
	assert.Zero(t, h.rt.RunningContainers())
	assert.Zero(t, h.rt.ContainerCount())
}

func TestUpgradeSuccess(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("app_db", "gis_db"))
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	assert.Equal(t, 11, res.SourceVersion)
	assert.Equal(t, 14, res.TargetVersion)
	assert.Equal(t, "pg_data_backup", res.BackupVolume)
	assert.Equal(t, 2, res.Transferred())
	for _, d := range res.Databases {
		assert.True(t, d.Success, d.Database)
		assert.Equal(t, d.SourceCount, d.DestCount, d.Database)
	}
	assert.Contains(t, res.Warnings[0], "legacy", "unplanned source databases are reported")

	live := h.rt.Files(liveVolume)
	assert.Equal(t, "14\n", live["PG_VERSION"])
	assert.Equal(t, seedFiles[dbFile("app_db")], live[dbFile("app_db")])
	assert.Equal(t, seedFiles[dbFile("gis_db")], live[dbFile("gis_db")])
	assert.NotContains(t, live, dbFile("legacy"))

	assert.Equal(t, seedFiles, h.rt.Files("pg_data_backup"), "backup equals the pre-upgrade volume")
	assert.False(t, h.rt.HasVolume("pg_data_new"))
	assert.Zero(t, h.rt.RunningContainers())
	assert.Equal(t, []string{"postgres:14"}, h.xfer.images, "dump and restore use the target image tools")

	assert.Equal(t, []model.State{
		model.StateInit,
		model.StateValidated,
		model.StateProvisioned,
		model.StateTransferring, model.StateVerified,
		model.StateTransferring, model.StateVerified,
		model.StateSwapReady,
		model.StateDone,
	}, h.recorder.states)
	assert.Len(t, h.recorder.databases, 2)
	assert.NotEmpty(t, res.Timings)

	assert.Equal(t, 1.0, counterValue(t, h.metrics.Registry(), "clusterupgrade_upgrades_total", "result", "success"))
	assert.Equal(t, 2.0, counterValue(t, h.metrics.Registry(), "clusterupgrade_databases_total", "outcome", "transferred"))

	holder, err := h.locker.Holder(context.Background(), liveVolume)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock is released")
}

func TestUpgradeOperationOrder(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	_, err := u.Upgrade(context.Background(), request("app_db"))
	require.NoError(t, err)

	events := h.rt.Events()
	index := func(ev string) int {
		for i, e := range events {
			if e == ev {
				return i
			}
		}
		t.Fatalf("event %q not found in %v", ev, events)
		return -1
	}
	assert.Less(t, index("create-volume pg_data_new"), index("start postgres:11 pg_data"))
	assert.Less(t, index("start postgres:11 pg_data"), index("start postgres:14 pg_data_new"))
	assert.Less(t, index("start postgres:14 pg_data_new"), index("copy pg_data pg_data_backup"))
	assert.Less(t, index("copy pg_data pg_data_backup"), index("copy pg_data_new pg_data"))
	assert.Less(t, index("copy pg_data_new pg_data"), index("remove-volume pg_data_new"))
}

func TestUpgradeRejectsUnsupportedTargetBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	req := request("app_db")
	req.TargetVersion = 99
	res, err := u.Upgrade(context.Background(), req)

	var unsupported *model.UnsupportedVersionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, 99, unsupported.Version)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.StateInit, res.FailedStage)
	assert.Empty(t, h.rt.Events(), "nothing was created or started")
	h.assertLiveUntouched(t)
}

func TestUpgradePreflightFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(h *harness, req *model.UpgradeRequest)
		wantErr error
	}{
		{
			name:    "missing volume",
			mutate:  func(h *harness, req *model.UpgradeRequest) { req.Volume = "nope" },
			wantErr: model.ErrVolumeNotFound,
		},
		{
			name:    "already at target",
			mutate:  func(h *harness, req *model.UpgradeRequest) { req.TargetVersion = 11 },
			wantErr: model.ErrAlreadyAtVersion,
		},
		{
			name: "locked volume",
			mutate: func(h *harness, req *model.UpgradeRequest) {
				_, err := h.locker.Acquire(context.Background(), liveVolume, "other", time.Minute)
				require.NoError(t, err)
			},
			wantErr: model.ErrVolumeLocked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			u := h.upgrader(t)
			req := request("app_db")
			tt.mutate(h, &req)

			res, err := u.Upgrade(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, model.StateFailed, res.State)
			assert.Equal(t, model.StateInit, res.FailedStage)
			assert.Empty(t, h.rt.Events())
			h.assertLiveUntouched(t)
		})
	}
}

func TestUpgradeRejectsUnsupportedSourceVersion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rt.WriteFile(liveVolume, "PG_VERSION", "9.6\n"))
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("app_db"))
	var uv *model.UnsupportedVersionError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, 9, uv.Version)
	assert.Equal(t, model.StateInit, res.FailedStage)
	assert.Empty(t, h.rt.Events(), "nothing was created or started")
	assert.Equal(t, []string{liveVolume}, h.rt.VolumeNames())
	assert.Equal(t, "9.6\n", h.rt.Files(liveVolume)["PG_VERSION"])
}

func TestUpgradePanicTearsDown(t *testing.T) {
	h := newHarness(t)
	h.xfer.before = func(database string) { panic("transfer exploded") }
	u := h.upgrader(t)

	require.PanicsWithValue(t, "transfer exploded", func() {
		_, _ = u.Upgrade(context.Background(), request("app_db"))
	})
	h.assertLiveUntouched(t)
	require.NotEmpty(t, h.recorder.states)
	assert.Equal(t, model.StateFailed, h.recorder.states[len(h.recorder.states)-1])

	holder, err := h.locker.Holder(context.Background(), liveVolume)
	require.NoError(t, err)
	assert.Nil(t, holder, "lock released after the panic")
}

func TestUpgradeInvalidRequest(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), model.UpgradeRequest{Volume: liveVolume, TargetVersion: 14})
	require.Error(t, err)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Empty(t, h.rt.Events())
}

func TestUpgradeSkipsMissingDatabase(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("ghost", "app_db"))
	require.NoError(t, err)
	require.Len(t, res.Databases, 2)

	assert.Equal(t, "ghost", res.Databases[0].Database)
	assert.True(t, res.Databases[0].Skipped)
	assert.False(t, res.Databases[0].Success)
	assert.NotEmpty(t, res.Databases[0].Reason)
	assert.True(t, res.Databases[1].Success)
	assert.NotContains(t, h.rt.Files(liveVolume), dbFile("ghost"))
	assert.Equal(t, 1.0, counterValue(t, h.metrics.Registry(), "clusterupgrade_databases_total", "outcome", "skipped"))
}

func TestUpgradeRefusesWhenNothingTransferred(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("ghost", "phantom"))
	require.ErrorIs(t, err, model.ErrNothingTransferred)
	assert.Equal(t, model.StateProvisioned, res.FailedStage)
	assert.False(t, h.rt.HasVolume("pg_data_backup"))
	h.assertLiveUntouched(t)
}

func TestUpgradeVerificationFailureKeepsLiveVolume(t *testing.T) {
	h := newHarness(t)
	h.xfer.drop["gis_db"] = true
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("app_db", "gis_db"))
	var failure *model.VerificationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "gis_db", failure.Database)
	assert.Equal(t, 2, failure.SourceCount)
	assert.Equal(t, 1, failure.DestCount)

	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.StateTransferring, res.FailedStage)
	require.Len(t, res.Databases, 2)
	assert.True(t, res.Databases[0].Success)
	assert.False(t, res.Databases[1].Success)
	assert.False(t, h.rt.HasVolume("pg_data_backup"))
	h.assertLiveUntouched(t)
	assert.Equal(t, 1.0, counterValue(t, h.metrics.Registry(), "clusterupgrade_upgrades_total", "result", "failed"))
	assert.Equal(t, string(model.StateFailed), h.recorder.runs[res.RunID].State)
}

func TestUpgradeExtraObjects(t *testing.T) {
	for _, strict := range []bool{false, true} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			h := newHarness(t)
			h.strict = strict
			h.xfer.extra = map[string][]string{"app_db": {"public.pg_stat_statements"}}
			u := h.upgrader(t)

			res, err := u.Upgrade(context.Background(), request("app_db"))
			if strict {
				var failure *model.VerificationFailure
				require.ErrorAs(t, err, &failure)
				assert.Equal(t, 4, failure.DestCount)
				h.assertLiveUntouched(t)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 4, res.Databases[0].DestCount)
			assert.Contains(t, res.Warnings[len(res.Warnings)-1], "more objects")
		})
	}
}

func TestUpgradeTransferFailure(t *testing.T) {
	h := newHarness(t)
	h.xfer.fail["app_db"] = errors.New("pg_dump: error: connection to server lost")
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("app_db"))
	var terr *model.TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.DumpExit)
	assert.Equal(t, model.StateTransferring, res.FailedStage)
	assert.Contains(t, res.Databases[0].Reason, "connection to server lost")
	h.assertLiveUntouched(t)
}

func TestUpgradeStartupTimeout(t *testing.T) {
	h := newHarness(t)
	h.rt.NeverReady["postgres:14"] = true
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("app_db"))
	var timeout *model.StartupTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "postgres:14", timeout.Image)
	assert.Equal(t, model.StateValidated, res.FailedStage)
	h.assertLiveUntouched(t)
}

func TestUpgradeCancelledDuringTransfer(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.xfer.before = func(string) { cancel() }
	u := h.upgrader(t)

	res, err := u.Upgrade(ctx, request("app_db"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StateFailed, res.State)
	h.assertLiveUntouched(t)
}

func TestUpgradeSwapFailures(t *testing.T) {
	t.Run("backup stage", func(t *testing.T) {
		h := newHarness(t)
		h.rt.FailCopyInto["pg_data_backup"] = -1
		u := h.upgrader(t)

		res, err := u.Upgrade(context.Background(), request("app_db"))
		var se *model.SwapError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, model.SwapStageBackup, se.Stage)
		assert.Equal(t, model.StateSwapReady, res.FailedStage)
		assert.False(t, h.rt.HasVolume("pg_data_backup"))
		h.assertLiveUntouched(t)
	})

	t.Run("replace stage rolls live back", func(t *testing.T) {
		h := newHarness(t)
		h.rt.FailCopyInto[liveVolume] = 1
		u := h.upgrader(t)

		res, err := u.Upgrade(context.Background(), request("app_db"))
		var se *model.SwapError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, model.SwapStageReplace, se.Stage)
		assert.True(t, se.Restored)
		assert.Equal(t, model.StateSwapReady, res.FailedStage)
		assert.Contains(t, h.rt.Events(), "copy pg_data_backup pg_data")
		assert.False(t, h.rt.HasVolume("pg_data_backup"))
		h.assertLiveUntouched(t)
	})

	t.Run("replace stage without rollback keeps both copies", func(t *testing.T) {
		h := newHarness(t)
		h.rt.FailCopyInto[liveVolume] = -1
		u := h.upgrader(t)

		_, err := u.Upgrade(context.Background(), request("app_db"))
		var se *model.SwapError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, model.SwapStageReplace, se.Stage)
		assert.False(t, se.Restored)
		assert.Equal(t, seedFiles, h.rt.Files("pg_data_backup"))
		assert.True(t, h.rt.HasVolume("pg_data_new"))
		assert.Equal(t, "14\n", h.rt.Files("pg_data_new")["PG_VERSION"])
	})
}

func TestUpgradePostCheck(t *testing.T) {
	h := newHarness(t)
	h.opts.PostCheck = true
	u := h.upgrader(t)

	res, err := u.Upgrade(context.Background(), request("app_db"))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Contains(t, h.rt.Events(), "start postgres:14 pg_data")
	assert.Zero(t, h.rt.RunningContainers())
}

func TestUpgradeFilteredSelection(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	req := request("gis_db")
	req.Selection = model.Selection{Schemas: []string{"tiger"}}
	res, err := u.Upgrade(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Databases[0].SourceCount)
	assert.Equal(t, "tiger.places", h.rt.Files(liveVolume)[dbFile("gis_db")])
}

func TestUpgradeDowngradeWarns(t *testing.T) {
	h := newHarness(t)
	h.rt.SeedVolume(liveVolume, map[string]string{"PG_VERSION": "14\n", dbFile("app_db"): "public.a"})
	u := h.upgrader(t)

	req := request("app_db")
	req.TargetVersion = 11
	res, err := u.Upgrade(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "downgrading")
	assert.Equal(t, "11\n", h.rt.Files(liveVolume)["PG_VERSION"])
}

func TestUpgradeRequestImageOverride(t *testing.T) {
	h := newHarness(t)
	h.rt.EngineVersions["postgis/postgis:14-3.3"] = 14
	u := h.upgrader(t)

	req := request("app_db")
	req.Images = model.VersionImageMap{14: "postgis/postgis:14-3.3"}
	_, err := u.Upgrade(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, h.rt.Events(), "start postgis/postgis:14-3.3 pg_data_new")
}

func TestRestoreFile(t *testing.T) {
	h := newHarness(t)
	u := h.upgrader(t)

	path := filepath.Join(t.TempDir(), "app.dump")
	require.NoError(t, os.WriteFile(path, []byte("public.r1\npublic.r2\n"), 0o600))

	res, err := u.RestoreFile(context.Background(), RestoreRequest{Volume: liveVolume, Database: "restored", Path: path})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "restored", res.Database)
	assert.Equal(t, 2, res.DestCount)
	assert.Equal(t, "public.r1\npublic.r2", h.rt.Files(liveVolume)[dbFile("restored")])
	assert.Contains(t, h.rt.Events(), "start postgres:11 pg_data")
	assert.Zero(t, h.rt.RunningContainers())

	_, err = u.RestoreFile(context.Background(), RestoreRequest{Volume: "nope", Database: "x", Path: path})
	assert.ErrorIs(t, err, model.ErrVolumeNotFound)
}
