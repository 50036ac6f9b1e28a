package volume

import (
	"context"
	"testing"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime/runtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oldFiles = map[string]string{"PG_VERSION": "11\n", "base/16384/1259": "old-catalog"}
	newFiles = map[string]string{"PG_VERSION": "14\n", "base/16401/1259": "new-catalog", "base/16401/2619": "stats"}
)

func setup(t *testing.T) (*Manager, *runtimetest.Runtime) {
	t.Helper()
	rt := runtimetest.New()
	rt.SeedVolume("db_cluster", oldFiles)
	rt.SeedVolume("db_cluster_new", newFiles)
	return NewManager(rt, "alpine:3.19", map[string]string{"purpose": "test"}), rt
}

func TestNames(t *testing.T) {
	assert.Equal(t, "db_cluster_new", NewName("db_cluster"))
	assert.Equal(t, "db_cluster_backup", BackupName("db_cluster"))
}

func TestEnsureEmpty(t *testing.T) {
	ctx := context.Background()
	m, rt := setup(t)

	require.NoError(t, m.EnsureEmpty(ctx, "db_cluster_new"))
	assert.Empty(t, rt.Files("db_cluster_new"))

	require.NoError(t, m.EnsureEmpty(ctx, "fresh"))
	ok, err := m.Exists(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsureEmptyInUse(t *testing.T) {
	ctx := context.Background()
	m, rt := setup(t)
	_, err := rt.StartContainer(ctx, runtime.ContainerSpec{
		Image:  "postgres:14",
		Mounts: []runtime.Mount{{Volume: "db_cluster_new", Target: runtimetest.DataDir}},
	})
	require.NoError(t, err)

	err = m.EnsureEmpty(ctx, "db_cluster_new")
	var inUse *model.VolumeInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, "db_cluster_new", inUse.Volume)
	assert.Equal(t, newFiles, rt.Files("db_cluster_new"))
}

func TestRemoveMissingIsNoop(t *testing.T) {
	m, _ := setup(t)
	require.NoError(t, m.Remove(context.Background(), "nope"))
	ok, err := m.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCopyContents(t *testing.T) {
	ctx := context.Background()
	m, rt := setup(t)

	require.NoError(t, m.CopyContents(ctx, "db_cluster", "db_cluster_new"))
	assert.Equal(t, oldFiles, rt.Files("db_cluster_new"), "destination must be cleared then mirrored")
	assert.Equal(t, oldFiles, rt.Files("db_cluster"))

	rt.FailCopyInto["db_cluster"] = 1
	err := m.CopyContents(ctx, "db_cluster_new", "db_cluster")
	var copyErr *model.CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.Equal(t, 1, copyErr.ExitCode)
	assert.Contains(t, copyErr.Output, "No space left")
	assert.Empty(t, rt.Files("db_cluster"), "a failed copy leaves the destination cleared")
}

func TestSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		m, rt := setup(t)
		require.NoError(t, m.Swap(ctx, "db_cluster", "db_cluster_new", "db_cluster_backup"))

		assert.Equal(t, newFiles, rt.Files("db_cluster"))
		assert.Equal(t, oldFiles, rt.Files("db_cluster_backup"), "backup must equal the pre-upgrade live volume")
		assert.False(t, rt.HasVolume("db_cluster_new"))
		assert.Equal(t, []string{
			"create-volume db_cluster_backup",
			"copy db_cluster db_cluster_backup",
			"copy db_cluster_new db_cluster",
			"remove-volume db_cluster_new",
		}, rt.Events())
	})

	t.Run("stale backup is replaced", func(t *testing.T) {
		m, rt := setup(t)
		rt.SeedVolume("db_cluster_backup", map[string]string{"stale": "yes"})
		require.NoError(t, m.Swap(ctx, "db_cluster", "db_cluster_new", "db_cluster_backup"))
		assert.Equal(t, oldFiles, rt.Files("db_cluster_backup"))
	})

	t.Run("backup stage failure leaves live untouched", func(t *testing.T) {
		m, rt := setup(t)
		rt.FailCopyInto["db_cluster_backup"] = -1

		err := m.Swap(ctx, "db_cluster", "db_cluster_new", "db_cluster_backup")
		var swapErr *model.SwapError
		require.ErrorAs(t, err, &swapErr)
		assert.Equal(t, model.SwapStageBackup, swapErr.Stage)
		assert.Equal(t, oldFiles, rt.Files("db_cluster"))
		assert.True(t, rt.HasVolume("db_cluster_new"))
	})

	t.Run("replace stage failure restores live", func(t *testing.T) {
		m, rt := setup(t)
		rt.FailCopyInto["db_cluster"] = 1

		err := m.Swap(ctx, "db_cluster", "db_cluster_new", "db_cluster_backup")
		var swapErr *model.SwapError
		require.ErrorAs(t, err, &swapErr)
		assert.Equal(t, model.SwapStageReplace, swapErr.Stage)
		assert.True(t, swapErr.Restored)
		assert.Equal(t, oldFiles, rt.Files("db_cluster"))
		assert.Equal(t, oldFiles, rt.Files("db_cluster_backup"))
		assert.True(t, rt.HasVolume("db_cluster_new"))
		assert.Equal(t, []string{
			"create-volume db_cluster_backup",
			"copy db_cluster db_cluster_backup",
			"copy-failed db_cluster_new db_cluster",
			"copy db_cluster_backup db_cluster",
		}, rt.Events())
	})

	t.Run("replace stage failure without rollback keeps backup", func(t *testing.T) {
		m, rt := setup(t)
		rt.FailCopyInto["db_cluster"] = -1

		err := m.Swap(ctx, "db_cluster", "db_cluster_new", "db_cluster_backup")
		var swapErr *model.SwapError
		require.ErrorAs(t, err, &swapErr)
		assert.Equal(t, model.SwapStageReplace, swapErr.Stage)
		assert.False(t, swapErr.Restored)
		assert.Contains(t, err.Error(), "rollback")
		assert.Equal(t, oldFiles, rt.Files("db_cluster_backup"))
		assert.True(t, rt.HasVolume("db_cluster_new"))
	})

	t.Run("cleanup stage failure", func(t *testing.T) {
		m, rt := setup(t)
		_, err := rt.StartContainer(ctx, runtime.ContainerSpec{
			Image:  "postgres:14",
			Mounts: []runtime.Mount{{Volume: "db_cluster_new", Target: runtimetest.DataDir}},
		})
		require.NoError(t, err)

		err = m.Swap(ctx, "db_cluster", "db_cluster_new", "db_cluster_backup")
		var swapErr *model.SwapError
		require.ErrorAs(t, err, &swapErr)
		assert.Equal(t, model.SwapStageCleanup, swapErr.Stage)
		assert.Equal(t, newFiles, rt.Files("db_cluster"))
	})

	t.Run("distinct names", func(t *testing.T) {
		m, _ := setup(t)
		assert.Error(t, m.Swap(ctx, "db_cluster", "db_cluster", "db_cluster_backup"))
	})
}
