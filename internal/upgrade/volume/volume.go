// Package volume provisions, copies and swaps cluster data volumes.
package volume

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
	"github.com/rs/zerolog/log"
)

const (
	fromDir = "/from"
	toDir   = "/to"
	// copyScript empties the destination, then copies preserving
	// ownership, modes and timestamps.
	copyScript = "find " + toDir + " -mindepth 1 -delete && cp -a " + fromDir + "/. " + toDir + "/"
)

// NewName and BackupName derive the working volume names of an upgrade.
func NewName(live string) string    { return live + "_new" }
func BackupName(live string) string { return live + "_backup" }

// Manager wraps volume operations on a runtime.
type Manager struct {
	rt           runtime.Runtime
	utilityImage string
	labels       map[string]string
}

// NewManager returns a manager that runs copies in utilityImage. labels are
// attached to every volume it creates.
func NewManager(rt runtime.Runtime, utilityImage string, labels map[string]string) *Manager {
	return &Manager{rt: rt, utilityImage: utilityImage, labels: labels}
}

// Exists reports whether the named volume exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.rt.InspectVolume(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, runtime.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect volume %s: %w", name, err)
}

// Remove deletes a volume; a missing volume is not an error.
func (m *Manager) Remove(ctx context.Context, name string) error {
	err := m.rt.RemoveVolume(ctx, name, false)
	switch {
	case err == nil:
		log.Debug().Str("volume", name).Msg("volume removed")
		return nil
	case errors.Is(err, runtime.ErrNotFound):
		return nil
	case errors.Is(err, runtime.ErrConflict):
		return &model.VolumeInUseError{Volume: name, Err: err}
	default:
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
}

// EnsureEmpty leaves an empty volume named name, removing any previous one.
func (m *Manager) EnsureEmpty(ctx context.Context, name string) error {
	if err := m.Remove(ctx, name); err != nil {
		return err
	}
	if err := m.rt.CreateVolume(ctx, name, m.labels); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	log.Debug().Str("volume", name).Msg("empty volume ready")
	return nil
}

// CopyContents replaces the contents of dst with an exact copy of src. src
// is mounted read-only.
func (m *Manager) CopyContents(ctx context.Context, src, dst string) error {
	res, err := m.rt.Run(ctx, runtime.ContainerSpec{
		Image: m.utilityImage,
		Cmd:   []string{"sh", "-c", copyScript},
		Mounts: []runtime.Mount{
			{Volume: src, Target: fromDir, ReadOnly: true},
			{Volume: dst, Target: toDir},
		},
	})
	if err != nil {
		return &model.CopyError{From: src, To: dst, Err: err}
	}
	if res.ExitCode != 0 {
		return &model.CopyError{From: src, To: dst, ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Output())}
	}
	log.Info().Str("from", src).Str("to", dst).Msg("volume contents copied")
	return nil
}

// Swap makes the contents of newVol live, keeping the previous live contents
// in backup. Steps run strictly in order and a failure stops the sequence:
//
//  1. backup is recreated empty and live is copied into it
//  2. newVol is copied over live
//  3. newVol is removed
//
// live is never written before step 1 has completed. If step 2 fails, live
// is copied back from backup and SwapError.Restored reports whether that
// worked. A failure in step 3 leaves a complete upgrade and is reported with
// SwapStageCleanup.
func (m *Manager) Swap(ctx context.Context, live, newVol, backup string) error {
	if live == newVol || live == backup || newVol == backup {
		return fmt.Errorf("swap volumes must be distinct: live=%s new=%s backup=%s", live, newVol, backup)
	}
	logger := log.With().Str("volume", live).Str("new", newVol).Str("backup", backup).Logger()

	// 1) backup
	if err := m.EnsureEmpty(ctx, backup); err != nil {
		return &model.SwapError{Stage: model.SwapStageBackup, Live: live, Backup: backup, Err: err}
	}
	if err := m.CopyContents(ctx, live, backup); err != nil {
		return &model.SwapError{Stage: model.SwapStageBackup, Live: live, Backup: backup, Err: err}
	}
	logger.Info().Msg("live volume backed up")

	// 2) replace
	if err := ctx.Err(); err != nil {
		return &model.SwapError{Stage: model.SwapStageReplace, Live: live, Backup: backup, Restored: true, Err: err}
	}
	if err := m.CopyContents(ctx, newVol, live); err != nil {
		logger.Error().Err(err).Msg("replacing live volume failed, rolling back from backup")
		se := &model.SwapError{Stage: model.SwapStageReplace, Live: live, Backup: backup, Err: err}
		if rbErr := m.CopyContents(context.WithoutCancel(ctx), backup, live); rbErr != nil {
			logger.Error().Err(rbErr).Msg("rollback failed; restore the live volume from the backup volume by hand")
			se.Err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			return se
		}
		se.Restored = true
		logger.Warn().Msg("live volume restored from backup")
		return se
	}
	logger.Info().Msg("upgraded contents copied into live volume")

	// 3) cleanup
	if err := m.Remove(context.WithoutCancel(ctx), newVol); err != nil {
		return &model.SwapError{Stage: model.SwapStageCleanup, Live: live, Backup: backup, Err: err}
	}
	return nil
}
