package service

import (
	"context"
	"errors"

	"github.com/qiniu/clusterupgrade/internal/upgrade/cluster"
	"github.com/rs/zerolog"
)

// teardown releases what a run created. It never touches the live volume.
type teardown struct {
	u         *Upgrader
	logger    zerolog.Logger
	instances []*cluster.Instance
	// newVolume is removed on failure; cleared once the swap consumed it or
	// once it must be kept for recovery.
	newVolume string
	// backupVolume is set when a partial backup must be discarded.
	backupVolume string
}

// stopInstances stops every started instance. Stop is idempotent.
func (t *teardown) stopInstances() error {
	var errs []error
	for _, inst := range t.instances {
		if err := t.u.clusters.Stop(context.Background(), inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teardown) run(failed bool) {
	if err := t.stopInstances(); err != nil {
		t.logger.Warn().Err(err).Msg("failed to stop instances during teardown")
	}
	if !failed {
		return
	}
	ctx := context.Background()
	for _, name := range []string{t.newVolume, t.backupVolume} {
		if name == "" {
			continue
		}
		if err := t.u.volumes.Remove(ctx, name); err != nil {
			t.logger.Warn().Err(err).Str("remove", name).Msg("failed to remove volume created by this run")
			continue
		}
		t.logger.Info().Str("remove", name).Msg("removed volume created by this run")
	}
}
