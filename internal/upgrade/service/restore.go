package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/clusterupgrade/internal/upgrade/cluster"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/sqlexec"
	"github.com/rs/zerolog/log"
)

// RestoreRequest restores an archived dump into one database of a volume.
type RestoreRequest struct {
	Volume   string
	Database string
	Path     string
	Images   model.VersionImageMap
}

// RestoreFile starts the cluster on req.Volume with the image of its own
// version, creates req.Database when missing and restores the dump into it.
func (u *Upgrader) RestoreFile(ctx context.Context, req RestoreRequest) (*model.TransferResult, error) {
	if req.Volume == "" || req.Database == "" || req.Path == "" {
		return nil, fmt.Errorf("volume, database and dump file are required")
	}
	release, err := u.acquire(ctx, req.Volume)
	if err != nil {
		return nil, err
	}
	defer release()

	reg := u.registry.WithOverrides(req.Images)
	version, err := reg.DetectVolumeVersion(ctx, req.Volume)
	if err != nil {
		return nil, err
	}
	image, err := reg.ResolveImage(version)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("volume", req.Volume).Str("database", req.Database).Logger()
	started := time.Now()
	var result *model.TransferResult
	err = u.clusters.With(ctx, cluster.InstanceSpec{
		Role:     "restore",
		Image:    image,
		Volume:   req.Volume,
		Password: u.opts.SourcePassword,
	}, func(inst *cluster.Instance) error {
		admin := inst.Endpoint()
		exists, err := sqlexec.DatabaseExists(ctx, u.exec, admin, req.Database)
		if err != nil {
			return err
		}
		if !exists {
			if err := sqlexec.CreateDatabase(ctx, u.exec, admin, req.Database); err != nil {
				return err
			}
		}
		dst := admin.WithDatabase(req.Database)
		res, err := u.newTransferer(image, uuid.NewString()).RestoreFile(ctx, req.Path, dst)
		if err != nil {
			return err
		}
		if res.DestCount, err = u.verifier.Count(ctx, dst); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("restore failed")
		return nil, err
	}
	result.Database = req.Database
	result.Success = true
	result.Duration = time.Since(started)
	logger.Info().Int("objects", result.DestCount).Int64("bytes", result.Bytes).Msg("dump restored")
	return result, nil
}
