// Package registry maps engine major versions to images and detects the
// version of running instances and of data volumes at rest.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
	"github.com/qiniu/clusterupgrade/internal/upgrade/sqlexec"
	"github.com/rs/zerolog/log"
)

// volumeMountPoint is where DetectVolumeVersion mounts the data volume.
const volumeMountPoint = "/data"

// Registry is immutable once built.
type Registry struct {
	images       model.VersionImageMap
	rt           runtime.Runtime
	exec         sqlexec.Executor
	utilityImage string
}

// New builds a registry over a caller-supplied image map. utilityImage runs
// the disposable container that reads PG_VERSION from a volume.
func New(images model.VersionImageMap, rt runtime.Runtime, exec sqlexec.Executor, utilityImage string) *Registry {
	return &Registry{
		images:       images.Clone(),
		rt:           rt,
		exec:         exec,
		utilityImage: utilityImage,
	}
}

// WithOverrides returns a registry whose map is this one's overlaid by extra.
func (r *Registry) WithOverrides(extra model.VersionImageMap) *Registry {
	merged := r.images.Clone()
	for v, img := range extra {
		merged[v] = img
	}
	return &Registry{images: merged, rt: r.rt, exec: r.exec, utilityImage: r.utilityImage}
}

// Versions lists supported major versions in ascending order.
func (r *Registry) Versions() []int {
	return r.images.Versions()
}

// ResolveImage returns the image for a major version.
func (r *Registry) ResolveImage(version int) (string, error) {
	img, ok := r.images[version]
	if !ok || img == "" {
		return "", &model.UnsupportedVersionError{Version: version}
	}
	return img, nil
}

// DetectVersion asks a running instance for its major version.
func (r *Registry) DetectVersion(ctx context.Context, ep model.Endpoint) (int, error) {
	raw, err := sqlexec.ServerVersionNum(ctx, r.exec, ep)
	if err != nil {
		return 0, &model.VersionDetectionError{Source: ep.Redacted(), Err: err}
	}
	major, err := sqlexec.MajorFromVersionNum(raw)
	if err != nil {
		return 0, &model.VersionDetectionError{Source: ep.Redacted(), Raw: raw, Err: err}
	}
	return major, nil
}

// DetectVolumeVersion reads PG_VERSION from a data volume without starting
// an engine on it. Returns model.ErrVolumeNotFound if the volume is absent.
func (r *Registry) DetectVolumeVersion(ctx context.Context, volume string) (int, error) {
	if _, err := r.rt.InspectVolume(ctx, volume); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", model.ErrVolumeNotFound, volume)
		}
		return 0, fmt.Errorf("failed to inspect volume %s: %w", volume, err)
	}

	file := volumeMountPoint + "/PG_VERSION"
	res, err := r.rt.Run(ctx, runtime.ContainerSpec{
		Image:  r.utilityImage,
		Cmd:    []string{"cat", file},
		Mounts: []runtime.Mount{{Volume: volume, Target: volumeMountPoint, ReadOnly: true}},
	})
	if err != nil {
		return 0, &model.VersionDetectionError{Source: volume, Err: err}
	}
	if res.ExitCode != 0 {
		return 0, &model.VersionDetectionError{
			Source: volume,
			Raw:    strings.TrimSpace(res.Output()),
			Err:    fmt.Errorf("reading %s exited with code %d", file, res.ExitCode),
		}
	}

	major, err := ParsePGVersion(res.Stdout)
	if err != nil {
		return 0, &model.VersionDetectionError{Source: volume, Raw: res.Stdout, Err: err}
	}
	log.Debug().Str("volume", volume).Int("version", major).Msg("detected volume version")
	return major, nil
}

// ParsePGVersion parses the content of a PG_VERSION file ("14", "9.6").
func ParsePGVersion(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty version file")
	}
	major, _, _ := strings.Cut(s, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return n, nil
}
