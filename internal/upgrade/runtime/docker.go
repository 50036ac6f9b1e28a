package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
)

// ManagedLabel marks containers and volumes created by this tool.
const ManagedLabel = "io.qiniu.clusterupgrade.managed"

// logTail bounds how much container log is fetched for diagnostics.
const logTail = "500"

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a client from the DOCKER_* environment. A
// non-empty host overrides DOCKER_HOST.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the underlying HTTP transport.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, image string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return mapErr(err)
	}

	log.Info().Str("image", image).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, mapErr(err))
	}
	defer rc.Close()
	// the pull only completes once the progress stream is consumed
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	id, err := d.create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		_ = d.RemoveContainer(context.Background(), id)
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, mapErr(err))
	}
	return id, nil
}

func (d *DockerRuntime) create(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.EnsureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.Volume,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          envList(spec.Env),
		User:         spec.User,
		ExposedPorts: exposed,
		Labels:       labels,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, mapErr(err))
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Msg(w)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return mapErr(err)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	return mapErr(err)
}

func (d *DockerRuntime) Exec(ctx context.Context, id string, user string, cmd []string) (*ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		User:         user,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", id, mapErr(err))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", id, mapErr(err))
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output in %s: %w", id, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in %s: %w", id, mapErr(err))
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *DockerRuntime) Logs(ctx context.Context, id string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTail})
	if err != nil {
		return "", mapErr(err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (*ExecResult, error) {
	id, err := d.create(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := d.RemoveContainer(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("failed to remove utility container")
		}
	}()

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Name, mapErr(err))
	}

	var exitCode int
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting for container %s: %w", spec.Name, mapErr(err))
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container %s wait error: %s", spec.Name, status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	}

	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", spec.Name, mapErr(err))
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", spec.Name, err)
	}
	return &ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *DockerRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	all := map[string]string{ManagedLabel: "true"}
	for k, v := range labels {
		all[k] = v
	}
	if _, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: all}); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, mapErr(err))
	}
	return nil
}

func (d *DockerRuntime) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	v, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &VolumeInfo{Name: v.Name, Mountpoint: v.Mountpoint, Labels: v.Labels}, nil
}

func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string, force bool) error {
	return mapErr(d.cli.VolumeRemove(ctx, name, force))
}

// mapErr folds engine error classes into the package sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
