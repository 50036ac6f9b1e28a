// Package runtime is the container-runtime capability consumed by the
// upgrade engine: images, containers, exec and named volumes.
package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a container, volume or image is absent.
	ErrNotFound = errors.New("runtime object not found")
	// ErrConflict is returned when an object is still referenced, e.g. a
	// volume mounted by a container.
	ErrConflict = errors.New("runtime object in use")
)

// Mount binds a named volume into a container.
type Mount struct {
	Volume   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    map[string]string
	User   string
	Mounts []Mount
	// Ports maps a container TCP port to a host port on 127.0.0.1.
	Ports  map[int]int
	Labels map[string]string
}

// ExecResult is the outcome of a command run to completion.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output joins stdout and stderr for diagnostics.
func (r *ExecResult) Output() string {
	if r == nil {
		return ""
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// VolumeInfo describes a named volume.
type VolumeInfo struct {
	Name       string
	Mountpoint string
	Labels     map[string]string
}

// Runtime is the container runtime handle. One value is created per process
// and passed explicitly to every component that needs it.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling it if needed.
	EnsureImage(ctx context.Context, image string) error

	// StartContainer creates and starts a detached container and returns its ID.
	StartContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// StopContainer stops a running container; stopping a stopped one is not an error.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, id string) error
	// Exec runs a command inside a running container and waits for it.
	Exec(ctx context.Context, id string, user string, cmd []string) (*ExecResult, error)
	// Logs returns the combined stdout/stderr log of a container.
	Logs(ctx context.Context, id string) (string, error)
	// Run creates a container, waits for it to exit, collects its output and
	// removes it.
	Run(ctx context.Context, spec ContainerSpec) (*ExecResult, error)

	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	RemoveVolume(ctx context.Context, name string, force bool) error

	Close() error
}
