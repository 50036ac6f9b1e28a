// Package runtimetest provides an in-memory runtime.Runtime for tests.
//
// Volumes are flat maps of relative path to content. Containers are records;
// nothing is executed. Utility runs understand the two commands the engine
// issues (reading a file with cat, and the clear-and-copy between /from and
// /to) and everything else is delegated to hooks.
package runtimetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
)

// DataDir is where engine images keep their data directory.
const DataDir = "/var/lib/postgresql/data"

// Container is the fake's record of a created container.
type Container struct {
	ID      string
	Spec    runtime.ContainerSpec
	Running bool
	Probes  int
	Logs    string
}

// Volume returns the volume mounted at target, or "".
func (c *Container) Volume(target string) string {
	for _, m := range c.Spec.Mounts {
		if m.Target == target {
			return m.Volume
		}
	}
	return ""
}

// Runtime is a concurrency-safe fake container runtime.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	volumes    map[string]map[string]string
	containers map[string]*Container
	events     []string

	// EngineVersions maps an engine image to the major version it writes to
	// PG_VERSION when started on an empty data volume.
	EngineVersions map[string]int
	// ReadyAfter is the number of failed readiness probes before success.
	ReadyAfter int
	// NeverReady lists images whose readiness probe never succeeds.
	NeverReady map[string]bool
	// CrashOnStart lists images whose container exits right after starting.
	CrashOnStart map[string]bool
	// FailCopyInto is the number of copies into the named volume that exit
	// nonzero before copies succeed again; negative fails every copy. Like
	// the real copy, a failed one leaves the destination emptied.
	FailCopyInto map[string]int
	// FailCreateVolume makes CreateVolume fail for the named volumes.
	FailCreateVolume map[string]bool
	// ExecHook, when set, handles every exec that is not a readiness probe.
	ExecHook func(c *Container, cmd []string) (*runtime.ExecResult, error)
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		volumes:          map[string]map[string]string{},
		containers:       map[string]*Container{},
		EngineVersions:   map[string]int{},
		NeverReady:       map[string]bool{},
		CrashOnStart:     map[string]bool{},
		FailCopyInto:     map[string]int{},
		FailCreateVolume: map[string]bool{},
	}
}

// SeedVolume creates a volume holding files.
func (r *Runtime) SeedVolume(name string, files map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := map[string]string{}
	for k, val := range files {
		v[k] = val
	}
	r.volumes[name] = v
}

// Files returns a copy of a volume's files, or nil if it does not exist.
func (r *Runtime) Files(name string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.volumes[name]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// WriteFile sets a file in an existing volume.
func (r *Runtime) WriteFile(volume, name, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.volumes[volume]
	if !ok {
		return fmt.Errorf("volume %s: %w", volume, runtime.ErrNotFound)
	}
	v[name] = content
	return nil
}

// HasVolume reports whether the named volume exists.
func (r *Runtime) HasVolume(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.volumes[name]
	return ok
}

// VolumeNames returns the existing volumes in order.
func (r *Runtime) VolumeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.volumes))
	for k := range r.volumes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Events returns the ordered log of mutating operations.
func (r *Runtime) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// ContainerByHostPort finds a running container publishing the host port.
func (r *Runtime) ContainerByHostPort(port int) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.containers {
		if !c.Running {
			continue
		}
		for _, hp := range c.Spec.Ports {
			if hp == port {
				return c, true
			}
		}
	}
	return nil, false
}

// RunningContainers returns how many containers are still running.
func (r *Runtime) RunningContainers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.containers {
		if c.Running {
			n++
		}
	}
	return n
}

// ContainerCount returns how many containers exist (running or not).
func (r *Runtime) ContainerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

func (r *Runtime) record(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	if image == "" {
		return fmt.Errorf("empty image reference")
	}
	return ctx.Err()
}

func (r *Runtime) StartContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range spec.Mounts {
		if _, ok := r.volumes[m.Volume]; !ok {
			// the engine creates missing named volumes implicitly
			r.volumes[m.Volume] = map[string]string{}
		}
	}

	r.seq++
	c := &Container{ID: fmt.Sprintf("c%d", r.seq), Spec: spec, Running: true}
	c.Logs = fmt.Sprintf("%s starting\n", spec.Image)
	if vol := c.Volume(DataDir); vol != "" {
		files := r.volumes[vol]
		if _, ok := files["PG_VERSION"]; !ok {
			if v, ok := r.EngineVersions[spec.Image]; ok {
				files["PG_VERSION"] = fmt.Sprintf("%d\n", v)
				c.Logs += "initdb: data directory initialized\n"
			}
		}
	}
	if r.CrashOnStart[spec.Image] {
		c.Running = false
		c.Logs += "FATAL:  database files are incompatible with server\n"
	}
	r.containers[c.ID] = c
	r.record("start %s %s", spec.Image, c.Volume(DataDir))
	return c.ID, nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	if c.Running {
		c.Running = false
		r.record("stop %s", id)
	}
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[id]; !ok {
		return fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Exec(ctx context.Context, id string, user string, cmd []string) (*runtime.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	if !c.Running {
		r.mu.Unlock()
		return nil, fmt.Errorf("container %s is not running: %w", id, runtime.ErrConflict)
	}
	if len(cmd) > 0 && cmd[0] == "pg_isready" {
		c.Probes++
		ready := !r.NeverReady[c.Spec.Image] && c.Probes > r.ReadyAfter
		r.mu.Unlock()
		if ready {
			return &runtime.ExecResult{ExitCode: 0, Stdout: "accepting connections"}, nil
		}
		return &runtime.ExecResult{ExitCode: 2, Stdout: "no response"}, nil
	}
	hook := r.ExecHook
	r.mu.Unlock()
	if hook != nil {
		return hook(c, cmd)
	}
	return &runtime.ExecResult{}, nil
}

func (r *Runtime) Logs(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", fmt.Errorf("container %s: %w", id, runtime.ErrNotFound)
	}
	return c.Logs, nil
}

func (r *Runtime) Run(ctx context.Context, spec runtime.ContainerSpec) (*runtime.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	mounts := map[string]runtime.Mount{}
	for _, m := range spec.Mounts {
		if _, ok := r.volumes[m.Volume]; !ok {
			r.volumes[m.Volume] = map[string]string{}
		}
		mounts[m.Target] = m
	}

	script := strings.Join(spec.Cmd, " ")
	switch {
	case strings.Contains(script, "cp -a /from/. /to/"):
		from, to := mounts["/from"], mounts["/to"]
		if from.Volume == "" || to.Volume == "" {
			return &runtime.ExecResult{ExitCode: 1, Stderr: "missing /from or /to mount"}, nil
		}
		if to.ReadOnly {
			return &runtime.ExecResult{ExitCode: 1, Stderr: "/to: read-only file system"}, nil
		}
		if n := r.FailCopyInto[to.Volume]; n != 0 {
			if n > 0 {
				r.FailCopyInto[to.Volume] = n - 1
			}
			r.volumes[to.Volume] = map[string]string{}
			r.record("copy-failed %s %s", from.Volume, to.Volume)
			return &runtime.ExecResult{ExitCode: 1, Stderr: "cp: write error: No space left on device"}, nil
		}
		dst := map[string]string{}
		for k, v := range r.volumes[from.Volume] {
			dst[k] = v
		}
		r.volumes[to.Volume] = dst
		r.record("copy %s %s", from.Volume, to.Volume)
		return &runtime.ExecResult{}, nil

	case len(spec.Cmd) == 2 && spec.Cmd[0] == "cat":
		for target, m := range mounts {
			if rel, ok := strings.CutPrefix(spec.Cmd[1], target+"/"); ok {
				content, ok := r.volumes[m.Volume][path.Clean(rel)]
				if !ok {
					return &runtime.ExecResult{ExitCode: 1, Stderr: "cat: " + spec.Cmd[1] + ": No such file or directory"}, nil
				}
				return &runtime.ExecResult{Stdout: content}, nil
			}
		}
		return &runtime.ExecResult{ExitCode: 1, Stderr: "cat: " + spec.Cmd[1] + ": No such file or directory"}, nil
	}
	return &runtime.ExecResult{}, nil
}

func (r *Runtime) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreateVolume[name] {
		return fmt.Errorf("create volume %s: injected failure", name)
	}
	if _, ok := r.volumes[name]; !ok {
		r.volumes[name] = map[string]string{}
	}
	r.record("create-volume %s", name)
	return nil
}

func (r *Runtime) InspectVolume(ctx context.Context, name string) (*runtime.VolumeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.volumes[name]; !ok {
		return nil, fmt.Errorf("volume %s: %w", name, runtime.ErrNotFound)
	}
	return &runtime.VolumeInfo{Name: name, Mountpoint: "/var/lib/docker/volumes/" + name + "/_data"}, nil
}

func (r *Runtime) RemoveVolume(ctx context.Context, name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.volumes[name]; !ok {
		return fmt.Errorf("volume %s: %w", name, runtime.ErrNotFound)
	}
	for _, c := range r.containers {
		for _, m := range c.Spec.Mounts {
			if m.Volume == name {
				return fmt.Errorf("volume %s is used by container %s: %w", name, c.ID, runtime.ErrConflict)
			}
		}
	}
	delete(r.volumes, name)
	r.record("remove-volume %s", name)
	return nil
}

func (r *Runtime) Close() error { return nil }
