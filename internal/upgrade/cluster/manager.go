// Package cluster starts, probes and tears down ephemeral engine instances
// bound to a data volume.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
	"github.com/rs/zerolog/log"
)

const defaultStopTimeout = 10 * time.Second

// Manager owns the instance lifecycle. It is safe for concurrent use.
type Manager struct {
	rt          runtime.Runtime
	policy      ReadinessPolicy
	clock       clock.Clock
	stopTimeout time.Duration

	// ProbeObserver, if set, receives the number of probes each Start made.
	ProbeObserver func(image string, attempts int)
}

// NewManager creates a manager using the wall clock.
func NewManager(rt runtime.Runtime, policy ReadinessPolicy) (*Manager, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &Manager{rt: rt, policy: policy, clock: clock.WallClock, stopTimeout: defaultStopTimeout}, nil
}

// Policy returns the readiness policy in effect.
func (m *Manager) Policy() ReadinessPolicy { return m.policy }

// Start runs an engine on spec.Volume and blocks until it accepts
// connections. On timeout the container is removed and a
// *model.StartupTimeoutError carrying its log is returned.
func (m *Manager) Start(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	port := spec.Port
	if port == 0 {
		p, err := FreePort()
		if err != nil {
			return nil, err
		}
		port = p
	}

	role := spec.Role
	if role == "" {
		role = "instance"
	}
	name := fmt.Sprintf("clusterupgrade-%s-%s", role, uuid.NewString()[:8])

	id, err := m.rt.StartContainer(ctx, runtime.ContainerSpec{
		Name:   name,
		Image:  spec.Image,
		Env:    spec.Env,
		User:   SuperUser,
		Mounts: []runtime.Mount{{Volume: spec.Volume, Target: DataDir}},
		Ports:  map[int]int{EnginePort: port},
		Labels: map[string]string{"io.qiniu.clusterupgrade.role": role},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s instance on volume %s: %w", role, spec.Volume, err)
	}

	inst := &Instance{containerID: id, spec: spec, port: port, state: StateStarting}
	logger := log.With().Str("role", role).Str("image", spec.Image).Str("volume", spec.Volume).Int("port", port).Logger()
	logger.Info().Msg("waiting for instance to accept connections")

	started := m.clock.Now()
	attempts, err := waitReady(ctx, m.rt, m.clock, id, m.policy)
	if m.ProbeObserver != nil {
		m.ProbeObserver(spec.Image, attempts)
	}
	if err != nil {
		waited := m.clock.Now().Sub(started)
		stopErr := m.Stop(context.Background(), inst)
		if stopErr != nil {
			logger.Warn().Err(stopErr).Msg("failed to tear down instance after startup failure")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error().Int("attempts", attempts).Str("logs", inst.Logs()).Msg("instance did not become ready")
		return nil, &model.StartupTimeoutError{
			Image:    spec.Image,
			Volume:   spec.Volume,
			Attempts: attempts,
			Waited:   waited,
			Logs:     inst.Logs(),
			Err:      err,
		}
	}

	inst.setState(StateReady)
	if logs, err := m.rt.Logs(ctx, id); err == nil {
		inst.setLogs(logs)
		logger.Debug().Str("logs", logs).Msg("instance ready")
	}
	logger.Info().Int("attempts", attempts).Dur("waited", m.clock.Now().Sub(started)).Msg("instance ready")
	return inst, nil
}

// Stop captures the instance log, stops and removes its container. Stopping
// an already stopped instance is a no-op.
func (m *Manager) Stop(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	if inst.state == StateStopped {
		inst.mu.Unlock()
		return nil
	}
	inst.state = StateStopped
	inst.mu.Unlock()

	if logs, err := m.rt.Logs(ctx, inst.containerID); err == nil {
		inst.setLogs(logs)
	}

	var errs []error
	if err := m.rt.StopContainer(ctx, inst.containerID, m.stopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		errs = append(errs, fmt.Errorf("failed to stop container %s: %w", inst.containerID, err))
	}
	if err := m.rt.RemoveContainer(ctx, inst.containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		errs = append(errs, fmt.Errorf("failed to remove container %s: %w", inst.containerID, err))
	}
	log.Debug().Str("role", inst.spec.Role).Str("volume", inst.spec.Volume).Msg("instance stopped")
	return errors.Join(errs...)
}

// With starts an instance, runs fn and always stops the instance, including
// when fn panics. A stop failure is reported only if fn succeeded.
func (m *Manager) With(ctx context.Context, spec InstanceSpec, fn func(*Instance) error) (err error) {
	inst, err := m.Start(ctx, spec)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := m.Stop(context.Background(), inst); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(inst)
}

// FreePort asks the kernel for an unused TCP port on the loopback address.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
