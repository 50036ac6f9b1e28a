package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime"
	"github.com/rs/zerolog/log"
)

// ReadinessPolicy bounds how long Start waits for an instance.
type ReadinessPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
	// Settle is an extra pause after the first successful probe.
	Settle time.Duration
}

// DefaultReadinessPolicy probes every 100ms for up to a minute.
func DefaultReadinessPolicy() ReadinessPolicy {
	return ReadinessPolicy{
		MaxAttempts: 600,
		Interval:    100 * time.Millisecond,
		Timeout:     time.Minute,
	}
}

func (p ReadinessPolicy) validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("readiness maxAttempts must be positive")
	}
	if p.Interval <= 0 {
		return fmt.Errorf("readiness interval must be positive")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("readiness timeout must be positive")
	}
	return nil
}

var errNotReady = errors.New("instance not accepting connections")

// probeCommand is run inside the container. It targets TCP so the
// socket-only server the image runs during first initialization is not
// mistaken for the final one.
func probeCommand() []string {
	return []string{"pg_isready", "-U", SuperUser, "-h", "127.0.0.1", "-p", fmt.Sprint(EnginePort)}
}

// waitReady probes until the instance accepts connections. It returns the
// number of probes made.
func waitReady(ctx context.Context, rt runtime.Runtime, clk clock.Clock, containerID string, p ReadinessPolicy) (int, error) {
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			res, err := rt.Exec(ctx, containerID, SuperUser, probeCommand())
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("%w: pg_isready exit %d: %s", errNotReady, res.ExitCode, strings.TrimSpace(res.Output()))
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			// a vanished or exited container or a cancelled caller will not recover
			return errors.Is(err, runtime.ErrNotFound) || errors.Is(err, runtime.ErrConflict) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			log.Trace().Str("container", containerID).Int("attempt", attempt).Err(err).Msg("instance not ready")
		},
		Attempts:    p.MaxAttempts,
		Delay:       p.Interval,
		MaxDuration: p.Timeout,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return attempts, ctx.Err()
	case retry.IsAttemptsExceeded(err):
		return attempts, fmt.Errorf("gave up after %d probes: %w", attempts, retry.LastError(err))
	case retry.IsDurationExceeded(err):
		return attempts, fmt.Errorf("gave up after %s: %w", p.Timeout, retry.LastError(err))
	default:
		return attempts, err
	}

	if p.Settle > 0 {
		select {
		case <-clk.After(p.Settle):
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
	return attempts, nil
}
