// Package lock guarantees at most one upgrade per cluster volume.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/rs/zerolog/log"
)

// Lease is a held volume lock.
type Lease struct {
	Volume     string    `json:"volume"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Locker hands out per-volume leases.
type Locker interface {
	// Acquire takes the lock or fails with model.ErrVolumeLocked.
	Acquire(ctx context.Context, volume, owner string, ttl time.Duration) (*Lease, error)
	// Refresh extends a lease still held by its token.
	Refresh(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release drops the lease if it is still held by its token.
	Release(ctx context.Context, lease *Lease) error
	// Holder returns the current lease on volume, or nil.
	Holder(ctx context.Context, volume string) (*Lease, error)
}

func newLease(volume, owner string, ttl time.Duration) *Lease {
	now := time.Now()
	return &Lease{
		Volume:     volume,
		Owner:      owner,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: map[string]*Lease{}}
}

func (l *LocalLocker) current(volume string) *Lease {
	lease, ok := l.leases[volume]
	if !ok {
		return nil
	}
	if time.Now().After(lease.ExpiresAt) {
		delete(l.leases, volume)
		return nil
	}
	return lease
}

func (l *LocalLocker) Acquire(ctx context.Context, volume, owner string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held := l.current(volume); held != nil {
		return nil, fmt.Errorf("%w: %s held by %s", model.ErrVolumeLocked, volume, held.Owner)
	}
	lease := newLease(volume, owner, ttl)
	l.leases[volume] = lease
	copied := *lease
	return &copied, nil
}

func (l *LocalLocker) Refresh(ctx context.Context, lease *Lease, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.current(lease.Volume)
	if held == nil || held.Token != lease.Token {
		return fmt.Errorf("lease on %s lost", lease.Volume)
	}
	held.ExpiresAt = time.Now().Add(ttl)
	lease.ExpiresAt = held.ExpiresAt
	return nil
}

func (l *LocalLocker) Release(ctx context.Context, lease *Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held := l.current(lease.Volume); held != nil && held.Token == lease.Token {
		delete(l.leases, lease.Volume)
	}
	return nil
}

func (l *LocalLocker) Holder(ctx context.Context, volume string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.current(volume)
	if held == nil {
		return nil, nil
	}
	copied := *held
	return &copied, nil
}

// KeepAlive refreshes lease every ttl/3 until ctx is done. Refresh failures
// are logged; the caller keeps running.
func KeepAlive(ctx context.Context, l Locker, lease *Lease, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx, lease, ttl); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("volume", lease.Volume).Msg("failed to refresh volume lock")
			}
		}
	}
}
