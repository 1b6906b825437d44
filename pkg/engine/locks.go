package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

// LockRegistry hands out one exclusive lock per feature. Unrelated features
// never contend.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*featureLock
}

type featureLock struct {
	sem  chan struct{}
	refs int
}

// NewLockRegistry creates an empty lock registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		locks: make(map[string]*featureLock),
	}
}

// Lock blocks until the feature's lock is held and returns its release func.
func (r *LockRegistry) Lock(featureID string) func() {
	unlock, _ := r.LockContext(context.Background(), featureID)
	return unlock
}

// LockContext acquires the feature's lock or gives up when ctx is done.
// The returned func releases the lock and must be called exactly once.
func (r *LockRegistry) LockContext(ctx context.Context, featureID string) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[featureID]
	if !ok {
		l = &featureLock{sem: make(chan struct{}, 1)}
		r.locks[featureID] = l
	}
	l.refs++
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		r.release(featureID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			r.release(featureID, l)
		})
	}, nil
}

// release drops a reference and forgets the lock once nobody holds or waits on it.
func (r *LockRegistry) release(featureID string, l *featureLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(r.locks, featureID)
	}
}

// Len returns the number of features with a held or awaited lock.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// defaultLeaseOwner names this orchestrator instance in store leases.
func defaultLeaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

// holdLease takes the feature's store lease, polling while another owner
// holds it, and renews it every ttl/3 until the returned func releases it.
// lost runs once if a renewal finds the lease taken over.
func holdLease(
	ctx context.Context,
	leaser FeatureLeaser,
	featureID, owner string,
	ttl, poll time.Duration,
	logger *telemetry.Logger,
	lost func(),
) (func(), error) {
	waiting := false
	for {
		err := leaser.AcquireLease(ctx, featureID, owner, ttl)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrFeatureLeased) {
			return nil, err
		}
		if !waiting {
			logger.WithError(err).Info("waiting for feature lease")
			waiting = true
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			err := leaser.RenewLease(context.WithoutCancel(ctx), featureID, owner, ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrFeatureLeased):
				logger.WithError(err).Error("feature lease lost, stopping run")
				lost()
				return
			default:
				logger.WithError(err).Warn("failed to renew feature lease")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := leaser.ReleaseLease(context.WithoutCancel(ctx), featureID, owner); err != nil {
				logger.WithError(err).Warn("failed to release feature lease")
			}
		})
	}, nil
}
