package stores

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

func leaseStores(t *testing.T) map[string]engine.FeatureLeaser {
	return map[string]engine.FeatureLeaser{
		"file":   newTestFileStore(t),
		"sqlite": setupTestStore(t),
	}
}

func TestStore_LeaseIsExclusive(t *testing.T) {
	ctx := context.Background()

	for name, store := range leaseStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AcquireLease(ctx, "F1", "host-a", time.Minute))
			require.NoError(t, store.AcquireLease(ctx, "F1", "host-a", time.Minute), "re-acquiring renews")

			err := store.AcquireLease(ctx, "F1", "host-b", time.Minute)
			assert.ErrorIs(t, err, engine.ErrFeatureLeased)
			assert.ErrorIs(t, store.RenewLease(ctx, "F1", "host-b", time.Minute), engine.ErrFeatureLeased)
			require.NoError(t, store.AcquireLease(ctx, "F2", "host-b", time.Minute), "features are independent")

			require.NoError(t, store.ReleaseLease(ctx, "F1", "host-b"))
			assert.ErrorIs(t, store.AcquireLease(ctx, "F1", "host-b", time.Minute), engine.ErrFeatureLeased,
				"releasing someone else's lease is a no-op")

			require.NoError(t, store.RenewLease(ctx, "F1", "host-a", time.Minute))
			require.NoError(t, store.ReleaseLease(ctx, "F1", "host-a"))
			require.NoError(t, store.AcquireLease(ctx, "F1", "host-b", time.Minute))
			assert.ErrorIs(t, store.RenewLease(ctx, "F1", "host-a", time.Minute), engine.ErrFeatureLeased)
		})
	}
}

func TestStore_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()

	for name, store := range leaseStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AcquireLease(ctx, "F1", "crashed", time.Millisecond))
			time.Sleep(5 * time.Millisecond)

			require.NoError(t, store.AcquireLease(ctx, "F1", "host-b", time.Minute))
			assert.ErrorIs(t, store.RenewLease(ctx, "F1", "crashed", time.Minute), engine.ErrFeatureLeased)
		})
	}
}

func TestFileStore_LeaseFile(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	require.NoError(t, store.AcquireLease(ctx, "F1", "host-a", time.Minute))
	lease, err := readLease(store.leasePath("F1"))
	require.NoError(t, err)
	assert.Equal(t, "host-a", lease.Owner)
	assert.True(t, lease.ExpiresAt.After(lease.AcquiredAt))

	features, err := store.ListFeatures(ctx)
	require.NoError(t, err)
	assert.Empty(t, features, "a lease is not a checkpoint")

	require.NoError(t, store.ReleaseLease(ctx, "F1", "host-a"))
	_, err = os.Stat(store.leasePath("F1"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, store.AcquireLease(ctx, "../F1", "host-a", time.Minute))
}

func TestFileStore_SharedStateDirRunsFeatureOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Two stores and two orchestrators over one directory, as two sdp processes.
	storeA, err := NewFileStore(dir)
	require.NoError(t, err)
	storeB, err := NewFileStore(dir)
	require.NoError(t, err)

	var builds atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	builder := engine.BuilderFunc(func(ctx context.Context, req engine.BuildRequest) (*engine.BuildOutcome, error) {
		if builds.Add(1) == 1 {
			close(started)
			<-release
		}
		return &engine.BuildOutcome{Success: true}, nil
	})

	items := []engine.WorkItem{{ID: "A", FeatureID: "F1", Tier: "T0"}}
	catalog := engine.BackendCatalog{"T0": {{ID: "b0", ContextCapacity: 200_000, Availability: 1}}}
	first := engine.NewOrchestrator(storeA, storeA, builder)
	second := engine.NewOrchestrator(storeB, storeB, builder, engine.WithLease("", 0, 5*time.Millisecond))

	firstErr := make(chan error, 1)
	go func() {
		_, err := first.Execute(ctx, "F1", items, nil, catalog)
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := second.Execute(ctx, "F1", items, nil, catalog)
		secondErr <- err
	}()

	select {
	case err := <-secondErr:
		t.Fatalf("second run returned while the first held the feature: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-firstErr)
	assert.ErrorIs(t, <-secondErr, engine.ErrFeatureTerminal)
	assert.Equal(t, int32(1), builds.Load())

	_, err = os.Stat(storeA.leasePath("F1"))
	assert.True(t, os.IsNotExist(err), "lease is released")
}
