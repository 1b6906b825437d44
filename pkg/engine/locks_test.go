package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockRegistry_SerializesSameFeature(t *testing.T) {
	locks := NewLockRegistry()

	var holders, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("F1")
			defer unlock()

			n := holders.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("Expected at most one holder, saw %d", peak.Load())
	}
	if locks.Len() != 0 {
		t.Errorf("Expected registry to be empty after release, got %d", locks.Len())
	}
}

func TestLockRegistry_FeaturesAreIndependent(t *testing.T) {
	locks := NewLockRegistry()
	unlockA := locks.Lock("F1")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockB, err := locks.LockContext(ctx, "F2")
	if err != nil {
		t.Fatalf("Expected F2 to lock while F1 is held, got: %v", err)
	}
	unlockB()
}

func TestLockRegistry_LockContextGivesUp(t *testing.T) {
	locks := NewLockRegistry()
	unlock := locks.Lock("F1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := locks.LockContext(ctx, "F1"); err == nil {
		t.Fatal("Expected an error while the lock is held")
	}
	if locks.Len() != 1 {
		t.Errorf("Expected only the holder to remain, got %d", locks.Len())
	}

	unlock()
	unlock()
	if locks.Len() != 0 {
		t.Errorf("Expected registry to be empty, got %d", locks.Len())
	}
}

// leasedStore adds in-memory feature leases to a memoryStore, standing in for
// a store shared by several processes.
type leasedStore struct {
	*memoryStore

	leaseMu       sync.Mutex
	leases        map[string]memoryLease
	renewFailures atomic.Int32
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func newLeasedStore() *leasedStore {
	return &leasedStore{memoryStore: newMemoryStore(), leases: make(map[string]memoryLease)}
}

func (s *leasedStore) AcquireLease(ctx context.Context, featureID, owner string, ttl time.Duration) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if l, ok := s.leases[featureID]; ok && l.owner != owner && time.Now().Before(l.expires) {
		return fmt.Errorf("%w: held by %s", ErrFeatureLeased, l.owner)
	}
	s.leases[featureID] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *leasedStore) RenewLease(ctx context.Context, featureID, owner string, ttl time.Duration) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if l, ok := s.leases[featureID]; !ok || l.owner != owner {
		s.renewFailures.Add(1)
		return fmt.Errorf("%w: lease lost", ErrFeatureLeased)
	}
	s.leases[featureID] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *leasedStore) ReleaseLease(ctx context.Context, featureID, owner string) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if l, ok := s.leases[featureID]; ok && l.owner == owner {
		delete(s.leases, featureID)
	}
	return nil
}

func (s *leasedStore) hold(featureID, owner string, ttl time.Duration) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	s.leases[featureID] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
}

func (s *leasedStore) holder(featureID string) string {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	return s.leases[featureID].owner
}

func TestOrchestrator_Execute_StoreLeaseExcludesOtherOrchestrators(t *testing.T) {
	store := newLeasedStore()
	log := &memoryEscalations{}

	var builds atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	builder := BuilderFunc(func(ctx context.Context, req BuildRequest) (*BuildOutcome, error) {
		if builds.Add(1) == 1 {
			close(started)
			<-release
		}
		return &BuildOutcome{Success: true}, nil
	})

	// Separate lock registries, as in two processes.
	first := NewOrchestrator(store, log, builder, noBackoff())
	second := NewOrchestrator(store, log, builder, noBackoff(), WithLease("", 0, time.Millisecond))

	type run struct {
		result *ExecutionResult
		err    error
	}
	firstDone := make(chan run, 1)
	go func() {
		result, err := first.Execute(context.Background(), "F1", tierItems("A"), nil, singleBackendCatalog())
		firstDone <- run{result, err}
	}()
	<-started

	secondDone := make(chan run, 1)
	go func() {
		result, err := second.Execute(context.Background(), "F1", tierItems("A"), nil, singleBackendCatalog())
		secondDone <- run{result, err}
	}()

	select {
	case r := <-secondDone:
		t.Fatalf("Expected the second run to wait for the lease, it returned: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	r1 := <-firstDone
	if r1.err != nil || r1.result.Status != CheckpointStatusCompleted {
		t.Fatalf("Expected the first run to complete, got %v", r1.err)
	}
	r2 := <-secondDone
	if !errors.Is(r2.err, ErrFeatureTerminal) {
		t.Errorf("Expected the second run to find the feature terminal, got: %v", r2.err)
	}
	if builds.Load() != 1 {
		t.Errorf("Expected A to be built once, got %d", builds.Load())
	}
	if holder := store.holder("F1"); holder != "" {
		t.Errorf("Expected the lease to be released, held by %q", holder)
	}
}

func TestOrchestrator_Execute_WaitingForLeaseIsCancellable(t *testing.T) {
	store := newLeasedStore()
	store.hold("F1", "other-host/1/abc", time.Hour)

	builder := newMockBuilder()
	orch := NewOrchestrator(store, &memoryEscalations{}, builder, noBackoff(), WithLease("", 0, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := orch.Execute(ctx, "F1", tierItems("A"), nil, singleBackendCatalog())
	if !IsCancelled(err) {
		t.Fatalf("Expected the run to give up waiting for the lease, got: %v", err)
	}
	if len(builder.getCalls()) != 0 || store.get("F1") != nil {
		t.Errorf("Expected no builds and no checkpoint, got %v", builder.getCalls())
	}
	if store.holder("F1") != "other-host/1/abc" {
		t.Errorf("Expected the other owner to keep the lease, got %q", store.holder("F1"))
	}
}

func TestOrchestrator_Execute_LostLeaseStopsRun(t *testing.T) {
	store := newLeasedStore()

	builder := newMockBuilder()
	builder.hook = func(ctx context.Context, req BuildRequest) {
		if req.Item.ID != "A" {
			return
		}
		store.hold("F1", "other-host/1/abc", time.Hour)
		deadline := time.Now().Add(time.Second)
		for store.renewFailures.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
	}

	input := tierItems("A", "B")
	input[1].DependsOn = []string{"A"}
	orch := NewOrchestrator(store, &memoryEscalations{}, builder, noBackoff(), WithLease("", 15*time.Millisecond, 0))

	result, err := orch.Execute(context.Background(), "F1", input, nil, singleBackendCatalog())
	if !IsCancelled(err) || !result.Cancelled {
		t.Fatalf("Expected the run to stop after losing its lease, got: %v", err)
	}
	if calls := builder.getCalls(); len(calls) != 1 {
		t.Errorf("Expected only A to be built, got %v", calls)
	}
	if store.holder("F1") != "other-host/1/abc" {
		t.Errorf("Expected the new owner to keep the lease, got %q", store.holder("F1"))
	}
}
