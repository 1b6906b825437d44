package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

// Options configures an Orchestrator.
type Options struct {
	// Retry is the per-workstream retry policy.
	Retry RetryPolicy

	// AttemptTimeout bounds each build attempt. Zero means no timeout.
	AttemptTimeout time.Duration

	// MaxParallel is the number of workstreams built concurrently.
	// 1 builds in strict resolved order.
	MaxParallel int

	// Weights are the router scoring weights.
	Weights Weights

	// SizeTiers maps a size to the tier used when a workstream has no tier.
	SizeTiers map[ItemSize]string

	// Locks serializes runs of the same feature within the process.
	Locks *LockRegistry

	// LeaseOwner identifies this orchestrator in store leases.
	LeaseOwner string

	// LeaseTTL is how long a store lease lives without renewal.
	LeaseTTL time.Duration

	// LeasePoll is how often a run retries a lease held by another owner.
	LeasePoll time.Duration

	// Telemetry receives logs, spans, metrics and events.
	Telemetry *telemetry.Telemetry

	// Clock returns the current time.
	Clock func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Options)

// Store lease defaults.
const (
	DefaultLeaseTTL  = 30 * time.Second
	DefaultLeasePoll = 500 * time.Millisecond
)

// DefaultSizeTiers returns the default size to tier table.
func DefaultSizeTiers() map[ItemSize]string {
	return map[ItemSize]string{
		ItemSizeSmall:  "T2",
		ItemSizeMedium: "T1",
		ItemSizeLarge:  "T0",
	}
}

// DefaultOptions returns the default orchestrator options.
func DefaultOptions() Options {
	return Options{
		Retry:       DefaultRetryPolicy(),
		MaxParallel: 1,
		Weights:     DefaultWeights(),
		SizeTiers:   DefaultSizeTiers(),
		LeaseTTL:    DefaultLeaseTTL,
		LeasePoll:   DefaultLeasePoll,
		Telemetry:   telemetry.Noop(),
		Clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

// WithMaxAttempts sets the retry bound M.
func WithMaxAttempts(m int) Option {
	return func(o *Options) { o.Retry.MaxAttempts = m }
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Options) { o.AttemptTimeout = d }
}

// WithMaxParallel sets the number of concurrent workstream builds.
func WithMaxParallel(n int) Option {
	return func(o *Options) { o.MaxParallel = n }
}

// WithWeights sets the router scoring weights.
func WithWeights(w Weights) Option {
	return func(o *Options) { o.Weights = w }
}

// WithSizeTiers sets the size to tier table.
func WithSizeTiers(m map[ItemSize]string) Option {
	return func(o *Options) { o.SizeTiers = m }
}

// WithLockRegistry shares a lock registry between orchestrators.
func WithLockRegistry(r *LockRegistry) Option {
	return func(o *Options) { o.Locks = r }
}

// WithLease sets the store lease owner, TTL and poll interval. Empty or
// zero values keep their defaults.
func WithLease(owner string, ttl, poll time.Duration) Option {
	return func(o *Options) {
		if owner != "" {
			o.LeaseOwner = owner
		}
		if ttl > 0 {
			o.LeaseTTL = ttl
		}
		if poll > 0 {
			o.LeasePoll = poll
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Options) { o.Telemetry = t }
}

// WithClock sets the clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// Orchestrator executes the workstreams of a feature: it resolves their
// order, routes each to a backend, runs build attempts under the retry
// policy and checkpoints every transition.
type Orchestrator struct {
	store       CheckpointStore
	escalations EscalationLog
	builder     Builder
	resolver    *Resolver
	router      *Router
	opts        Options
	logger      *telemetry.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store CheckpointStore, escalations EscalationLog, builder Builder, opts ...Option) *Orchestrator {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.Retry.MaxAttempts <= 0 {
		options.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if options.MaxParallel <= 0 {
		options.MaxParallel = 1
	}
	if options.Weights.IsZero() {
		options.Weights = DefaultWeights()
	}
	if options.SizeTiers == nil {
		options.SizeTiers = DefaultSizeTiers()
	}
	if options.Locks == nil {
		options.Locks = NewLockRegistry()
	}
	if options.LeaseOwner == "" {
		options.LeaseOwner = defaultLeaseOwner()
	}
	if options.LeaseTTL <= 0 {
		options.LeaseTTL = DefaultLeaseTTL
	}
	if options.LeasePoll <= 0 {
		options.LeasePoll = DefaultLeasePoll
	}
	if options.Telemetry == nil {
		options.Telemetry = telemetry.Noop()
	}
	if options.Clock == nil {
		options.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		store:       store,
		escalations: escalations,
		builder:     builder,
		resolver:    NewResolver(),
		router:      NewRouter(),
		opts:        options,
		logger:      options.Telemetry.Logger.NewComponentLogger("orchestrator"),
	}
}

// plan is the validated, routed form of an Execute call.
type plan struct {
	featureID string
	order     []string
	items     map[string]WorkItem
	deps      map[string][]string
	tiers     map[string]string
	backends  map[string]ExecutionBackend
	completed map[string]bool
}

// prepare resolves and routes everything up front so that configuration
// errors surface before any checkpoint exists.
func (o *Orchestrator) prepare(featureID string, items []WorkItem, edges []DependencyEdge, catalog BackendCatalog) (*plan, error) {
	if featureID == "" {
		return nil, NewConfigurationError("feature ID is required", nil).WithCode(ErrCodeValidation)
	}

	for _, item := range items {
		if item.FeatureID != "" && item.FeatureID != featureID {
			return nil, NewConfigurationError(
				fmt.Sprintf("workstream %s belongs to feature %s", item.ID, item.FeatureID), nil,
			).WithCode(ErrCodeValidation).WithResource(item.ID)
		}
		if err := item.Size.Validate(); err != nil {
			return nil, NewConfigurationError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(item.ID)
		}
	}

	all := make([]DependencyEdge, 0, len(edges))
	all = append(all, edges...)
	all = append(all, EdgesFromItems(items)...)

	resolved, err := o.resolver.Resolve(items, all)
	if err != nil {
		return nil, err
	}

	p := &plan{
		featureID: featureID,
		order:     make([]string, 0, len(resolved)),
		items:     make(map[string]WorkItem, len(items)),
		deps:      make(map[string][]string, len(items)),
		tiers:     make(map[string]string),
		backends:  make(map[string]ExecutionBackend),
		completed: make(map[string]bool),
	}
	for _, item := range items {
		p.items[item.ID] = item
	}

	// Superseded workstreams stay out of the order and satisfy their dependents.
	for _, id := range resolved {
		switch p.items[id].Status {
		case ItemStatusSuperseded:
			continue
		case ItemStatusCompleted:
			p.completed[id] = true
		}
		p.order = append(p.order, id)
	}

	seen := make(map[DependencyEdge]bool, len(all))
	for _, edge := range all {
		if seen[edge] || p.items[edge.To].Status == ItemStatusSuperseded {
			continue
		}
		seen[edge] = true
		p.deps[edge.From] = append(p.deps[edge.From], edge.To)
	}

	for _, id := range p.order {
		if p.completed[id] {
			continue
		}
		item := p.items[id]

		tier := item.Tier
		if tier == "" {
			tier = o.opts.SizeTiers[item.Size]
		}
		if tier == "" {
			return nil, NewConfigurationError(
				fmt.Sprintf("workstream %s has no tier and size %q maps to none", id, item.Size), nil,
			).WithCode(ErrCodeValidation).WithResource(id)
		}

		backend, err := o.router.Select(tier, catalog, item.MinContext, o.opts.Weights)
		if err != nil {
			return nil, fmt.Errorf("route workstream %s: %w", id, err)
		}
		p.tiers[id] = tier
		p.backends[id] = *backend
	}

	return p, nil
}

// itemOutcome is what a worker reports for one workstream.
type itemOutcome struct {
	id         string
	succeeded  bool
	escalation *EscalationRecord
	cancelled  bool
	err        error
}

// execution is the mutable state of one Execute call.
type execution struct {
	o      *Orchestrator
	plan   *plan
	logger *telemetry.Logger

	// mu serializes checkpoint writes and guards the fields below.
	mu         sync.Mutex
	cp         *Checkpoint
	inProgress map[string]bool
	attempts   map[string][]BuildAttempt
}

// Execute runs every pending workstream of the feature to completion or
// escalation. Configuration errors return a failed result without writing a
// checkpoint. Cancelling ctx stops new attempts, lets in-flight attempts
// finish and leaves the checkpoint running so a later call resumes it.
func (o *Orchestrator) Execute(
	ctx context.Context,
	featureID string,
	items []WorkItem,
	edges []DependencyEdge,
	catalog BackendCatalog,
) (*ExecutionResult, error) {
	tel := o.opts.Telemetry
	startedAt := o.opts.Clock()
	timer := telemetry.NewTimer()

	ctx, span := tel.Tracer.StartFeatureSpan(ctx, featureID)
	defer span.End()

	logger := o.logger.WithFeatureID(featureID)
	result := &ExecutionResult{
		FeatureID: featureID,
		StartedAt: startedAt,
		Attempts:  make(map[string][]BuildAttempt),
		Backends:  make(map[string]string),
	}

	fail := func(err error) (*ExecutionResult, error) {
		result.Status = CheckpointStatusFailed
		result.Err = err
		tel.Metrics.RecordError(string(ClassOf(err)))
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.AttrErrorClass.String(string(ClassOf(err))))
		logger.WithError(err).Error("feature execution failed")
		return result, err
	}

	p, err := o.prepare(featureID, items, edges, catalog)
	if err != nil {
		return fail(err)
	}
	result.Order = slices.Clone(p.order)

	unlock, err := o.opts.Locks.LockContext(ctx, featureID)
	if err != nil {
		return fail(NewCancelledError("waiting for feature lock", err).WithResource(featureID))
	}
	defer unlock()

	// Other processes sharing the store are kept out by its lease.
	if leaser, ok := o.store.(FeatureLeaser); ok {
		runCtx, stopRun := context.WithCancel(ctx)
		defer stopRun()

		release, err := holdLease(ctx, leaser, featureID, o.opts.LeaseOwner,
			o.opts.LeaseTTL, o.opts.LeasePoll, logger, stopRun)
		if err != nil {
			if ctx.Err() != nil {
				return fail(NewCancelledError("waiting for feature lease", err).WithResource(featureID))
			}
			return fail(NewPersistenceError("failed to acquire feature lease", err).
				WithCode(ErrCodeLease).WithResource(featureID))
		}
		defer release()
		ctx = runCtx
	}

	cp, err := o.store.Load(ctx, featureID)
	if err != nil {
		logger.WithError(err).Warn("checkpoint unreadable, starting fresh")
		tel.Metrics.RecordError(string(ErrorClassPersistence))
		cp = nil
	}
	if cp != nil && cp.IsTerminal() {
		result.Status = cp.Status
		result.Completed = slices.Clone(cp.CompletedWS)
		result.Escalated = slices.Clone(cp.EscalatedWS)
		result.Err = fmt.Errorf("%w: feature %s is %s, reset it to run again", ErrFeatureTerminal, featureID, cp.Status)
		return result, result.Err
	}

	ex := &execution{
		o:          o,
		plan:       p,
		logger:     logger,
		cp:         o.newCheckpoint(p, cp, startedAt),
		inProgress: make(map[string]bool),
		attempts:   make(map[string][]BuildAttempt),
	}
	result.Resumed = cp != nil
	result.StartedAt = ex.cp.StartedAt

	tel.Metrics.RecordFeatureStarted()
	_ = tel.Events.PublishFeatureStarted(featureID, len(p.order), result.Resumed)
	logger.Infof("executing %d workstreams (%d already completed, resumed=%t)",
		len(p.order), len(ex.cp.CompletedWS), result.Resumed)

	if err := ex.save(ctx); err != nil {
		return fail(err)
	}

	outcomes := ex.dispatch(ctx)

	return o.finish(ctx, span, ex, result, outcomes, timer)
}

// newCheckpoint builds the running checkpoint for this call, carrying over
// progress from a previous non-terminal checkpoint.
func (o *Orchestrator) newCheckpoint(p *plan, previous *Checkpoint, startedAt time.Time) *Checkpoint {
	cp := &Checkpoint{
		FeatureID:      p.featureID,
		ExecutionOrder: slices.Clone(p.order),
		Status:         CheckpointStatusRunning,
		StartedAt:      startedAt,
		Attempts:       make(map[string]int),
	}

	completed := make(map[string]bool, len(p.completed))
	for id := range p.completed {
		completed[id] = true
	}
	escalated := make(map[string]bool)

	if previous != nil {
		cp.StartedAt = previous.StartedAt
		inOrder := make(map[string]bool, len(p.order))
		for _, id := range p.order {
			inOrder[id] = true
		}
		for _, id := range previous.CompletedWS {
			if inOrder[id] {
				completed[id] = true
			}
		}
		for _, id := range previous.EscalatedWS {
			if inOrder[id] && !completed[id] {
				escalated[id] = true
			}
		}
		for id, n := range previous.Attempts {
			if inOrder[id] && !completed[id] {
				cp.Attempts[id] = n
			}
		}
	}

	cp.CompletedWS = make([]string, 0, len(completed))
	for _, id := range p.order {
		if completed[id] {
			cp.CompletedWS = append(cp.CompletedWS, id)
		}
		if escalated[id] {
			cp.EscalatedWS = append(cp.EscalatedWS, id)
		}
	}
	return cp
}

// dispatch feeds ready workstreams to the worker pool until nothing more can
// start, and returns every outcome in completion order.
func (ex *execution) dispatch(ctx context.Context) []itemOutcome {
	p := ex.plan
	workers := ex.o.opts.MaxParallel

	completed := make(map[string]bool, len(p.order))
	for _, id := range ex.cp.CompletedWS {
		completed[id] = true
	}
	finished := make(map[string]bool, len(p.order))
	for _, id := range ex.cp.EscalatedWS {
		finished[id] = true
	}
	dispatched := make(map[string]bool, len(p.order))

	work := make(chan string)
	done := make(chan itemOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				done <- ex.executeItem(ctx, id)
			}
		}()
	}

	outcomes := make([]itemOutcome, 0)
	inFlight := 0
	halted := false

	for {
		if !halted && ctx.Err() == nil {
			// Readiness is re-checked against the completed set on every pass.
			for _, id := range p.order {
				if inFlight >= workers {
					break
				}
				if completed[id] || finished[id] || dispatched[id] || !ex.ready(id, completed) {
					continue
				}
				dispatched[id] = true
				inFlight++
				work <- id
			}
		}

		if inFlight == 0 {
			break
		}

		out := <-done
		inFlight--
		outcomes = append(outcomes, out)

		switch {
		case out.err != nil:
			halted = true
		case out.succeeded:
			completed[out.id] = true
		case out.escalation != nil:
			finished[out.id] = true
		}
	}

	close(work)
	wg.Wait()
	return outcomes
}

// ready reports whether every dependency of id is completed.
func (ex *execution) ready(id string, completed map[string]bool) bool {
	for _, dep := range ex.plan.deps[id] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// executeItem runs the attempts of one workstream until it succeeds, is
// escalated, or the run is cancelled.
func (ex *execution) executeItem(ctx context.Context, id string) itemOutcome {
	o := ex.o
	tel := o.opts.Telemetry
	p := ex.plan
	tier := p.tiers[id]
	backend := p.backends[id]
	policy := o.opts.Retry

	ctx, span := tel.Tracer.StartWorkstreamSpan(ctx, p.featureID, id, tier, backend.ID)
	defer span.End()

	logger := ex.logger.WithWorkstreamID(id).WithBackend(tier, backend.ID)
	tel.Metrics.RecordRouterSelection(tier, backend.ID)

	ex.mu.Lock()
	previous := ex.cp.Attempts[id]
	ex.mu.Unlock()

	// A crash after the last attempt but before the escalation was recorded
	// leaves the attempts exhausted. The record may already be in the log.
	if policy.ShouldEscalate(previous, true) {
		existing, err := ex.findEscalation(ctx, id)
		if err != nil {
			return itemOutcome{id: id, err: err}
		}
		if existing != nil {
			return ex.settleEscalation(ctx, id, existing, false)
		}
		return ex.escalate(ctx, id, previous, nil)
	}

	if err := ex.begin(ctx, id); err != nil {
		return itemOutcome{id: id, err: err}
	}
	_ = tel.Events.PublishWorkstreamStarted(p.featureID, id, tier, backend.ID)
	logger.Info("workstream dispatched")

	state := Attempting(previous + 1)
	var history []BuildAttempt

	for !state.IsTerminal() {
		if ctx.Err() != nil {
			return ex.interrupt(ctx, id, logger)
		}
		if len(history) > 0 {
			if delay := policy.Backoff(state.N - 1); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ex.interrupt(ctx, id, logger)
				}
			}
		}

		attempt := ex.runAttempt(ctx, id, state.N, history)
		history = append(history, attempt)
		state = policy.Next(state, attempt.Success)

		if err := ex.recordAttempt(ctx, id, attempt, state.Phase == PhaseSucceeded); err != nil {
			telemetry.RecordError(span, err)
			return itemOutcome{id: id, err: err}
		}

		if !attempt.Success {
			logger.WithField("attempt", attempt.Number).Warnf("build attempt failed: %s", attempt.Error)
			_ = tel.Events.PublishAttemptFailed(p.featureID, id, attempt.Number, attempt.Error)
		}
	}

	if state.Phase == PhaseSucceeded {
		telemetry.RecordSuccess(span)
		tel.Metrics.RecordWorkstreamCompleted(tier)
		_ = tel.Events.PublishWorkstreamCompleted(p.featureID, id, state.N)
		logger.Infof("workstream completed on attempt %d", state.N)
		return itemOutcome{id: id, succeeded: true}
	}

	return ex.escalate(ctx, id, state.N, history)
}

// runAttempt invokes the builder once. The attempt runs detached from ctx
// cancellation, bounded only by the attempt timeout.
func (ex *execution) runAttempt(ctx context.Context, id string, n int, previous []BuildAttempt) BuildAttempt {
	o := ex.o
	tel := o.opts.Telemetry
	p := ex.plan
	backend := p.backends[id]

	attemptCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if o.opts.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(attemptCtx, o.opts.AttemptTimeout)
	}
	defer cancel()

	attemptCtx, span := tel.Tracer.StartAttemptSpan(attemptCtx, id, n)
	defer span.End()

	req := BuildRequest{
		FeatureID: p.featureID,
		Item:      p.items[id],
		Tier:      p.tiers[id],
		Backend:   backend,
		Attempt:   n,
		Previous:  slices.Clone(previous),
	}

	attempt := BuildAttempt{
		Number:    n,
		BackendID: backend.ID,
		StartedAt: o.opts.Clock(),
	}
	timer := telemetry.NewTimer()

	type reply struct {
		outcome *BuildOutcome
		err     error
	}
	replies := make(chan reply, 1)

	tel.Metrics.BuildStarted()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- reply{err: fmt.Errorf("builder panicked: %v", r)}
			}
		}()
		outcome, err := o.builder.Build(attemptCtx, req)
		replies <- reply{outcome: outcome, err: err}
	}()

	select {
	case r := <-replies:
		switch {
		case r.err != nil:
			attempt.Error = r.err.Error()
			if errors.Is(r.err, context.DeadlineExceeded) {
				attempt.TimedOut = true
			}
		case r.outcome == nil:
			attempt.Error = "builder returned no outcome"
		default:
			attempt.Success = r.outcome.Success
			attempt.Output = r.outcome.Output
			attempt.Error = r.outcome.Error
			attempt.Diagnostics = r.outcome.Diagnostics
			if !attempt.Success && attempt.Error == "" {
				attempt.Error = "build reported failure"
			}
		}
	case <-attemptCtx.Done():
		attempt.TimedOut = true
		attempt.Error = fmt.Sprintf("attempt timed out after %s", o.opts.AttemptTimeout)
	}
	tel.Metrics.BuildFinished()

	attempt.Duration = timer.Duration()
	tel.Metrics.RecordAttempt(p.tiers[id], backend.ID, attempt.Success, attempt.Duration)

	span.SetAttributes(attribute.Bool("attempt.success", attempt.Success))
	if attempt.Success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, NewAttemptError(attempt.Error, nil).WithResource(id))
	}
	return attempt
}

// begin marks id as in progress and persists the transition.
func (ex *execution) begin(ctx context.Context, id string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.inProgress[id] = true
	ex.updateCurrentLocked()
	return ex.saveLocked(ctx)
}

// recordAttempt persists the attempt count and, on success, the completion.
func (ex *execution) recordAttempt(ctx context.Context, id string, attempt BuildAttempt, succeeded bool) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.attempts[id] = append(ex.attempts[id], attempt)
	ex.cp.Attempts[id] = attempt.Number
	if succeeded {
		ex.cp.CompletedWS = ex.inOrderLocked(append(ex.cp.CompletedWS, id))
		delete(ex.cp.Attempts, id)
		delete(ex.inProgress, id)
		ex.updateCurrentLocked()
	}
	return ex.saveLocked(ctx)
}

// interrupt ends a workstream's attempts because the run was cancelled.
func (ex *execution) interrupt(ctx context.Context, id string, logger *telemetry.Logger) itemOutcome {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	delete(ex.inProgress, id)
	ex.updateCurrentLocked()
	logger.Warn("run cancelled, workstream left for resume")
	if err := ex.saveLocked(ctx); err != nil {
		return itemOutcome{id: id, err: err}
	}
	return itemOutcome{id: id, cancelled: true}
}

// escalate records the escalation of id after n failed attempts.
func (ex *execution) escalate(ctx context.Context, id string, n int, history []BuildAttempt) itemOutcome {
	o := ex.o
	p := ex.plan
	tier := p.tiers[id]
	backend := p.backends[id]

	record := &EscalationRecord{
		ID:           uuid.New().String(),
		FeatureID:    p.featureID,
		WorkstreamID: id,
		Tier:         tier,
		BackendID:    backend.ID,
		AttemptCount: n,
		Category:     EscalationCategoryBuild,
		Message: fmt.Sprintf("feature %s: workstream %s (tier %s) failed after %d build attempts",
			p.featureID, id, tier, n),
		Remediation: fmt.Sprintf("review the diagnostics, fix workstream %s or its inputs, then reset feature %s and execute it again",
			id, p.featureID),
		Diagnostics: formatDiagnostics(history),
		Attempts:    slices.Clone(history),
		Timestamp:   o.opts.Clock(),
	}

	if o.escalations != nil {
		if err := o.escalations.AppendEscalation(context.WithoutCancel(ctx), record); err != nil {
			err = NewPersistenceError("failed to append escalation record", err).
				WithCode(ErrCodeEscalationLog).WithResource(id)
			return itemOutcome{id: id, escalation: record, err: err}
		}
	}
	return ex.settleEscalation(ctx, id, record, true)
}

// findEscalation returns the escalation of id appended during the current
// run of the feature, if any. Records older than the checkpoint belong to a
// run that was reset.
func (ex *execution) findEscalation(ctx context.Context, id string) (*EscalationRecord, error) {
	if ex.o.escalations == nil {
		return nil, nil
	}
	records, err := ex.o.escalations.ListEscalations(context.WithoutCancel(ctx), ex.plan.featureID)
	if err != nil {
		return nil, NewPersistenceError("failed to list escalation records", err).
			WithCode(ErrCodeEscalationLog).WithResource(id)
	}

	ex.mu.Lock()
	startedAt := ex.cp.StartedAt
	ex.mu.Unlock()

	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.WorkstreamID == id && !r.Timestamp.Before(startedAt) {
			return r, nil
		}
	}
	return nil, nil
}

// settleEscalation marks id escalated in the checkpoint. fresh is false when
// the record was appended by an earlier, interrupted call.
func (ex *execution) settleEscalation(ctx context.Context, id string, record *EscalationRecord, fresh bool) itemOutcome {
	tel := ex.o.opts.Telemetry
	p := ex.plan
	tier := p.tiers[id]
	n := record.AttemptCount

	out := itemOutcome{id: id, escalation: record}

	ex.mu.Lock()
	delete(ex.inProgress, id)
	ex.cp.EscalatedWS = ex.inOrderLocked(append(ex.cp.EscalatedWS, id))
	delete(ex.cp.Attempts, id)
	ex.updateCurrentLocked()
	err := ex.saveLocked(ctx)
	ex.mu.Unlock()
	if err != nil {
		out.err = err
	}

	logger := ex.logger.WithWorkstreamID(id)
	if !fresh {
		logger.Warnf("escalation %s already recorded, marking workstream escalated", record.ID)
		return out
	}

	tel.Metrics.RecordEscalation(tier)
	_ = tel.Events.PublishWorkstreamEscalated(p.featureID, id, tier, n, record.ID)
	logger.Errorf("workstream escalated after %d attempts", n)
	return out
}

// formatDiagnostics renders every attempt's error and diagnostics.
func formatDiagnostics(history []BuildAttempt) string {
	if len(history) == 0 {
		return "attempts exhausted before the escalation was recorded"
	}
	var b strings.Builder
	for _, a := range history {
		fmt.Fprintf(&b, "attempt %d on %s: %s\n", a.Number, a.BackendID, a.Error)
		if a.Diagnostics != "" {
			fmt.Fprintf(&b, "%s\n", a.Diagnostics)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// inOrderLocked returns ids sorted by execution order.
func (ex *execution) inOrderLocked(ids []string) []string {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	ordered := make([]string, 0, len(ids))
	for _, id := range ex.cp.ExecutionOrder {
		if set[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// updateCurrentLocked points CurrentWS at the earliest in-progress workstream.
func (ex *execution) updateCurrentLocked() {
	ex.cp.CurrentWS = ""
	for _, id := range ex.cp.ExecutionOrder {
		if ex.inProgress[id] {
			ex.cp.CurrentWS = id
			return
		}
	}
}

func (ex *execution) save(ctx context.Context) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.saveLocked(ctx)
}

// saveLocked writes the complete checkpoint. Saves are not cancelled with
// the run.
func (ex *execution) saveLocked(ctx context.Context) error {
	err := ex.o.store.Save(context.WithoutCancel(ctx), ex.cp.Clone())
	ex.o.opts.Telemetry.Metrics.RecordCheckpointSave(err)
	if err != nil {
		return NewPersistenceError("failed to save checkpoint", err).
			WithCode(ErrCodeCheckpointSave).WithResource(ex.plan.featureID)
	}
	return nil
}

// finish settles the final status, persists it and fills in the result.
func (o *Orchestrator) finish(
	ctx context.Context,
	span trace.Span,
	ex *execution,
	result *ExecutionResult,
	outcomes []itemOutcome,
	timer *telemetry.Timer,
) (*ExecutionResult, error) {
	tel := o.opts.Telemetry
	p := ex.plan

	var runErr error
	for _, out := range outcomes {
		if out.escalation != nil {
			result.Escalations = append(result.Escalations, out.escalation)
		}
		if out.err != nil && runErr == nil {
			runErr = out.err
		}
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	cp := ex.cp
	for id, attempts := range ex.attempts {
		result.Attempts[id] = attempts
	}
	for id := range ex.attempts {
		result.Backends[id] = p.backends[id].ID
	}

	done := make(map[string]bool, len(p.order))
	for _, id := range cp.CompletedWS {
		done[id] = true
	}
	for _, id := range cp.EscalatedWS {
		done[id] = true
	}
	for _, id := range p.order {
		if !done[id] {
			result.Blocked = append(result.Blocked, id)
		}
	}

	cancelled := ctx.Err() != nil
	switch {
	case runErr != nil:
		// The last persisted checkpoint stays running and can be resumed.
		result.Status = CheckpointStatusFailed
	case len(cp.CompletedWS) == len(cp.ExecutionOrder):
		cp.Status = CheckpointStatusCompleted
		cp.CurrentWS = ""
	case cancelled:
		result.Cancelled = true
		runErr = NewCancelledError("feature execution cancelled", ctx.Err()).WithResource(p.featureID)
	case len(cp.EscalatedWS) > 0:
		cp.Status = CheckpointStatusEscalated
		cp.CurrentWS = cp.EscalatedWS[0]
	default:
		runErr = NewConfigurationError("workstreams left unreachable", nil).
			WithCode(ErrCodeInternal).WithResource(p.featureID).
			WithDetail("blocked", result.Blocked)
		result.Status = CheckpointStatusFailed
	}

	if runErr == nil || result.Cancelled {
		if cp.Status.IsTerminal() {
			completedAt := o.opts.Clock()
			cp.CompletedAt = &completedAt
			cp.Attempts = make(map[string]int)
		}
		if err := ex.saveLocked(ctx); err != nil && runErr == nil {
			runErr = err
			result.Status = CheckpointStatusFailed
		}
	}

	if result.Status == "" {
		result.Status = cp.Status
	}
	result.Completed = slices.Clone(cp.CompletedWS)
	result.Escalated = slices.Clone(cp.EscalatedWS)
	if result.Status.IsTerminal() && result.Status != CheckpointStatusFailed {
		result.CompletedAt = cp.CompletedAt
	}

	for _, id := range result.Blocked {
		reason := "a dependency did not complete"
		if result.Cancelled {
			reason = "run cancelled"
		}
		_ = tel.Events.PublishWorkstreamBlocked(p.featureID, id, reason)
	}

	tel.Metrics.RecordFeatureFinished(string(result.Status), timer.Duration())
	_ = tel.Events.PublishFeatureFinished(p.featureID, string(result.Status), timer.Duration())
	span.SetAttributes(telemetry.AttrFeatureStatus.String(string(result.Status)))

	if runErr != nil {
		result.Err = runErr
		tel.Metrics.RecordError(string(ClassOf(runErr)))
		telemetry.RecordError(span, runErr)
		ex.logger.WithError(runErr).Warnf("feature finished with status %s", result.Status)
		return result, runErr
	}

	telemetry.RecordSuccess(span)
	ex.logger.Infof("feature finished with status %s (%d/%d completed, %d escalated)",
		result.Status, len(result.Completed), len(p.order), len(result.Escalated))
	return result, nil
}
