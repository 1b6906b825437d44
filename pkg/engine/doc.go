// Package engine provides the workstream orchestration core.
//
// # Overview
//
// A feature is a set of workstreams (WorkItem) connected by dependency edges.
// The engine executes a feature in five steps:
//
//  1. Resolve - order the workstreams topologically (Resolver)
//  2. Route - pick an execution backend per workstream tier (Router)
//  3. Build - run build attempts through the host's Builder
//  4. Retry - retry failed attempts and escalate when exhausted (RetryPolicy)
//  5. Checkpoint - persist every transition so a run can resume (CheckpointStore)
//
// # Resolution
//
// Resolve uses a depth-first traversal with three-color marking. Items with no
// ordering constraint between them keep their input order, so repeated calls
// return the same sequence. A cycle is reported exactly as it was closed:
//
//	order, err := engine.NewResolver().Resolve(items, edges)
//	var cycle *engine.CycleError
//	if errors.As(err, &cycle) {
//	    fmt.Println(cycle.Cycle) // [A B A]
//	}
//
// # Routing
//
// Router scores each backend of a tier on cost, availability and context
// capacity and returns the strictly highest weighted score. Ties go to the
// backend listed first in the catalog.
//
// # Retry and Escalation
//
// With MaxAttempts M, a failed attempt n is retried while n <= M, so a
// workstream gets at most M+1 attempts. Exhaustion produces an
// EscalationRecord that is appended to the EscalationLog and returned in the
// ExecutionResult. Escalation is an outcome, not an error.
//
// # Orchestration
//
//	orch := engine.NewOrchestrator(store, escalations, builder,
//	    engine.WithMaxParallel(4),
//	    engine.WithAttemptTimeout(30*time.Minute),
//	)
//	result, err := orch.Execute(ctx, "F1", items, nil, catalog)
//
// Configuration errors (cycles, missing dependencies, unknown tiers, no
// qualifying backend) fail before any checkpoint is written. Independent
// branches keep running when a workstream escalates. Cancelling ctx stops new
// attempts and leaves a running checkpoint that the next Execute resumes.
//
// # Error Classification
//
// Errors carry an ErrorClass:
//
//   - Configuration: fatal, never retried
//   - Attempt: a failed or timed out build, governed by the retry policy
//   - Persistence: a checkpoint or escalation write failed
//   - Cancelled: the caller cancelled the run
//
// Use ClassOf or the Is* helpers to inspect them.
package engine
