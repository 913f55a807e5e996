// Package engine implements the distributed audit orchestration engine.
//
// # Overview
//
// An audit run evaluates one fiche (a CRM sales record) against one audit
// configuration. The configuration is a rubric of ordered steps, each with
// control points, a weight and an optional critical flag. Evidence comes from the
// transcribed call recordings attached to the fiche.
//
// Work moves through the engine as events:
//
//  1. run.requested  - the Orchestrator refreshes the fiche, makes sure its
//     recordings are transcribed, snapshots the configuration, creates the run
//     row, caches the evidence timeline and fans out one step.requested per step.
//  2. step.requested - the StepWorker evaluates a single step with the
//     Evaluator, persists the StepResult and emits step.completed.
//  3. step.completed - the Finalizer checks whether every step has a result. The
//     last observation gates the citations against the timeline, scores the run,
//     persists it and emits run.completed.
//  4. run.completed / run.failed - consumed by the batch coordinator.
//
// # Delivery Model
//
// Events are delivered at least once. Every handler is idempotent: step tasks are
// keyed by run and position, step results are upserted, the Evaluator call is
// checkpointed, and finalization is a no-op for runs that are no longer running.
// The Runtime type binds handlers to events with retry, timeout and named
// concurrency limits (per fiche, per run, per finalization).
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Concurrent runs or lost races, retried
//   - Permanent: Mark the run failed and stop
//
// # Scoring
//
// GateEvidence and ComputeCompliance are pure functions. For the same step
// results, timeline and configuration they always return the same output.
package engine
