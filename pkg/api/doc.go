// Package api contains the core building blocks used by the hookflow workflow
// engine: the Engine contract, workflow and activity function types, the
// durable event model, retry policies and the Observer hooks.
//
// Most users interact with the higher-level hookflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations, alternative backends, and contributors extending the
// engine itself.
//
// # Workflows
//
// A workflow is a plain Go function registered under a type name:
//
//	func(ctx api.WorkflowContext, input api.Payload) (api.Payload, error)
//
// The engine runs workflow functions by replay: every time a run makes
// progress its whole history is fed back through the function from the start.
// Workflow code must therefore be deterministic. It must not read the wall
// clock, draw random numbers or start goroutines; anything non-deterministic
// belongs in an activity whose result is recorded in history.
//
// # Activities
//
// An activity is a side-effecting step, typically a remote call:
//
//	func(ctx context.Context, args api.Payload) (api.Payload, error)
//
// Activities run on a bounded worker pool with a start-to-close timeout and a
// RetryPolicy. Execution is at-least-once: after a crash an activity whose
// outcome was not recorded is executed again, so handlers must be idempotent.
//
// # Errors
//
// Activity failures surface to workflow code as *ActivityError. Handlers can
// return *ApplicationError to give a failure a stable type name and to mark
// it as non-retryable.
//
// # Observability
//
// The Observer interface receives run and activity lifecycle callbacks.
// LoggingObserver writes them through log/slog; BasicMetrics keeps counters.
package api
