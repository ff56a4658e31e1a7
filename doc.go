// Package hookflow provides an embeddable durable workflow engine for Go,
// together with the webhook service built on it (cmd/hookflowd).
//
// hookflow turns an incoming event, typically a chat-platform webhook, into a
// durable background run that calls out to remote services with retries. It
// runs inside your process; there is no separate orchestration server to
// operate.
//
// # Core Concepts
//
//  1. Engine
//  2. Workflow functions
//  3. Activities
//  4. RetryPolicy
//
// # Engine
//
// The Engine stores run history, replays workflow logic and dispatches
// activities to a bounded worker pool. It provides APIs to:
//   - start a run under a caller-chosen workflow id (idempotently)
//   - query a run's status and result
//   - deliver signals and terminate runs
//   - read a run's event history
//   - recover active runs after a restart
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Workflow functions
//
// Workflow logic is an ordinary function:
//
//	func(ctx hookflow.WorkflowContext, input hookflow.Payload) (hookflow.Payload, error)
//
// Every time a run makes progress the function is replayed from the start
// against the recorded history. Calls whose outcome is recorded return it
// immediately; the first call without an outcome schedules work and returns
// ErrSuspended, which the function returns unchanged. Workflow code must be
// deterministic: no clocks, randomness or goroutines.
//
// Example:
//
//	eng.RegisterWorkflow("greet", func(ctx hookflow.WorkflowContext, in hookflow.Payload) (hookflow.Payload, error) {
//	    var res SendResult
//	    if err := ctx.ExecuteActivity("send_message", args, hookflow.ActivityOptions{}, &res); err != nil {
//	        return hookflow.Payload{}, err
//	    }
//	    return hookflow.NewPayload(res)
//	})
//
// # Activities
//
// Activities hold the side effects. They run at least once, under a
// start-to-close timeout, and are retried according to a RetryPolicy. An
// activity can return an ApplicationError to name its failure and to stop
// further retries.
//
// # RetryPolicy
//
// Retry builds validated policies:
//
//	p, err := hookflow.Retry(3).WithExponentialBackoff(time.Second, 2, 2*time.Second).Policy()
package hookflow
