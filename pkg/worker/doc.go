// Package worker runs activity attempts for the hookflow engine.
//
// A Worker pulls one task at a time from a task queue, invokes the named
// activity under the task's start-to-close timeout and reports the outcome
// on the task's reply channel. It never retries: the executor that enqueued
// the task owns the retry loop and decides whether another attempt follows.
//
// A Pool runs a fixed number of goroutines that call Worker.ProcessOne until
// stopped. The pool size bounds how many activities execute at once across
// all runs.
//
// Activity start and completion are reported to an api.Observer, and the
// context passed to the handler carries the workflow id, run id and activity
// name for correlated logging.
package worker
