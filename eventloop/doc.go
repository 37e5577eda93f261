// Package eventloop implements a single-threaded cooperative scheduler.
//
// A Loop drains a FIFO of callbacks on the goroutine that called Run. Tasks
// started with Spawn or Go are coroutines: they run only while the loop has
// handed them control and give it back whenever they Await a Future, so the
// time a task spends suspended is never part of a dispatch. A task that is
// suspended when Run returns, or started on a loop that never runs, stays
// parked until the loop runs again; callers waiting on its Future should also
// watch their own context.
//
// The loop exposes its dispatch, handler registration, panic and blocked-loop
// entry points through getter/setter pairs so instrumentation can wrap and
// later restore them.
package eventloop
