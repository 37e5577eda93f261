// Package loopmon instruments a single-threaded cooperative event loop and
// the web application served on it.
//
// A Monitor owns one Aggregator of counters, summaries and max gauges. The
// Instrumentor wraps the loop's dispatch, handler registration, exception and
// blocked-loop entry points to feed it; collectors add request counting and
// per-request trace context. Every snapshot read resets the ephemeral state.
//
// Snapshots leave the process through a Publisher:
//   - PullPublisher serves JSON at /monitor to loopback and private callers
//   - PushPublisher sends to a Sink on an interval (log, remote write, NATS)
//   - PrometheusPublisher serves the exposition format at /metrics
//
// Basic usage:
//
//	loop := eventloop.New(logger)
//	app := webapp.New(loop, logger)
//
//	config := loopmon.DefaultConfig()
//	config.ServiceName = "api"
//	config.Logger = logger
//
//	m, err := loopmon.Initialize(app, loop, config)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer m.Stop()
//
//	go loop.Run(ctx)
//	http.ListenAndServe(":8080", app)
package loopmon
