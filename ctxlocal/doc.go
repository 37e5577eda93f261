// Package ctxlocal provides scoped, stackable ambient values that are isolated
// per logical task.
//
// A Frame holds one LIFO stack per Kind. The scheduler that multiplexes tasks
// owns one Frame per task and hands it out through a Provider, so a value
// entered before a task suspends is still current when the task resumes:
//
//	var requestID = ctxlocal.NewKind("request_id", "", loop)
//
//	scope := requestID.Enter("span_42")
//	defer scope.Exit()
//
//	t.Await(loop.Sleep(10 * time.Millisecond))
//	_ = requestID.Current() // "span_42"
//
// Code running on plain goroutines can carry a Frame in a context.Context with
// NewContext and FromContext.
package ctxlocal
