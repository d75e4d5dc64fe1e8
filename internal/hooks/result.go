package hooks

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateName is returned when a hook name is already registered for an event.
	ErrDuplicateName = errors.New("hook already registered for event")
	// ErrHookNotFound is returned by toggles on unknown hooks.
	ErrHookNotFound = errors.New("hook not found")
	// ErrHookTimeout marks a hook that did not finish within its timeout.
	ErrHookTimeout = errors.New("hook timed out")
	// ErrHookExecution marks a hook that failed or panicked.
	ErrHookExecution = errors.New("hook execution failed")
)

// Result is the explicit outcome of one hook: either Ok (optionally with a
// replacement context) or Failed with a reason and a fatality flag. A fatal
// failure halts the chain even when the hook is not registered as critical.
type Result struct {
	Context *ExecutionContext
	Err     error
	Fatal   bool
}

// Ok continues the chain. A non-nil ec replaces the context seen by later hooks.
func Ok(ec *ExecutionContext) Result {
	return Result{Context: ec}
}

// Continue continues the chain with the context unchanged.
func Continue() Result {
	return Result{}
}

// Fail reports a hook failure.
func Fail(err error, fatal bool) Result {
	if err == nil {
		err = ErrHookExecution
	}
	return Result{Err: err, Fatal: fatal}
}

// Failed reports whether the hook failed.
func (r Result) Failed() bool { return r.Err != nil }

// Handler is the single capability every hook implements. The dispatcher
// always runs Handle under the hook's timeout; handlers should honor ctx.
type Handler interface {
	Handle(ctx context.Context, ec *ExecutionContext) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext) Result

// Handle calls f(ctx, ec).
func (f HandlerFunc) Handle(ctx context.Context, ec *ExecutionContext) Result {
	return f(ctx, ec)
}

// Blocking adapts a synchronous function that knows nothing about contexts.
// The dispatcher offloads it the same way as any other handler; on timeout its
// work is abandoned, not interrupted.
func Blocking(fn func(ec *ExecutionContext) error) Handler {
	return HandlerFunc(func(_ context.Context, ec *ExecutionContext) Result {
		if err := fn(ec); err != nil {
			return Fail(err, false)
		}
		return Continue()
	})
}
