package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/hooks")

// Registration defaults.
const (
	DefaultPriority = 100
	DefaultTimeout  = 5 * time.Second
)

// Registration is a hook bound to one event.
type Registration struct {
	Name     string
	Event    Event
	Handler  Handler
	Priority int
	Timeout  time.Duration
	Enabled  bool
	Critical bool
	Filter   *Filter

	seq    uint64
	filter *compiledFilter
	stats  *hookStats
}

// Option configures a Registration.
type Option func(*Registration)

// WithPriority sets the priority; lower runs first.
func WithPriority(p int) Option {
	return func(r *Registration) { r.Priority = p }
}

// WithTimeout sets the per-hook timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registration) { r.Timeout = d }
}

// WithFilter restricts the hook to matching contexts.
func WithFilter(f *Filter) Option {
	return func(r *Registration) { r.Filter = f }
}

// Critical marks the hook so its failure halts the chain.
func Critical() Option {
	return func(r *Registration) { r.Critical = true }
}

// Disabled registers the hook switched off.
func Disabled() Option {
	return func(r *Registration) { r.Enabled = false }
}

// Registry holds the priority-sorted hook chains and dispatches contexts
// through them. It is safe for concurrent use; independent dispatches run
// concurrently while each chain executes its hooks sequentially.
type Registry struct {
	mu    sync.RWMutex
	hooks map[Event][]*Registration
	seq   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Event][]*Registration)}
}

// Register adds a hook. It fails with ErrDuplicateName when name is already
// registered for event, and with ErrInvalidFilter for a bad filter.
func (r *Registry) Register(name string, event Event, h Handler, opts ...Option) error {
	if name == "" || h == nil {
		return fmt.Errorf("registering hook: name and handler are required")
	}
	reg := &Registration{
		Name:     name,
		Event:    event,
		Handler:  h,
		Priority: DefaultPriority,
		Timeout:  DefaultTimeout,
		Enabled:  true,
		stats:    &hookStats{m: HookMetrics{Event: event, Name: name}},
	}
	for _, opt := range opts {
		opt(reg)
	}
	cf, err := compileFilter(reg.Filter)
	if err != nil {
		return fmt.Errorf("registering hook %s: %w", name, err)
	}
	reg.filter = cf

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.hooks[event] {
		if existing.Name == name {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateName, name, event)
		}
	}
	r.seq++
	reg.seq = r.seq
	chain := append(r.hooks[event], reg)
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Priority != chain[j].Priority {
			return chain[i].Priority < chain[j].Priority
		}
		return chain[i].seq < chain[j].seq
	})
	r.hooks[event] = chain
	return nil
}

// Unregister removes a hook; it reports whether one was removed.
func (r *Registry) Unregister(event Event, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.hooks[event]
	for i, reg := range chain {
		if reg.Name == name {
			r.hooks[event] = append(chain[:i:i], chain[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a hook on or off.
func (r *Registry) SetEnabled(event Event, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.hooks[event] {
		if reg.Name == name {
			reg.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrHookNotFound, name, event)
}

// SetFilter replaces a hook's filter, compiling it first.
func (r *Registry) SetFilter(event Event, name string, f *Filter) error {
	cf, err := compileFilter(f)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.hooks[event] {
		if reg.Name == name {
			reg.Filter = f
			reg.filter = cf
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrHookNotFound, name, event)
}

// Names returns the hook names for event in dispatch order.
func (r *Registry) Names(event Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks[event]))
	for _, reg := range r.hooks[event] {
		names = append(names, reg.Name)
	}
	return names
}

// Metrics returns a snapshot of every hook's statistics.
func (r *Registry) Metrics() []HookMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []HookMetrics
	for _, ev := range allEvents {
		for _, reg := range r.hooks[ev] {
			out = append(out, reg.stats.snapshot())
		}
	}
	return out
}

// HookFailure describes one failed hook in a dispatch.
type HookFailure struct {
	Hook     string
	Err      error
	TimedOut bool
	Critical bool
}

// Report summarizes one dispatch.
type Report struct {
	Ran      []string
	Skipped  []string
	Failures []HookFailure
	Halted   bool
	HaltedBy string
}

// chainEntry pins a registration's toggles for the length of one dispatch.
type chainEntry struct {
	reg     *Registration
	enabled bool
	filter  *compiledFilter
}

func (r *Registry) snapshot(event Event) []chainEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := make([]chainEntry, len(r.hooks[event]))
	for i, reg := range r.hooks[event] {
		chain[i] = chainEntry{reg: reg, enabled: reg.Enabled, filter: reg.filter}
	}
	return chain
}

type dispatchState struct {
	ec     *ExecutionContext
	report *Report
}

// Dispatch runs the event's chain over ec and returns the (possibly
// replaced) context with a report. A critical hook failure, or a hook that
// returns a fatal Result, sets ec.Err and skips the rest of the chain.
func (r *Registry) Dispatch(ctx context.Context, ec *ExecutionContext) (*ExecutionContext, *Report) {
	ctx, span := tracer.Start(ctx, "hooks.dispatch",
		trace.WithAttributes(
			attribute.String("hook.event", string(ec.Event)),
			attribute.String("agent", ec.AgentName),
			attribute.String("tool", ec.ToolName),
		))
	defer span.End()

	chain := r.snapshot(ec.Event)

	st := &dispatchState{ec: ec, report: &Report{}}
	for _, entry := range chain {
		reg := entry.reg
		if !entry.enabled || !entry.filter.match(st.ec) {
			st.report.Skipped = append(st.report.Skipped, reg.Name)
			continue
		}
		if ctx.Err() != nil {
			st.ec.Err = ctx.Err()
			st.report.Halted = true
			break
		}
		if halt := r.runHook(ctx, reg, st); halt {
			st.report.Halted = true
			st.report.HaltedBy = reg.Name
			span.SetAttributes(attribute.String("hook.halted_by", reg.Name))
			span.SetStatus(codes.Error, "chain halted")
			break
		}
	}
	span.SetAttributes(
		attribute.Int("hook.ran", len(st.report.Ran)),
		attribute.Int("hook.failures", len(st.report.Failures)),
	)
	return st.ec, st.report
}

// runHook executes one hook under its timeout and reports whether the chain
// must halt. The handler works on a private copy of the context which is only
// adopted when it returns in time; an abandoned handler never touches the
// context seen by later hooks.
func (r *Registry) runHook(ctx context.Context, reg *Registration, st *dispatchState) bool {
	hctx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	ec := st.ec.Clone()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Fail(fmt.Errorf("%w: panic: %v", ErrHookExecution, p), false)
			}
		}()
		done <- reg.Handler.Handle(hctx, ec)
	}()

	var (
		res      Result
		timedOut bool
	)
	select {
	case res = <-done:
		st.ec = ec
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timedOut = true
			res = Fail(fmt.Errorf("%w: %s after %s", ErrHookTimeout, reg.Name, reg.Timeout), false)
		} else {
			res = Fail(ctx.Err(), true)
		}
	}
	elapsed := time.Since(start)
	reg.stats.record(elapsed, res.Err, timedOut)
	st.report.Ran = append(st.report.Ran, reg.Name)

	if !res.Failed() {
		recordHookDuration(ctx, reg.Event, reg.Name, elapsed, "ok")
		if res.Context != nil {
			st.ec = res.Context
		}
		return false
	}

	outcome := "failed"
	if timedOut {
		outcome = "timeout"
	}
	recordHookDuration(ctx, reg.Event, reg.Name, elapsed, outcome)
	st.report.Failures = append(st.report.Failures, HookFailure{
		Hook: reg.Name, Err: res.Err, TimedOut: timedOut, Critical: reg.Critical,
	})

	halt := reg.Critical || res.Fatal
	evt := log.Warn()
	if halt {
		evt = log.Error()
	}
	evt.Err(res.Err).
		Str("hook", reg.Name).
		Str("event", string(reg.Event)).
		Str("tool", st.ec.ToolName).
		Str("agent", st.ec.AgentName).
		Bool("timed_out", timedOut).
		Bool("halts_chain", halt).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("hook_failed")

	if halt {
		st.ec.Err = res.Err
	}
	return halt
}
