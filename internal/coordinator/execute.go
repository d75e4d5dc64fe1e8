package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/budget"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/requestctx"
	"github.com/dativo-io/warden/internal/watchdog"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/coordinator")

// Call is one tool invocation requested by an agent.
type Call struct {
	Agent     string         `json:"agent"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"parameters"`
	Phase     string         `json:"phase,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Decisions []any          `json:"decisions,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolFunc performs the tool's actual work.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// Outcome is what a call produced. Alerts, the checkpoint id and the cost
// are reported alongside the result, never instead of it.
type Outcome struct {
	Result     any            `json:"result,omitempty"`
	Blocked    bool           `json:"blocked"`
	Reason     string         `json:"reason,omitempty"`
	Alerts     []string       `json:"alerts,omitempty"`
	Checkpoint string         `json:"checkpoint_id,omitempty"`
	Cached     bool           `json:"cached"`
	Duration   time.Duration  `json:"duration"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func newContext(event hooks.Event, call Call, now time.Time) *hooks.ExecutionContext {
	ec := hooks.NewExecutionContext(event, call.Agent, call.Tool, call.Params)
	ec.Timestamp = now
	for k, v := range call.Metadata {
		ec.SetMeta(k, v)
	}
	if call.Phase != "" {
		ec.SetMeta(hooks.MetaPhase, call.Phase)
	}
	if call.Artifacts != nil {
		ec.SetMeta(hooks.MetaArtifacts, call.Artifacts)
	}
	if call.Decisions != nil {
		ec.SetMeta(hooks.MetaDecisions, call.Decisions)
	}
	return ec
}

func outcomeOf(ec *hooks.ExecutionContext) *Outcome {
	return &Outcome{
		Result:     ec.Result,
		Alerts:     ec.Alerts(),
		Checkpoint: ec.MetaString(hooks.MetaCheckpointID),
		Cached:     ec.MetaBool(hooks.MetaCacheHit),
		Metadata:   ec.Metadata,
	}
}

// Execute runs the pre chain, the tool (unless blocked or served from the
// cache) and the post chain. The returned error is the rejection that
// blocked the call or the tool's own error; the Outcome is always set.
func (c *Coordinator) Execute(ctx context.Context, call Call, tool ToolFunc) (*Outcome, error) {
	if tool == nil {
		return nil, errors.New("execute: tool function is required")
	}
	ctx = requestctx.SetAgent(ctx, call.Agent)
	ctx, span := tracer.Start(ctx, "coordinator.execute",
		trace.WithAttributes(
			attribute.String("agent", call.Agent),
			attribute.String("tool", call.Tool),
		))
	defer span.End()

	if c.watchdog != nil && c.watchdog.Aborted() {
		err := fmt.Errorf("%s blocked: %w", call.Tool, watchdog.ErrMemoryExceeded)
		span.SetStatus(codes.Error, "memory exceeded")
		return &Outcome{Blocked: true, Reason: err.Error()}, err
	}

	defer c.persistLedger(ctx)
	ec, pre := c.reg.Dispatch(ctx, newContext(hooks.EventPreToolUse, call, c.now()))
	if ec.Err != nil {
		out := outcomeOf(ec)
		out.Result = nil
		out.Blocked = true
		out.Reason = ec.Err.Error()
		span.SetAttributes(attribute.String("blocked_by", pre.HaltedBy))
		span.SetStatus(codes.Error, "blocked")
		log.Info().
			Str("agent", call.Agent).
			Str("tool", call.Tool).
			Str("hook", pre.HaltedBy).
			Str("reason", out.Reason).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("tool_call_blocked")
		return out, ec.Err
	}

	start := c.now()
	var toolErr error
	if !ec.MetaBool(hooks.MetaCacheHit) {
		ec.Result, toolErr = tool(ctx, ec.Parameters)
	}
	elapsed := c.now().Sub(start)

	ec.Event = hooks.EventPostToolUse
	ec.Err = toolErr
	ec.SetMeta(hooks.MetaDurationMS, float64(elapsed.Microseconds())/1000.0)
	ec, _ = c.reg.Dispatch(ctx, ec)

	out := outcomeOf(ec)
	out.Duration = elapsed
	if toolErr != nil {
		span.RecordError(toolErr)
		return out, toolErr
	}
	return out, nil
}

// Precheck runs only the pre chain for a tool that will be executed
// elsewhere. Rate windows and dollar reservations are committed as for
// Execute.
func (c *Coordinator) Precheck(ctx context.Context, call Call) (*Outcome, error) {
	ctx = requestctx.SetAgent(ctx, call.Agent)
	if c.watchdog != nil && c.watchdog.Aborted() {
		err := fmt.Errorf("%s blocked: %w", call.Tool, watchdog.ErrMemoryExceeded)
		return &Outcome{Blocked: true, Reason: err.Error()}, err
	}
	defer c.persistLedger(ctx)
	ec, _ := c.reg.Dispatch(ctx, newContext(hooks.EventPreToolUse, call, c.now()))
	out := outcomeOf(ec)
	if ec.Err != nil {
		out.Result = nil
		out.Blocked = true
		out.Reason = ec.Err.Error()
		return out, ec.Err
	}
	return out, nil
}

// Complete runs the post chain for a call whose tool ran elsewhere after a
// Precheck. Metadata from the precheck outcome should be passed back in
// call.Metadata so the correlation id survives.
func (c *Coordinator) Complete(ctx context.Context, call Call, result any, toolErr error, elapsed time.Duration) *Outcome {
	ctx = requestctx.SetAgent(ctx, call.Agent)
	ec := newContext(hooks.EventPostToolUse, call, c.now())
	ec.Result = result
	ec.Err = toolErr
	ec.SetMeta(hooks.MetaDurationMS, float64(elapsed.Microseconds())/1000.0)
	ec, _ = c.reg.Dispatch(ctx, ec)
	c.persistLedger(ctx)
	out := outcomeOf(ec)
	out.Duration = elapsed
	return out
}

// Emit dispatches a lifecycle event (milestone, checkpoint save or restore,
// cost or memory check) and returns the resulting context.
func (c *Coordinator) Emit(ctx context.Context, event hooks.Event, call Call) (*Outcome, error) {
	if event == hooks.EventPreToolUse || event == hooks.EventPostToolUse {
		return nil, fmt.Errorf("emit: %s is dispatched by Execute", event)
	}
	ctx = requestctx.SetAgent(ctx, call.Agent)
	ec, _ := c.reg.Dispatch(ctx, newContext(event, call, c.now()))
	out := outcomeOf(ec)
	if ec.Err != nil {
		out.Reason = ec.Err.Error()
		return out, ec.Err
	}
	return out, nil
}

// Generate runs a generation call through both chains as the "generate"
// tool, so it is priced, budget-checked, reconciled and token-accounted.
func (c *Coordinator) Generate(ctx context.Context, agent string, req *llm.Request) (*llm.Response, *Outcome, error) {
	if c.backend == nil {
		return nil, nil, ErrNoBackend
	}
	if req == nil || req.Prompt == "" {
		return nil, nil, llm.ErrEmptyPrompt
	}
	params := map[string]any{
		"prompt":     req.Prompt,
		"max_tokens": req.MaxTokens,
	}
	if req.System != "" {
		params["system"] = req.System
	}
	if req.Model != "" {
		params["model"] = req.Model
	} else {
		params["tier"] = llm.TierBalanced
	}
	out, err := c.Execute(ctx, Call{Agent: agent, Tool: "generate", Params: params},
		func(ctx context.Context, _ map[string]any) (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, llm.TimeoutGenerate)
			defer cancel()
			return c.backend.Generate(callCtx, req)
		})
	if err != nil {
		return nil, out, err
	}
	resp, err := responseOf(out.Result, out.Cached)
	if err != nil {
		return nil, out, err
	}
	return resp, out, nil
}

// responseOf recovers the generation response from a call result. Results
// served from the cache come back as decoded JSON and are rebuilt.
func responseOf(result any, cached bool) (*llm.Response, error) {
	switch r := result.(type) {
	case *llm.Response:
		if r != nil {
			return r, nil
		}
	case map[string]any:
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("generate: re-encoding cached result: %w", err)
		}
		var resp llm.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("generate: decoding cached result: %w", err)
		}
		resp.Cached = resp.Cached || cached
		return &resp, nil
	}
	return nil, fmt.Errorf("%w: generate returned %T", ErrUnexpectedResult, result)
}

// LLM returns the backend wrapped with ledger accounting, for generation
// calls an agent makes outside of tool use.
func (c *Coordinator) LLM() (llm.Backend, error) {
	if c.backend == nil {
		return nil, ErrNoBackend
	}
	return budget.NewBudgetedBackend(c.backend, c.ledger, budget.PersistTo(c.LedgerPath())), nil
}
