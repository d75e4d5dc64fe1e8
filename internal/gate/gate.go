// Package gate implements the pre-execution hooks that decide whether a tool
// call may run: security denylists, policy access rules, rate limits,
// parameter validation, cost estimation and the dollar-budget check. Passing
// calls are enriched with a correlation id and a duration prediction.
package gate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/budget"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/policy"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/gate")

// Hook names and priorities, in chain order.
const (
	HookSecurity    = "security_validation"
	HookPolicy      = "policy_tool_access"
	HookRateLimit   = "rate_limit"
	HookParameters  = "parameter_validation"
	HookCost        = "cost_estimation"
	HookBudget      = "budget_check"
	HookEnrichment  = "parameter_enrichment"
	HookPerformance = "performance_prediction"
)

// MetaAlternatives carries cheaper options attached to high-cost calls.
const MetaAlternatives = "alternatives"

// Gate owns the pre-execution state shared across chains.
type Gate struct {
	security  *Security
	validator *Validator
	limiter   *RateLimiter
	engine    *policy.Engine
	ledger    *budget.Ledger
	prices    *llm.PriceTable
	highCost  float64
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithEngine enables the OPA tool-access hook.
func WithEngine(e *policy.Engine) Option {
	return func(g *Gate) { g.engine = e }
}

// WithLedger enables the dollar-budget check and alternative suggestions.
func WithLedger(l *budget.Ledger) Option {
	return func(g *Gate) { g.ledger = l }
}

// WithClock overrides the time source for rate windows and enrichment.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
		g.limiter.now = now
	}
}

// New builds a gate from the policy.
func New(pol *policy.Policy, opts ...Option) *Gate {
	rl := pol.RateLimits
	g := &Gate{
		security: NewSecurity(pol.Security.SensitivePaths, pol.Security.DangerousCommands, pol.Security.CredentialKeys),
		validator: &Validator{
			MaxWriteBytes:    pol.Security.MaxWriteBytes,
			CommandTimeout:   pol.Security.CommandTimeout,
			AllowPrivateURLs: pol.Security.AllowPrivateURLs,
		},
		limiter:  NewRateLimiter(rl.Window, rl.Default, rl.PerTool, rl.GlobalPerSecond, rl.GlobalBurst),
		highCost: pol.Budgets.HighCostThreshold,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.ledger != nil {
		g.prices = g.ledger.Prices()
	}
	if g.prices == nil {
		g.prices = llm.NewPriceTable(pol.Prices)
	}
	return g
}

// RateLimiter exposes the limiter for reporting.
func (g *Gate) RateLimiter() *RateLimiter { return g.limiter }

// Register adds the gate's hooks to the PRE_TOOL_USE chain. Rejecting hooks
// are critical so a rejection halts the chain.
func (g *Gate) Register(reg *hooks.Registry) error {
	type entry struct {
		name     string
		fn       hooks.HandlerFunc
		priority int
		critical bool
	}
	entries := []entry{
		{HookSecurity, g.securityHook, 10, true},
		{HookRateLimit, g.rateLimitHook, 20, true},
		{HookParameters, g.parameterHook, 30, true},
		{HookCost, g.costHook, 40, false},
		{HookEnrichment, g.enrichHook, 50, false},
		{HookPerformance, g.predictHook, 60, false},
	}
	if g.engine != nil {
		entries = append(entries, entry{HookPolicy, g.policyHook, 15, true})
	}
	if g.ledger != nil {
		entries = append(entries, entry{HookBudget, g.budgetHook, 45, true})
	}
	for _, e := range entries {
		opts := []hooks.Option{hooks.WithPriority(e.priority)}
		if e.critical {
			opts = append(opts, hooks.Critical())
		}
		if err := reg.Register(e.name, hooks.EventPreToolUse, e.fn, opts...); err != nil {
			return err
		}
	}
	return nil
}

// fail logs a rejection for audit and returns the failed result.
func fail(ctx context.Context, ec *hooks.ExecutionContext, r *Rejection) hooks.Result {
	log.Warn().
		Str("hook", r.Hook).
		Str("tool", ec.ToolName).
		Str("agent", ec.AgentName).
		Str("kind", string(r.Kind)).
		Str("reason", r.Reason).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("tool_call_rejected")
	return hooks.Fail(r, false)
}

func (g *Gate) securityHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if reason, hit := g.security.check(ec.Parameters); hit {
		return fail(ctx, ec, reject(KindSecurity, HookSecurity, "%s", reason))
	}
	return hooks.Continue()
}

func (g *Gate) policyHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	d, err := g.engine.EvaluateToolAccess(ctx, ec.AgentName, ec.ToolName, ec.Parameters)
	if err != nil {
		return hooks.Fail(err, false)
	}
	if !d.Allowed {
		reason := "denied by policy"
		if len(d.Reasons) > 0 {
			reason = d.Reasons[0]
		}
		return fail(ctx, ec, reject(KindPolicy, HookPolicy, "%s", reason))
	}
	return hooks.Continue()
}

func (g *Gate) rateLimitHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	ok, retryAfter := g.limiter.Allow(ec.ToolName)
	if ok {
		return hooks.Continue()
	}
	r := reject(KindRateLimit, HookRateLimit, "%s exceeded %d calls per %s", ec.ToolName, g.limiter.Limit(ec.ToolName), g.limiter.window)
	r.Retryable = true
	r.RetryAfter = retryAfter
	return fail(ctx, ec, r)
}

func (g *Gate) parameterHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if reason := g.validator.Validate(ec.ToolName, ec.Parameters); reason != "" {
		return fail(ctx, ec, reject(KindValidation, HookParameters, "%s", reason))
	}
	return hooks.Continue()
}

func (g *Gate) budgetHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	cost, ok := ec.MetaFloat(hooks.MetaEstimatedCost)
	if !ok || cost <= 0 {
		return hooks.Continue()
	}
	receipt, err := g.ledger.TrackDollarCost(ctx, cost, ec.ToolName, ec.AgentName)
	if err != nil {
		r := reject(KindBudget, HookBudget, "%v", err)
		r.Retryable = true
		r.cause = err
		return fail(ctx, ec, r)
	}
	ec.SetMeta(hooks.MetaCostReceipt, receipt)
	for _, a := range receipt.Alerts {
		ec.AddAlert(a.String())
	}
	return hooks.Continue()
}
