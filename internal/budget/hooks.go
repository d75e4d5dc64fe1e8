package budget

import (
	"context"
	"fmt"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/internal/toolkind"
)

// Hook names registered by the ledger.
const (
	HookCostReconciliation = "cost_reconciliation"
	HookTokenTracking      = "token_tracking"
	HookBudgetStatus       = "budget_status"
)

// MetaBudgetAction carries the token advisory set by token_tracking.
const MetaBudgetAction = "budget_action"

// Register adds the ledger's own hooks: post-execution cost reconciliation
// and token accounting, and the COST_CHECK status report.
func (l *Ledger) Register(reg *hooks.Registry) error {
	if err := reg.Register(HookCostReconciliation, hooks.EventPostToolUse,
		hooks.HandlerFunc(l.reconcileHook), hooks.WithPriority(35)); err != nil {
		return err
	}
	if err := reg.Register(HookTokenTracking, hooks.EventPostToolUse,
		hooks.HandlerFunc(l.tokenHook), hooks.WithPriority(36)); err != nil {
		return err
	}
	return reg.Register(HookBudgetStatus, hooks.EventCostCheck,
		hooks.HandlerFunc(l.statusHook), hooks.WithPriority(10))
}

// reconcileHook replaces the pre-execution estimate with the actual cost when
// the tool or the generation response reports one. A call that failed or was
// served from the cache settles to zero unless an actual cost was reported.
func (l *Ledger) reconcileHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	receipt, ok := ec.Metadata[hooks.MetaCostReceipt].(*Receipt)
	if !ok {
		return hooks.Continue()
	}
	actual, found := ec.MetaFloat(hooks.MetaActualCost)
	if !found && (ec.Err != nil || ec.MetaBool(hooks.MetaCacheHit)) {
		actual, found = 0, true
	}
	if !found {
		if resp, isResp := ec.Result.(*llm.Response); isResp && resp != nil {
			actual, found = resp.Cost, true
			if actual == 0 && !resp.Cached {
				actual = l.prices.EstimateCost(tierOf(ec), resp.Usage.InputUnits, resp.Usage.OutputUnits)
			}
		}
	}
	if !found {
		return hooks.Continue()
	}
	l.Reconcile(ctx, receipt, actual)
	return hooks.Continue()
}

// tokenHook accounts usage reported by generation tools.
func (l *Ledger) tokenHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if toolkind.Classify(ec.ToolName) != toolkind.Generate || ec.MetaBool(hooks.MetaCacheHit) {
		return hooks.Continue()
	}
	usage, ok := usageOf(ec.Result)
	if !ok {
		return hooks.Continue()
	}
	report, err := l.TrackTokenUsage(ctx, ec.AgentName, usage.InputUnits, usage.OutputUnits, tierOf(ec))
	if err != nil {
		return hooks.Fail(err, false)
	}
	ec.SetMeta(MetaBudgetAction, string(report.Action))
	switch report.Action {
	case ActionWarn:
		ec.AddAlert(fmt.Sprintf("token budget for %s at %.0f%%", ec.AgentName, report.Utilization*100))
	case ActionCheckpoint:
		ec.AddAlert(fmt.Sprintf("token budget for %s at %.0f%%: checkpoint triggered", ec.AgentName, report.Utilization*100))
	case ActionSplitTask:
		ec.AddAlert(fmt.Sprintf("token budget for %s exhausted: split the task; counters reset", ec.AgentName))
	}
	return hooks.Continue()
}

func tierOf(ec *hooks.ExecutionContext) string {
	if tier := ec.Param("tier"); tier != "" {
		return tier
	}
	if model := ec.Param("model"); model != "" {
		return model
	}
	return llm.TierBalanced
}

func usageOf(result any) (llm.Usage, bool) {
	switch r := result.(type) {
	case *llm.Response:
		if r == nil {
			return llm.Usage{}, false
		}
		return r.Usage, true
	case map[string]any:
		u, ok := r["usage"].(map[string]any)
		if !ok {
			return llm.Usage{}, false
		}
		in, okIn := toInt(u["input_units"])
		out, okOut := toInt(u["output_units"])
		return llm.Usage{InputUnits: in, OutputUnits: out}, okIn || okOut
	}
	return llm.Usage{}, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// statusHook attaches the usage summary and raises alerts for periods at or
// above the warning ratio.
func (l *Ledger) statusHook(_ context.Context, ec *hooks.ExecutionContext) hooks.Result {
	s := l.Summary()
	ec.SetMeta("budget_summary", s)
	for _, p := range []struct {
		name string
		u    PeriodUsage
	}{{"hourly", s.Hour}, {"daily", s.Day}, {"monthly", s.Month}} {
		if p.u.Utilization >= WarningRatio {
			level := AlertWarning
			if p.u.Utilization >= CriticalRatio {
				level = AlertCritical
			}
			ec.AddAlert(Alert{Level: level, Period: p.name, Utilization: p.u.Utilization, Spent: p.u.Spent, Limit: p.u.Limit}.String())
		}
	}
	return hooks.Continue()
}
