// Package requestctx carries call-scoped identity (agent name, correlation id, API caller)
// through context.Context for code paths that do not see an ExecutionContext.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	agentKey       = &contextKey{"agent"}
	correlationKey = &contextKey{"correlation_id"}
	callerKey      = &contextKey{"caller"}
)

// SetAgent stores the calling agent's name in the context.
func SetAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// Agent returns the agent name from context, or "" if not set.
func Agent(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// SetCorrelationID stores a correlation id in the context.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id from context, or "" if not set.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey).(string)
	return v
}

// SetCaller stores the authenticated API caller in the context.
func SetCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the API caller from context, or "" if not set.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}
