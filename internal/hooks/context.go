package hooks

import (
	"fmt"
	"time"
)

// Well-known metadata keys shared between the gate, the outcome processor
// and the coordinator.
const (
	MetaCorrelationID     = "correlation_id"
	MetaEstimatedCost     = "estimated_cost"
	MetaEstimatedUnits    = "estimated_units"
	MetaHighCost          = "high_cost"
	MetaCostReceipt       = "cost_receipt"
	MetaActualCost        = "actual_cost"
	MetaPredictedDuration = "predicted_duration_ms"
	MetaDurationMS        = "duration_ms"
	MetaCacheHit          = "cache_hit"
	MetaSkipCache         = "skip_cache"
	MetaResultValid       = "result_valid"
	MetaValidationError   = "validation_error"
	MetaRecovery          = "recovery_suggestions"
	MetaSanitized         = "sanitized"
	MetaAnomaly           = "performance_anomaly"
	MetaAnomalyReason     = "anomaly_reason"
	MetaPhase             = "phase"
	MetaArtifacts         = "artifacts"
	MetaDecisions         = "decisions"
	MetaCheckpointID      = "checkpoint_id"
	MetaAlerts            = "alerts"
	MetaBackupPath        = "backup_path"
)

// ExecutionContext is the mutable record that flows through one dispatch.
// It is owned by exactly one chain at a time; hooks in the same chain run
// sequentially and may mutate it in place or return a replacement.
type ExecutionContext struct {
	Event      Event
	AgentName  string
	ToolName   string
	Parameters map[string]any
	Result     any
	Err        error
	Metadata   map[string]any
	Timestamp  time.Time
}

// NewExecutionContext creates a context for one event with non-nil maps.
func NewExecutionContext(event Event, agent, tool string, params map[string]any) *ExecutionContext {
	if params == nil {
		params = make(map[string]any)
	}
	return &ExecutionContext{
		Event:      event,
		AgentName:  agent,
		ToolName:   tool,
		Parameters: params,
		Metadata:   make(map[string]any),
		Timestamp:  time.Now(),
	}
}

// Param returns a parameter rendered as a string, or "" when absent.
func (ec *ExecutionContext) Param(key string) string {
	v, ok := ec.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// SetMeta stores a metadata value, allocating the map if needed.
func (ec *ExecutionContext) SetMeta(key string, value any) {
	if ec.Metadata == nil {
		ec.Metadata = make(map[string]any)
	}
	ec.Metadata[key] = value
}

// MetaString returns a metadata value as a string, or "".
func (ec *ExecutionContext) MetaString(key string) string {
	v, ok := ec.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// MetaFloat returns a numeric metadata value.
func (ec *ExecutionContext) MetaFloat(key string) (float64, bool) {
	return toFloat(ec.Metadata[key])
}

// MetaBool returns a boolean metadata value, false when absent.
func (ec *ExecutionContext) MetaBool(key string) bool {
	b, _ := ec.Metadata[key].(bool)
	return b
}

// AddAlert appends a human-readable alert reported alongside the normal result.
func (ec *ExecutionContext) AddAlert(msg string) {
	alerts, _ := ec.Metadata[MetaAlerts].([]string)
	ec.SetMeta(MetaAlerts, append(alerts, msg))
}

// Alerts returns the alerts collected so far.
func (ec *ExecutionContext) Alerts() []string {
	alerts, _ := ec.Metadata[MetaAlerts].([]string)
	return alerts
}

// Clone returns a copy whose Parameters and Metadata maps, and alert list,
// are independent of ec. Nested values are shared.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	cp := *ec
	cp.Parameters = copyMap(ec.Parameters)
	cp.Metadata = copyMap(ec.Metadata)
	if alerts, ok := ec.Metadata[MetaAlerts].([]string); ok {
		cp.Metadata[MetaAlerts] = append([]string(nil), alerts...)
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
