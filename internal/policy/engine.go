package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	toolAccessFile  = "rego/tool_access.rego"
	toolAccessQuery = "data.warden.tool_access.deny"
)

// Decision represents the result of policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"` // "allow" or "deny"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Engine evaluates tool-access rules using embedded OPA.
type Engine struct {
	policy     *Policy
	toolAccess rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the Rego policy precompiled.
// The Policy is serialized to JSON and loaded as OPA data under "policy".
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	data, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	content, err := embeddedPolicies.ReadFile(toolAccessFile)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", toolAccessFile, err)
	}
	r := rego.New(
		rego.Query(toolAccessQuery),
		rego.Module(toolAccessFile, string(content)),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"policy": data})),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("preparing Rego policy %s: %w", toolAccessFile, err)
	}
	return &Engine{policy: pol, toolAccess: prepared}, nil
}

// EvaluateToolAccess checks whether agent may call tool with params.
func (e *Engine) EvaluateToolAccess(ctx context.Context, agent, tool string, params map[string]any) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_tool_access",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("agent", agent),
		))
	defer span.End()

	if params == nil {
		params = map[string]any{}
	}
	input := map[string]interface{}{
		"agent_name": agent,
		"tool_name":  tool,
		"params":     params,
	}
	reasons, err := evaluateDenyReasons(ctx, e.toolAccess, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	decision := &Decision{
		Allowed:       len(reasons) == 0,
		Action:        "allow",
		Reasons:       reasons,
		PolicyVersion: e.policy.VersionTag,
	}
	if !decision.Allowed {
		decision.Action = "deny"
	}
	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(reasons)),
	)
	return decision, nil
}

// evaluateDenyReasons runs a prepared query that yields a set of deny strings.
func evaluateDenyReasons(ctx context.Context, pq rego.PreparedEvalQuery, input map[string]interface{}) ([]string, error) {
	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating tool access: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// OPA returns a set of strings as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

// policyToData converts a Policy struct to map[string]interface{} for OPA.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}
	return data, nil
}
