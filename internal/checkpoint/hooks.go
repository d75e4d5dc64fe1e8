package checkpoint

import (
	"context"
	"fmt"

	"github.com/dativo-io/warden/internal/hooks"
)

// Hook names registered by the manager.
const (
	HookSave    = "checkpoint_save"
	HookRestore = "checkpoint_restore"
	HookTrigger = "checkpoint_trigger"
)

// MetaMetrics carries metrics captured into a snapshot.
const MetaMetrics = "metrics"

// Register adds the CHECKPOINT_SAVE and CHECKPOINT_RESTORE handlers, and the
// trigger that checkpoints after tool calls and on critical events.
func (m *Manager) Register(reg *hooks.Registry) error {
	if err := reg.Register(HookSave, hooks.EventCheckpointSave,
		hooks.HandlerFunc(m.saveHook), hooks.WithPriority(50)); err != nil {
		return err
	}
	if err := reg.Register(HookRestore, hooks.EventCheckpointRestore,
		hooks.HandlerFunc(m.restoreHook), hooks.WithPriority(50)); err != nil {
		return err
	}
	if err := reg.Register(HookTrigger, hooks.EventPostToolUse,
		hooks.HandlerFunc(m.triggerHook), hooks.WithPriority(70)); err != nil {
		return err
	}
	for _, ev := range m.cfg.CriticalEvents {
		if ev == hooks.EventCheckpointSave {
			continue
		}
		if err := reg.Register(HookTrigger, ev, hooks.HandlerFunc(m.triggerHook), hooks.WithPriority(70)); err != nil {
			return err
		}
	}
	return nil
}

// snapshotOf captures the context's parameters, artifacts, decisions and metrics.
func snapshotOf(ec *hooks.ExecutionContext) Snapshot {
	s := Snapshot{
		Context: map[string]any{
			"event":      string(ec.Event),
			"agent_name": ec.AgentName,
			"tool_name":  ec.ToolName,
			"parameters": ec.Parameters,
			"timestamp":  ec.Timestamp,
		},
	}
	if ec.Err != nil {
		s.Context["error"] = ec.Err.Error()
	}
	s.Artifacts, _ = ec.Metadata[hooks.MetaArtifacts].(map[string]any)
	switch d := ec.Metadata[hooks.MetaDecisions].(type) {
	case []any:
		s.Decisions = d
	case []string:
		for _, v := range d {
			s.Decisions = append(s.Decisions, v)
		}
	}
	s.Metrics, _ = ec.Metadata[MetaMetrics].(map[string]any)
	return s
}

func (m *Manager) saveHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	cp, err := m.Create(ctx, Request{
		Agent:       ec.AgentName,
		Event:       ec.Event,
		Tool:        ec.ToolName,
		Phase:       ec.MetaString(hooks.MetaPhase),
		Snapshot:    snapshotOf(ec),
		Critical:    true,
		Reason:      "requested",
		Description: ec.Param("description"),
	})
	if err != nil {
		return hooks.Fail(err, true)
	}
	ec.SetMeta(hooks.MetaCheckpointID, cp.ID)
	ec.Result = cp
	return hooks.Continue()
}

func (m *Manager) restoreHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	id := ec.Param(hooks.MetaCheckpointID)
	if id == "" {
		id = ec.MetaString(hooks.MetaCheckpointID)
	}
	if id == "" {
		id = m.Tail(ec.AgentName)
	}
	cp, err := m.Restore(ctx, id)
	if err != nil {
		return hooks.Fail(err, true)
	}
	ec.SetMeta(hooks.MetaCheckpointID, cp.ID)
	ec.Result = cp
	return hooks.Continue()
}

func (m *Manager) triggerHook(ctx context.Context, ec *hooks.ExecutionContext) hooks.Result {
	if ec.MetaString(hooks.MetaCheckpointID) != "" {
		return hooks.Continue()
	}
	phase := ec.MetaString(hooks.MetaPhase)
	ok, critical, reason := m.ShouldCheckpoint(ec.AgentName, ec.Event, ec.ToolName, phase, ec.Parameters)
	if !ok {
		return hooks.Continue()
	}
	snap := snapshotOf(ec)
	if ec.Result != nil {
		snap.Context["result"] = ec.Result
	}
	cp, err := m.Create(ctx, Request{
		Agent:    ec.AgentName,
		Event:    ec.Event,
		Tool:     ec.ToolName,
		Phase:    phase,
		Snapshot: snap,
		Critical: critical,
		Reason:   reason,
	})
	if err != nil {
		return hooks.Fail(err, false)
	}
	ec.SetMeta(hooks.MetaCheckpointID, cp.ID)
	ec.AddAlert(fmt.Sprintf("checkpoint %s created: %s", cp.ID, reason))
	return hooks.Continue()
}
