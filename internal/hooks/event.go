// Package hooks implements the dispatch runtime that coordinates every tool
// invocation an agent makes.
//
// Hooks are named, prioritized handlers bound to one Event. For each dispatch
// the Registry selects the event's chain, skips disabled hooks and hooks whose
// Filter rejects the ExecutionContext, and runs the remainder strictly in
// (priority, registration order) under a per-hook timeout. A failing hook is
// non-fatal unless it was registered as critical, in which case the context
// error is set and the rest of the chain is skipped.
package hooks

import "fmt"

// Event identifies the lifecycle point a hook fires at.
type Event string

const (
	EventPreToolUse        Event = "pre_tool_use"
	EventPostToolUse       Event = "post_tool_use"
	EventAgentStart        Event = "agent_start"
	EventAgentComplete     Event = "agent_complete"
	EventAgentError        Event = "agent_error"
	EventCheckpointSave    Event = "checkpoint_save"
	EventCheckpointRestore Event = "checkpoint_restore"
	EventWorkflowStart     Event = "workflow_start"
	EventWorkflowComplete  Event = "workflow_complete"
	EventWorkflowError     Event = "workflow_error"
	EventMemoryCheck       Event = "memory_check"
	EventPerformanceCheck  Event = "performance_check"
	EventCostCheck         Event = "cost_check"
	EventProgressUpdate    Event = "progress_update"
	EventMilestone         Event = "milestone"
)

var allEvents = []Event{
	EventPreToolUse,
	EventPostToolUse,
	EventAgentStart,
	EventAgentComplete,
	EventAgentError,
	EventCheckpointSave,
	EventCheckpointRestore,
	EventWorkflowStart,
	EventWorkflowComplete,
	EventWorkflowError,
	EventMemoryCheck,
	EventPerformanceCheck,
	EventCostCheck,
	EventProgressUpdate,
	EventMilestone,
}

// AllEvents returns every known event kind.
func AllEvents() []Event {
	out := make([]Event, len(allEvents))
	copy(out, allEvents)
	return out
}

// ParseEvent converts a configuration string to an Event.
func ParseEvent(s string) (Event, error) {
	for _, e := range allEvents {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown hook event %q", s)
}
