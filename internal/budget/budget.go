// Package budget is the combined token and dollar accounting ledger.
//
// Token ceilings are advisory: crossing a threshold returns an action and
// fires callbacks but never blocks. Dollar ceilings are hard: a cost that
// would push the hourly, daily or monthly bucket over its limit is refused.
package budget

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned when a dollar ceiling would be crossed.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ExceededError names the period whose ceiling blocked a cost.
type ExceededError struct {
	Period    string
	Limit     float64
	Current   float64
	Projected float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: projected %.4f over limit %.4f (spent %.4f)",
		e.Period, e.Projected, e.Limit, e.Current)
}

// Unwrap lets errors.Is match ErrBudgetExceeded.
func (e *ExceededError) Unwrap() error { return ErrBudgetExceeded }

// State is a token counter's position relative to its ceiling.
type State string

const (
	StateNormal     State = "normal"
	StateWarning    State = "warning"
	StateCheckpoint State = "checkpoint"
	StateExceeded   State = "exceeded"
)

// Action is the advisory returned with every token update.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionWarn       Action = "warn"
	ActionCheckpoint Action = "checkpoint"
	ActionSplitTask  Action = "split_task"
)

// Utilization thresholds.
const (
	WarningRatio    = 0.8
	CheckpointRatio = 0.9
	CriticalRatio   = 0.95
)

func stateFor(util float64) State {
	switch {
	case util >= 1.0:
		return StateExceeded
	case util >= CheckpointRatio:
		return StateCheckpoint
	case util >= WarningRatio:
		return StateWarning
	default:
		return StateNormal
	}
}

func (s State) action() Action {
	switch s {
	case StateWarning:
		return ActionWarn
	case StateCheckpoint:
		return ActionCheckpoint
	case StateExceeded:
		return ActionSplitTask
	default:
		return ActionContinue
	}
}

func (a Action) severity() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionCheckpoint:
		return 2
	case ActionSplitTask:
		return 3
	default:
		return 0
	}
}

// Limits holds the ceilings. Zero disables a ceiling.
type Limits struct {
	AgentTokens  int64
	GlobalTokens int64
	Hourly       float64
	Daily        float64
	Monthly      float64
}
