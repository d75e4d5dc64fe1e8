// Package checkpoint persists recoverable state snapshots for agents. Each
// agent has a lineage: every checkpoint points at the agent's previous one
// and carries a strictly later timestamp. Snapshots are written as JSON,
// gzip-compressed above a size threshold and optionally sealed with
// secretbox. A companion diff file records what changed since the parent.
package checkpoint

import (
	"errors"
	"reflect"
	"sort"
	"time"

	"github.com/dativo-io/warden/internal/hooks"
)

var (
	// ErrNotFound is returned for unknown checkpoint ids.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupted is returned when a checkpoint file cannot be decoded.
	ErrCorrupted = errors.New("checkpoint corrupted")
)

// Snapshot is the captured state.
type Snapshot struct {
	Context   map[string]any `json:"context,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Decisions []any          `json:"decisions,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// Checkpoint is one persisted snapshot and its lineage metadata.
type Checkpoint struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Agent       string      `json:"agent"`
	Event       hooks.Event `json:"event"`
	Phase       string      `json:"phase,omitempty"`
	Snapshot    *Snapshot   `json:"snapshot,omitempty"`
	IsCritical  bool        `json:"is_critical"`
	ParentID    string      `json:"parent_id,omitempty"`
	Description string      `json:"description"`
	Reason      string      `json:"reason,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	Compressed  bool        `json:"compressed"`
	Sealed      bool        `json:"sealed"`

	path string
}

// Change is an artifact's before and after value.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Changes is the difference between a checkpoint and its parent.
type Changes struct {
	Added        map[string]any    `json:"added,omitempty"`
	Modified     map[string]Change `json:"modified,omitempty"`
	Removed      []string          `json:"removed,omitempty"`
	NewDecisions []any             `json:"new_decisions,omitempty"`
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0 && len(c.NewDecisions) == 0
}

// Flatten renders the changes as one map keyed "added_<k>", "modified_<k>"
// and "removed_<k>", plus "new_decisions".
func (c Changes) Flatten() map[string]any {
	out := make(map[string]any, len(c.Added)+len(c.Modified)+len(c.Removed)+1)
	for k, v := range c.Added {
		out["added_"+k] = v
	}
	for k, ch := range c.Modified {
		out["modified_"+k] = map[string]any{"old": ch.Old, "new": ch.New}
	}
	for _, k := range c.Removed {
		out["removed_"+k] = true
	}
	if len(c.NewDecisions) > 0 {
		out["new_decisions"] = c.NewDecisions
	}
	return out
}

// Diff is the companion record written next to a checkpoint with a parent.
type Diff struct {
	ParentID  string  `json:"parent_id"`
	CurrentID string  `json:"current_id"`
	Changes   Changes `json:"changes"`
}

// Compare computes the changes from parent to child. Decisions are treated
// as append-only: the suffix past the parent's length is new.
func Compare(parent, child *Snapshot) Changes {
	var ch Changes
	var pa, ca map[string]any
	var pd, cd []any
	if parent != nil {
		pa, pd = parent.Artifacts, parent.Decisions
	}
	if child != nil {
		ca, cd = child.Artifacts, child.Decisions
	}
	for k, v := range ca {
		old, ok := pa[k]
		switch {
		case !ok:
			if ch.Added == nil {
				ch.Added = make(map[string]any)
			}
			ch.Added[k] = v
		case !reflect.DeepEqual(old, v):
			if ch.Modified == nil {
				ch.Modified = make(map[string]Change)
			}
			ch.Modified[k] = Change{Old: old, New: v}
		}
	}
	for k := range pa {
		if _, ok := ca[k]; !ok {
			ch.Removed = append(ch.Removed, k)
		}
	}
	sort.Strings(ch.Removed)
	if len(cd) > len(pd) {
		ch.NewDecisions = append([]any(nil), cd[len(pd):]...)
	}
	return ch
}
