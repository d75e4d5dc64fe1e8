package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/hooks"
	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/checkpoint")

const idTimeLayout = "20060102T150405.000000000"

var unsafeID = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// defaultCriticalEvents always warrant a checkpoint.
var defaultCriticalEvents = []hooks.Event{
	hooks.EventAgentError,
	hooks.EventWorkflowComplete,
	hooks.EventWorkflowError,
	hooks.EventMilestone,
	hooks.EventCheckpointSave,
}

// riskyFlags are boolean parameters that mark a critical decision.
var riskyFlags = []string{"force", "critical", "irreversible", "production"}

// Config controls retention, triggers and storage.
type Config struct {
	Dir               string
	MaxCheckpoints    int
	Interval          time.Duration
	CompressThreshold int
	CriticalPhases    []string
	CriticalTools     []string
	CriticalEvents    []hooks.Event
	Key               *[32]byte
}

// Request describes a checkpoint to create.
type Request struct {
	Agent       string
	Event       hooks.Event
	Tool        string
	Phase       string
	Snapshot    Snapshot
	Critical    bool
	Reason      string
	Description string
}

// Manager creates, restores and prunes checkpoints. It is safe for concurrent use.
type Manager struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	index    map[string]*Checkpoint
	tails    map[string]string
	tailSnap map[string]*Snapshot
	lastAt   map[string]time.Time
	lastTS   time.Time
	started  time.Time
	events   map[hooks.Event]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates the checkpoint directory if needed. Call Load to pick up
// checkpoints persisted by an earlier run.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	if len(cfg.CriticalEvents) == 0 {
		cfg.CriticalEvents = defaultCriticalEvents
	}
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		index:    make(map[string]*Checkpoint),
		tails:    make(map[string]string),
		tailSnap: make(map[string]*Snapshot),
		lastAt:   make(map[string]time.Time),
		events:   make(map[hooks.Event]struct{}, len(cfg.CriticalEvents)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, e := range cfg.CriticalEvents {
		m.events[e] = struct{}{}
	}
	m.started = m.now()
	return m, nil
}

// ShouldCheckpoint decides whether the agent's current step warrants a
// checkpoint. critical is set for everything but the elapsed-time trigger.
func (m *Manager) ShouldCheckpoint(agent string, event hooks.Event, tool, phase string, params map[string]any) (ok, critical bool, reason string) {
	if _, hit := m.events[event]; hit {
		return true, true, "critical event " + string(event)
	}
	for _, t := range m.cfg.CriticalTools {
		if tool != "" && tool == t {
			return true, true, "critical tool " + tool
		}
	}
	lowerPhase := strings.ToLower(phase)
	for _, p := range m.cfg.CriticalPhases {
		if lowerPhase != "" && strings.Contains(lowerPhase, strings.ToLower(p)) {
			return true, true, "critical phase " + phase
		}
	}
	for _, f := range riskyFlags {
		if v, _ := params[f].(bool); v {
			return true, true, "risky parameter " + f
		}
	}
	if m.cfg.Interval > 0 {
		m.mu.Lock()
		last, seen := m.lastAt[agent]
		if !seen {
			last = m.started
		}
		m.mu.Unlock()
		if elapsed := m.now().Sub(last); elapsed >= m.cfg.Interval {
			return true, false, fmt.Sprintf("%s since last checkpoint", elapsed.Truncate(time.Second))
		}
	}
	return false, false, ""
}

// Create captures, persists and indexes a checkpoint, then writes the diff
// against the agent's previous checkpoint when anything changed. Retention is
// enforced before it returns: when every older checkpoint is critical and the
// store is full, the new non-critical checkpoint is itself evicted.
func (m *Manager) Create(ctx context.Context, req Request) (*Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.create",
		trace.WithAttributes(
			attribute.String("agent", req.Agent),
			attribute.String("checkpoint.event", string(req.Event)),
			attribute.Bool("checkpoint.critical", req.Critical),
		))
	defer span.End()

	snap, err := normalize(req.Snapshot)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("capturing snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now().UTC()
	if !ts.After(m.lastTS) {
		ts = m.lastTS.Add(time.Nanosecond)
	}
	cp := &Checkpoint{
		ID:         checkpointID(req.Agent, req.Event, ts),
		Timestamp:  ts,
		Agent:      req.Agent,
		Event:      req.Event,
		Phase:      req.Phase,
		Snapshot:   snap,
		IsCritical: req.Critical,
		ParentID:   m.tails[req.Agent],
		Reason:     req.Reason,
	}
	cp.Description = req.Description
	if cp.Description == "" {
		cp.Description = describe(cp, req.Tool)
	}

	if err := m.persist(cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	parentSnap := m.tailSnap[req.Agent]
	if cp.ParentID != "" {
		if err := m.writeDiff(cp.ParentID, cp.ID, parentSnap, snap); err != nil {
			log.Warn().Err(err).Str("checkpoint_id", cp.ID).Msg("checkpoint_diff_failed")
		}
	}

	m.lastTS = ts
	m.lastAt[req.Agent] = ts
	m.tails[req.Agent] = cp.ID
	m.tailSnap[req.Agent] = snap
	meta := *cp
	meta.Snapshot = nil
	m.index[cp.ID] = &meta
	if _, err := m.pruneLocked(); err != nil {
		log.Warn().Err(err).Str("checkpoint_id", cp.ID).Msg("checkpoint_prune_failed")
	}

	span.SetAttributes(attribute.String("checkpoint.id", cp.ID), attribute.Int64("checkpoint.size_bytes", cp.SizeBytes))
	log.Info().
		Str("checkpoint_id", cp.ID).
		Str("agent", cp.Agent).
		Str("event", string(cp.Event)).
		Str("parent_id", cp.ParentID).
		Bool("critical", cp.IsCritical).
		Int64("size_bytes", cp.SizeBytes).
		Bool("compressed", cp.Compressed).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("checkpoint_created")

	out := *cp
	return &out, nil
}

// persist writes the checkpoint file and records its on-disk size.
func (m *Manager) persist(cp *Checkpoint) error {
	data, suffix, err := encode(cp, m.cfg.CompressThreshold, m.cfg.Key, true)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", cp.ID, err)
	}
	cp.Compressed = strings.Contains(suffix, extGzip)
	cp.Sealed = strings.Contains(suffix, extBox)
	path := filepath.Join(m.cfg.Dir, cp.ID+extJSON+suffix)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", cp.ID, err)
	}
	cp.path = path
	if fi, err := os.Stat(path); err == nil {
		cp.SizeBytes = fi.Size()
	}
	return nil
}

func (m *Manager) writeDiff(parentID, childID string, parent, child *Snapshot) error {
	ch := Compare(parent, child)
	if ch.Empty() {
		return nil
	}
	data, suffix, err := encode(Diff{ParentID: parentID, CurrentID: childID, Changes: ch}, 0, m.cfg.Key, false)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.cfg.Dir, childID+extDiff+suffix), data)
}

// Get returns a checkpoint's metadata without its snapshot.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *cp
	return &out, nil
}

// Restore reads a checkpoint back from disk, compressed or not.
func (m *Manager) Restore(ctx context.Context, id string) (*Checkpoint, error) {
	_, span := tracer.Start(ctx, "checkpoint.restore", trace.WithAttributes(attribute.String("checkpoint.id", id)))
	defer span.End()

	m.mu.Lock()
	meta, ok := m.index[id]
	var path string
	if ok {
		path = meta.path
	}
	m.mu.Unlock()
	if !ok {
		span.SetStatus(codes.Error, "not found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp, err := m.readFile(path)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if cp.Snapshot == nil {
		cp.Snapshot = &Snapshot{}
	}
	cp.SizeBytes = meta.SizeBytes
	return cp, nil
}

func (m *Manager) readFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := decode(path, data, m.cfg.Key, &cp); err != nil {
		return nil, err
	}
	if cp.ID == "" {
		return nil, fmt.Errorf("%w: %s has no id", ErrCorrupted, filepath.Base(path))
	}
	cp.path = path
	return &cp, nil
}

// Diff reads the diff written for id. It returns ErrNotFound when id has no
// parent or nothing changed.
func (m *Manager) Diff(id string) (*Diff, error) {
	for _, p := range diffPaths(m.cfg.Dir, id) {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading diff: %w", err)
		}
		var d Diff
		if err := decode(p, data, m.cfg.Key, &d); err != nil {
			return nil, err
		}
		return &d, nil
	}
	return nil, fmt.Errorf("%w: no diff for %s", ErrNotFound, id)
}

// List returns checkpoint metadata, oldest first. An empty agent lists all.
func (m *Manager) List(agent string) []Checkpoint {
	m.mu.Lock()
	out := make([]Checkpoint, 0, len(m.index))
	for _, cp := range m.index {
		if agent == "" || cp.Agent == agent {
			out = append(out, *cp)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Lineage walks parent links from id back to the root, newest first. The
// walk stops at a parent that has been pruned.
func (m *Manager) Lineage(id string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var chain []Checkpoint
	seen := make(map[string]bool)
	for cp != nil && !seen[cp.ID] {
		seen[cp.ID] = true
		chain = append(chain, *cp)
		cp = m.index[cp.ParentID]
	}
	return chain, nil
}

// Tail returns the id of the agent's latest checkpoint.
func (m *Manager) Tail(agent string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tails[agent]
}

func checkpointID(agent string, event hooks.Event, ts time.Time) string {
	a := unsafeID.ReplaceAllString(agent, "-")
	if a == "" {
		a = "agent"
	}
	return fmt.Sprintf("cp_%s_%s_%s", a, event, ts.Format(idTimeLayout))
}

func describe(cp *Checkpoint, tool string) string {
	var b strings.Builder
	if cp.IsCritical {
		b.WriteString("Critical checkpoint")
	} else {
		b.WriteString("Checkpoint")
	}
	fmt.Fprintf(&b, " for %s on %s", cp.Agent, cp.Event)
	if cp.Phase != "" {
		fmt.Fprintf(&b, " in phase %s", cp.Phase)
	}
	if tool != "" {
		fmt.Fprintf(&b, " after %s", tool)
	}
	if cp.Reason != "" {
		fmt.Fprintf(&b, " (%s)", cp.Reason)
	}
	if cp.Snapshot != nil {
		fmt.Fprintf(&b, ": %d artifacts, %d decisions", len(cp.Snapshot.Artifacts), len(cp.Snapshot.Decisions))
	}
	return b.String()
}
