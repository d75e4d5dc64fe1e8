package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/budget")

const maxTriggers = 100

// Token counters a report or trigger can refer to.
const (
	CounterAgent  = "agent"
	CounterGlobal = "global"
)

// TokenUsage is one counter's accumulated usage since its last reset.
type TokenUsage struct {
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	Cost        float64 `json:"cost"`
	Calls       int64   `json:"calls"`
	State       State   `json:"state"`
}

// Total returns input plus output units.
func (u TokenUsage) Total() int64 { return u.InputUnits + u.OutputUnits }

// TokenReport is returned by TrackTokenUsage.
type TokenReport struct {
	Agent             string  `json:"agent"`
	Tier              string  `json:"tier"`
	Cost              float64 `json:"cost"`
	Total             int64   `json:"total"`
	Utilization       float64 `json:"utilization"`
	GlobalUtilization float64 `json:"global_utilization"`
	State             State   `json:"state"`
	Action            Action  `json:"action"`
	Reset             bool    `json:"reset"`
	// Counter names the counter a callback fired for.
	Counter string `json:"counter,omitempty"`
}

// Trigger records a checkpoint or task split caused by token thresholds.
// Agent is the agent whose call crossed the threshold; Global is set when the
// crossing counter was the global one.
type Trigger struct {
	Agent       string    `json:"agent"`
	Global      bool      `json:"global,omitempty"`
	Utilization float64   `json:"utilization"`
	Tokens      int64     `json:"tokens"`
	At          time.Time `json:"at"`
}

// Ledger tracks token usage and dollar spend. It is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	prices *llm.PriceTable
	now    func() time.Time

	tokens map[string]*TokenUsage
	global TokenUsage

	total    float64
	hourly   map[string]float64
	daily    map[string]float64
	monthly  map[string]float64
	byTool   map[string]float64
	byAgent  map[string]float64
	lastHour string

	checkpoints []Trigger
	splits      []Trigger
	receipts    uint64

	// version counts commits; saved is the version last written to disk.
	version uint64
	saved   uint64
	saveMu  sync.Mutex

	onCheckpoint func(ctx context.Context, agent string, r TokenReport)
	onSplit      func(ctx context.Context, agent string, r TokenReport)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source used for bucket keys.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// OnCheckpoint registers a callback fired when a counter enters the checkpoint state.
func OnCheckpoint(fn func(ctx context.Context, agent string, r TokenReport)) Option {
	return func(l *Ledger) { l.onCheckpoint = fn }
}

// OnSplit registers a callback fired when a counter is exceeded and reset.
func OnSplit(fn func(ctx context.Context, agent string, r TokenReport)) Option {
	return func(l *Ledger) { l.onSplit = fn }
}

// New creates a ledger. prices may be nil, in which case the built-in table is used.
func New(limits Limits, prices *llm.PriceTable, opts ...Option) *Ledger {
	if prices == nil {
		prices = llm.NewPriceTable(nil)
	}
	l := &Ledger{
		limits:  limits,
		prices:  prices,
		now:     time.Now,
		tokens:  make(map[string]*TokenUsage),
		global:  TokenUsage{State: StateNormal},
		hourly:  make(map[string]float64),
		daily:   make(map[string]float64),
		monthly: make(map[string]float64),
		byTool:  make(map[string]float64),
		byAgent: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured ceilings.
func (l *Ledger) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Prices returns the price table the ledger costs tiers with.
func (l *Ledger) Prices() *llm.PriceTable { return l.prices }

// TrackTokenUsage accumulates units for agent and the global counter, costs
// them at the tier's rates, and returns the utilization and advisory action.
// Entering the checkpoint state fires OnCheckpoint once; reaching the ceiling
// fires OnSplit and resets that counter to zero. Callbacks always receive the
// calling agent; the report's Counter says which counter crossed.
func (l *Ledger) TrackTokenUsage(ctx context.Context, agent string, inUnits, outUnits int, tier string) (TokenReport, error) {
	ctx, span := tracer.Start(ctx, "budget.track_tokens",
		trace.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("tier", tier),
			attribute.Int("input_units", inUnits),
			attribute.Int("output_units", outUnits),
		))
	defer span.End()

	if inUnits < 0 || outUnits < 0 {
		return TokenReport{}, fmt.Errorf("tracking tokens for %s: negative unit count", agent)
	}
	price, err := l.prices.TierPrice(tier)
	if err != nil {
		// A concrete model identifier is accepted in place of a tier.
		p, found := l.prices.Lookup(tier)
		if !found {
			return TokenReport{}, fmt.Errorf("tracking tokens for %s: %w", agent, err)
		}
		price = p
	}
	cost := price.Cost(inUnits, outUnits)

	l.mu.Lock()
	report := TokenReport{Agent: agent, Tier: tier, Cost: cost}
	u, ok := l.tokens[agent]
	if !ok {
		u = &TokenUsage{State: StateNormal}
		l.tokens[agent] = u
	}
	agentFired := l.advance(u, CounterAgent, agent, inUnits, outUnits, cost, l.limits.AgentTokens, &report.Utilization)
	report.Total = agentFired.total

	var globalUtil float64
	globalFired := l.advance(&l.global, CounterGlobal, agent, inUnits, outUnits, cost, l.limits.GlobalTokens, &globalUtil)
	report.GlobalUtilization = globalUtil
	l.version++

	report.State = agentFired.state
	report.Action = agentFired.state.action()
	if g := globalFired.state.action(); g.severity() > report.Action.severity() {
		report.Action = g
		report.State = globalFired.state
	}
	report.Reset = agentFired.reset || globalFired.reset
	onCheckpoint, onSplit := l.onCheckpoint, l.onSplit
	l.mu.Unlock()

	span.SetAttributes(
		attribute.Float64("utilization", report.Utilization),
		attribute.String("action", string(report.Action)),
	)

	evt := log.Debug()
	if report.Action != ActionContinue {
		evt = log.Warn()
	}
	evt.Str("agent", agent).
		Str("tier", tier).
		Int64("tokens", report.Total).
		Float64("utilization", report.Utilization).
		Str("action", string(report.Action)).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("token_usage_tracked")

	checkpointed := false
	for _, fired := range []transition{agentFired, globalFired} {
		scoped := report
		scoped.Counter = fired.counter
		// One checkpoint per call even when both counters enter the band.
		if fired.enteredCheckpoint && onCheckpoint != nil && !checkpointed {
			onCheckpoint(ctx, agent, scoped)
			checkpointed = true
		}
		if fired.reset && onSplit != nil {
			onSplit(ctx, agent, scoped)
		}
	}
	return report, nil
}

type transition struct {
	counter           string
	state             State
	total             int64
	enteredCheckpoint bool
	reset             bool
}

// advance updates one counter; callers hold l.mu.
func (l *Ledger) advance(u *TokenUsage, counter, agent string, in, out int, cost float64, limit int64, util *float64) transition {
	u.InputUnits += int64(in)
	u.OutputUnits += int64(out)
	u.Cost += cost
	u.Calls++

	tr := transition{counter: counter, state: StateNormal, total: u.Total()}
	global := counter == CounterGlobal
	if limit <= 0 {
		return tr
	}
	*util = float64(u.Total()) / float64(limit)
	prev := u.State
	next := stateFor(*util)
	tr.state = next

	switch next {
	case StateExceeded:
		l.splits = appendTrigger(l.splits, Trigger{Agent: agent, Global: global, Utilization: *util, Tokens: u.Total(), At: l.now()})
		*u = TokenUsage{State: StateNormal}
		tr.reset = true
	case StateCheckpoint:
		u.State = next
		if prev != StateCheckpoint {
			l.checkpoints = appendTrigger(l.checkpoints, Trigger{Agent: agent, Global: global, Utilization: *util, Tokens: u.Total(), At: l.now()})
			tr.enteredCheckpoint = true
		}
	default:
		u.State = next
	}
	return tr
}

func appendTrigger(list []Trigger, t Trigger) []Trigger {
	list = append(list, t)
	if len(list) > maxTriggers {
		list = list[len(list)-maxTriggers:]
	}
	return list
}

// AgentUsage returns a copy of agent's token counter.
func (l *Ledger) AgentUsage(agent string) TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.tokens[agent]; ok {
		return *u
	}
	return TokenUsage{State: StateNormal}
}

// GlobalUsage returns a copy of the counter shared by all agents.
func (l *Ledger) GlobalUsage() TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.global
	if u.State == "" {
		u.State = StateNormal
	}
	return u
}
