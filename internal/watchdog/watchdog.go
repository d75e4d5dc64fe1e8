// Package watchdog samples process memory on a timer, reclaims memory when
// usage crosses the warning or critical thresholds and flags steady growth
// as a suspected leak.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/watchdog")

var (
	// ErrMemoryCritical is reported when usage is above the critical threshold.
	ErrMemoryCritical = errors.New("memory usage critical")
	// ErrMemoryExceeded is reported when usage is above the hard ceiling.
	ErrMemoryExceeded = errors.New("memory limit exceeded")
)

const mb = 1 << 20

// Defaults.
const (
	DefaultWarning        = 512 * mb
	DefaultCritical       = 768 * mb
	DefaultMax            = 1024 * mb
	DefaultMinInterval    = 5 * time.Second
	DefaultHistory        = 120
	DefaultTrendWindow    = 10
	DefaultLeakRate       = 1 * mb
	DefaultCriticalPasses = 3
)

// Level classifies a sample against the thresholds.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelExceeded
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelExceeded:
		return "exceeded"
	}
	return "normal"
}

// Config holds RSS thresholds in bytes and sampling settings.
type Config struct {
	Warning        uint64
	Critical       uint64
	Max            uint64
	MinInterval    time.Duration
	History        int
	TrendWindow    int
	LeakRate       uint64
	CriticalPasses int
}

func (c *Config) applyDefaults() {
	if c.Warning == 0 {
		c.Warning = DefaultWarning
	}
	if c.Critical == 0 {
		c.Critical = DefaultCritical
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.MinInterval == 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.History <= 0 {
		c.History = DefaultHistory
	}
	if c.TrendWindow <= 1 {
		c.TrendWindow = DefaultTrendWindow
	}
	if c.LeakRate == 0 {
		c.LeakRate = DefaultLeakRate
	}
	if c.CriticalPasses <= 0 {
		c.CriticalPasses = DefaultCriticalPasses
	}
}

// Reclaimer releases memory. It runs once per reclamation pass.
type Reclaimer func()

// DefaultReclaimers collects garbage and returns freed pages to the OS.
func DefaultReclaimers() []Reclaimer {
	return []Reclaimer{runtime.GC, debug.FreeOSMemory}
}

// Status is the result of evaluating one sample.
type Status struct {
	Level  Level  `json:"level"`
	Sample Sample `json:"sample"`
	Passes int    `json:"reclaim_passes"`
	Freed  int64  `json:"freed_bytes"`
	Abort  bool   `json:"abort"`
}

// Trend reports growth over the most recent window.
type Trend struct {
	Leak   bool    `json:"leak"`
	Rate   float64 `json:"bytes_per_sample"`
	Window int     `json:"window"`
}

// Watchdog samples memory and acts on thresholds. It is safe for concurrent use.
type Watchdog struct {
	reader     Reader
	cfg        Config
	reclaimers []Reclaimer
	now        func() time.Time

	mu      sync.Mutex
	history []Sample
	aborted atomic.Bool
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithReclaimers replaces the default reclaimers.
func WithReclaimers(r ...Reclaimer) Option {
	return func(w *Watchdog) { w.reclaimers = r }
}

// New validates cfg and returns a watchdog reading from reader.
func New(reader Reader, cfg Config, opts ...Option) (*Watchdog, error) {
	if reader == nil {
		return nil, errors.New("watchdog: reader is required")
	}
	cfg.applyDefaults()
	if cfg.Warning > cfg.Critical || cfg.Critical > cfg.Max {
		return nil, fmt.Errorf("watchdog: thresholds must satisfy warning <= critical <= max (got %d, %d, %d)",
			cfg.Warning, cfg.Critical, cfg.Max)
	}
	w := &Watchdog{
		reader:     reader,
		cfg:        cfg,
		reclaimers: DefaultReclaimers(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Sample takes a reading unless the previous one is younger than the
// minimum interval, in which case the previous reading is returned and
// fresh is false.
func (w *Watchdog) Sample(ctx context.Context) (s Sample, fresh bool, err error) {
	now := w.now()
	w.mu.Lock()
	if n := len(w.history); n > 0 && now.Sub(w.history[n-1].Timestamp) < w.cfg.MinInterval {
		last := w.history[n-1]
		w.mu.Unlock()
		return last, false, nil
	}
	w.mu.Unlock()

	s, err = w.reader.Read(ctx)
	if err != nil {
		return Sample{}, false, err
	}
	s.Timestamp = now
	w.mu.Lock()
	w.history = append(w.history, s)
	if over := len(w.history) - w.cfg.History; over > 0 {
		w.history = append(w.history[:0:0], w.history[over:]...)
	}
	w.mu.Unlock()
	return s, true, nil
}

// History returns a copy of the retained samples, oldest first.
func (w *Watchdog) History() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Sample, len(w.history))
	copy(out, w.history)
	return out
}

// Classify returns the level for an RSS reading.
func (w *Watchdog) Classify(rss uint64) Level {
	switch {
	case rss > w.cfg.Max:
		return LevelExceeded
	case rss > w.cfg.Critical:
		return LevelCritical
	case rss > w.cfg.Warning:
		return LevelWarning
	}
	return LevelNormal
}

// Evaluate acts on a sample. Above the warning threshold it runs one
// reclamation pass; above critical it runs several. Above the hard ceiling
// it sets the abort flag and returns ErrMemoryExceeded. The flag clears on
// the next evaluation below the ceiling.
func (w *Watchdog) Evaluate(ctx context.Context, s Sample) (Status, error) {
	ctx, span := tracer.Start(ctx, "watchdog.evaluate", trace.WithAttributes(attribute.Int64("memory.rss", int64(s.RSS))))
	defer span.End()

	st := Status{Level: w.Classify(s.RSS), Sample: s}
	span.SetAttributes(attribute.String("memory.level", st.Level.String()))
	recordRSS(ctx, s.RSS, st.Level)

	switch st.Level {
	case LevelExceeded:
		w.aborted.Store(true)
		st.Abort = true
		log.Error().
			Uint64("rss", s.RSS).
			Uint64("max", w.cfg.Max).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("memory_exceeded")
		return st, fmt.Errorf("%w: rss %d bytes over ceiling %d", ErrMemoryExceeded, s.RSS, w.cfg.Max)
	case LevelCritical:
		st.Passes = w.cfg.CriticalPasses
	case LevelWarning:
		st.Passes = 1
	}
	w.aborted.Store(false)
	if st.Passes == 0 {
		return st, nil
	}

	w.reclaim(st.Passes)
	if after, err := w.reader.Read(ctx); err == nil {
		st.Freed = int64(s.RSS) - int64(after.RSS)
	}
	evt := log.Warn()
	if st.Level == LevelCritical {
		evt = log.Error()
	}
	evt.Str("level", st.Level.String()).
		Uint64("rss", s.RSS).
		Int("passes", st.Passes).
		Int64("freed_bytes", st.Freed).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("memory_reclaimed")
	return st, nil
}

func (w *Watchdog) reclaim(passes int) {
	for i := 0; i < passes; i++ {
		for _, r := range w.reclaimers {
			r()
		}
	}
}

// Aborted reports whether the last evaluation was over the hard ceiling.
func (w *Watchdog) Aborted() bool {
	return w.aborted.Load()
}

// DetectTrend looks at the most recent window of samples. Usage that never
// decreases and grows faster than the leak rate on average is flagged.
func (w *Watchdog) DetectTrend() Trend {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.cfg.TrendWindow
	t := Trend{Window: n}
	if len(w.history) < n {
		return t
	}
	win := w.history[len(w.history)-n:]
	for i := 1; i < len(win); i++ {
		if win[i].RSS < win[i-1].RSS {
			return t
		}
	}
	t.Rate = float64(win[n-1].RSS-win[0].RSS) / float64(n-1)
	t.Leak = t.Rate > float64(w.cfg.LeakRate)
	return t
}

// Check samples, evaluates and runs trend detection. A reading younger
// than the minimum interval is not evaluated again.
func (w *Watchdog) Check(ctx context.Context) (Status, Trend, error) {
	s, fresh, err := w.Sample(ctx)
	if err != nil {
		return Status{}, Trend{}, fmt.Errorf("sampling memory: %w", err)
	}
	if !fresh {
		st := Status{Level: w.Classify(s.RSS), Sample: s, Abort: w.Aborted()}
		return st, w.DetectTrend(), nil
	}
	st, err := w.Evaluate(ctx, s)
	tr := w.DetectTrend()
	if tr.Leak {
		log.Warn().
			Float64("bytes_per_sample", tr.Rate).
			Int("window", tr.Window).
			Uint64("rss", s.RSS).
			Msg("memory_leak_suspected")
	}
	return st, tr, err
}
