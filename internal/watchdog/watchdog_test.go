package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/testutil"
)

// fakeReader returns queued RSS values, repeating the last one.
type fakeReader struct {
	mu    sync.Mutex
	rss   []uint64
	reads int
	err   error
}

func (f *fakeReader) Read(context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	f.reads++
	v := f.rss[0]
	if len(f.rss) > 1 {
		f.rss = f.rss[1:]
	}
	return Sample{RSS: v, VMS: 2 * v, Percent: 1.5, Available: 8 << 30}, nil
}

func (f *fakeReader) push(v ...uint64) {
	f.mu.Lock()
	f.rss = append(f.rss, v...)
	f.mu.Unlock()
}

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newWatchdog(t *testing.T, r Reader, cfg Config) (*Watchdog, *testutil.Clock, *int) {
	t.Helper()
	clock := testutil.NewClock(t0)
	passes := 0
	w, err := New(r, cfg, WithClock(clock.Now), WithReclaimers(func() { passes++ }))
	require.NoError(t, err)
	return w, clock, &passes
}

var thresholds = Config{Warning: 100 * mb, Critical: 200 * mb, Max: 300 * mb, MinInterval: time.Second}

func TestNew_RejectsInvertedThresholds(t *testing.T) {
	_, err := New(&fakeReader{rss: []uint64{1}}, Config{Warning: 300 * mb, Critical: 200 * mb, Max: 400 * mb})
	require.Error(t, err)
	_, err = New(nil, Config{})
	require.Error(t, err)
}

func TestSample_MinimumIntervalAndBoundedHistory(t *testing.T) {
	r := &fakeReader{rss: []uint64{10, 20, 30, 40, 50}}
	cfg := thresholds
	cfg.History = 3
	w, clock, _ := newWatchdog(t, r, cfg)
	ctx := context.Background()

	s, fresh, err := w.Sample(ctx)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, uint64(10), s.RSS)
	assert.Equal(t, t0, s.Timestamp)

	s, fresh, err = w.Sample(ctx)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, uint64(10), s.RSS)
	assert.Equal(t, 1, r.reads)

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		_, fresh, err = w.Sample(ctx)
		require.NoError(t, err)
		assert.True(t, fresh)
	}
	h := w.History()
	require.Len(t, h, 3)
	assert.Equal(t, []uint64{30, 40, 50}, []uint64{h[0].RSS, h[1].RSS, h[2].RSS})
}

func TestEvaluate_Levels(t *testing.T) {
	tests := []struct {
		name       string
		rss        uint64
		wantLevel  Level
		wantPasses int
		wantErr    error
	}{
		{"normal", 50 * mb, LevelNormal, 0, nil},
		{"warning", 150 * mb, LevelWarning, 1, nil},
		{"critical", 250 * mb, LevelCritical, DefaultCriticalPasses, nil},
		{"exceeded", 350 * mb, LevelExceeded, 0, ErrMemoryExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReader{rss: []uint64{tt.rss - 10*mb}}
			w, _, passes := newWatchdog(t, r, thresholds)
			st, err := w.Evaluate(context.Background(), Sample{RSS: tt.rss})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, st.Abort)
				assert.True(t, w.Aborted())
			} else {
				require.NoError(t, err)
				assert.False(t, w.Aborted())
			}
			assert.Equal(t, tt.wantLevel, st.Level)
			assert.Equal(t, tt.wantPasses, st.Passes)
			assert.Equal(t, tt.wantPasses, *passes)
			if tt.wantPasses > 0 {
				assert.Equal(t, int64(10*mb), st.Freed)
			}
		})
	}
}

func TestEvaluate_AbortClearsBelowCeiling(t *testing.T) {
	w, _, _ := newWatchdog(t, &fakeReader{rss: []uint64{1}}, thresholds)
	_, err := w.Evaluate(context.Background(), Sample{RSS: 400 * mb})
	require.Error(t, err)
	assert.True(t, w.Aborted())
	_, err = w.Evaluate(context.Background(), Sample{RSS: 10 * mb})
	require.NoError(t, err)
	assert.False(t, w.Aborted())
}

func TestDetectTrend(t *testing.T) {
	t.Run("steady growth flags a leak", func(t *testing.T) {
		r := &fakeReader{}
		for i := 0; i < 12; i++ {
			r.push(uint64(20+2*i) * mb)
		}
		w, clock, _ := newWatchdog(t, r, thresholds)
		for i := 0; i < 12; i++ {
			_, _, err := w.Sample(context.Background())
			require.NoError(t, err)
			clock.Advance(time.Second)
		}
		tr := w.DetectTrend()
		assert.True(t, tr.Leak)
		assert.Equal(t, float64(2*mb), tr.Rate)
		assert.Equal(t, DefaultTrendWindow, tr.Window)
	})

	t.Run("a drop in the window clears it", func(t *testing.T) {
		r := &fakeReader{rss: []uint64{20 * mb, 30 * mb, 40 * mb, 35 * mb, 50 * mb, 60 * mb, 70 * mb, 80 * mb, 90 * mb, 100 * mb}}
		w, clock, _ := newWatchdog(t, r, thresholds)
		for i := 0; i < 10; i++ {
			_, _, _ = w.Sample(context.Background())
			clock.Advance(time.Second)
		}
		assert.False(t, w.DetectTrend().Leak)
	})

	t.Run("slow growth is not a leak", func(t *testing.T) {
		r := &fakeReader{}
		for i := 0; i < 10; i++ {
			r.push(uint64(50*mb + i*1024))
		}
		w, clock, _ := newWatchdog(t, r, thresholds)
		for i := 0; i < 10; i++ {
			_, _, _ = w.Sample(context.Background())
			clock.Advance(time.Second)
		}
		tr := w.DetectTrend()
		assert.False(t, tr.Leak)
		assert.Equal(t, float64(1024), tr.Rate)
	})

	t.Run("too few samples", func(t *testing.T) {
		w, _, _ := newWatchdog(t, &fakeReader{rss: []uint64{1}}, thresholds)
		_, _, _ = w.Sample(context.Background())
		assert.False(t, w.DetectTrend().Leak)
	})
}

func TestCheck_ReadError(t *testing.T) {
	w, _, _ := newWatchdog(t, &fakeReader{err: errors.New("no procfs")}, thresholds)
	_, _, err := w.Check(context.Background())
	require.Error(t, err)
}

func TestRegister_MemoryCheckDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("critical alerts but continues", func(t *testing.T) {
		w, _, _ := newWatchdog(t, &fakeReader{rss: []uint64{250 * mb}}, thresholds)
		reg := hooks.NewRegistry()
		require.NoError(t, w.Register(reg))
		ran := false
		require.NoError(t, reg.Register("after", hooks.EventMemoryCheck, hooks.HandlerFunc(
			func(context.Context, *hooks.ExecutionContext) hooks.Result { ran = true; return hooks.Continue() }),
			hooks.WithPriority(20)))

		ec, rep := reg.Dispatch(ctx, hooks.NewExecutionContext(hooks.EventMemoryCheck, "system", "", nil))
		assert.NoError(t, ec.Err)
		assert.False(t, rep.Halted)
		assert.True(t, ran)
		assert.Equal(t, "critical", ec.MetaString(MetaMemoryLevel))
		require.Len(t, ec.Alerts(), 1)
		assert.Contains(t, ec.Alerts()[0], "memory critical")
		require.Len(t, rep.Failures, 1)
		assert.ErrorIs(t, rep.Failures[0].Err, ErrMemoryCritical)
	})

	t.Run("over the ceiling halts", func(t *testing.T) {
		w, _, _ := newWatchdog(t, &fakeReader{rss: []uint64{400 * mb}}, thresholds)
		reg := hooks.NewRegistry()
		require.NoError(t, w.Register(reg))
		ec, rep := reg.Dispatch(ctx, hooks.NewExecutionContext(hooks.EventMemoryCheck, "system", "", nil))
		assert.ErrorIs(t, ec.Err, ErrMemoryExceeded)
		assert.True(t, rep.Halted)
		assert.Equal(t, HookMemory, rep.HaltedBy)
		assert.True(t, w.Aborted())
	})
}
