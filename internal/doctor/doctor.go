// Package doctor runs health checks over a Warden installation: operator
// config, keys, the runtime policy, persisted state and process memory.
// Used by `warden doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/watchdog"
)

// Check statuses, ordered by severity.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which check categories run.
type Options struct {
	SkipMemory bool // skip sampling this process (CI sandboxes without /proc)
}

// Run executes all checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}
	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check WARDEN_* variables and warden.config.yaml",
		})
		report.tally()
		return report
	}

	report.Checks = append(report.Checks, checkDataDir(cfg))
	report.Checks = append(report.Checks, checkKeys(cfg)...)
	pol, polCheck := checkPolicy(ctx, cfg)
	report.Checks = append(report.Checks, polCheck)
	if pol != nil {
		report.Checks = append(report.Checks, checkState(ctx, cfg, pol, opts)...)
	}
	report.tally()
	return report
}

func (r *Report) tally() {
	for _, c := range r.Checks {
		switch c.Status {
		case StatusPass:
			r.Summary.Pass++
		case StatusWarn:
			r.Summary.Warn++
		case StatusFail:
			r.Summary.Fail++
		}
	}
	r.Status = StatusPass
	if r.Summary.Warn > 0 {
		r.Status = StatusWarn
	}
	if r.Summary.Fail > 0 {
		r.Status = StatusFail
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure the directory exists and is writable, or set WARDEN_DATA_DIR",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkKeys(cfg *config.Config) []CheckResult {
	signing := CheckResult{Name: "signing_key", Category: "config", Status: StatusPass, Message: "Configured"}
	if cfg.UsingDefaultSigningKey() {
		signing.Status = StatusWarn
		signing.Message = "Using generated default"
		signing.Fix = "Set WARDEN_SIGNING_KEY for production"
	}
	sealing := CheckResult{Name: "checkpoint_key", Category: "config", Status: StatusPass, Message: "Checkpoints are sealed"}
	if cfg.CheckpointKey == "" {
		sealing.Status = StatusWarn
		sealing.Message = "Checkpoints are stored unsealed"
		sealing.Fix = "Set WARDEN_CHECKPOINT_KEY (64 hex characters)"
	}
	return []CheckResult{signing, sealing}
}

func checkPolicy(ctx context.Context, cfg *config.Config) (*policy.Policy, CheckResult) {
	baseDir := ""
	if filepath.IsAbs(cfg.PolicyFile) {
		baseDir = filepath.Dir(cfg.PolicyFile)
	}
	pol, err := policy.LoadPolicy(ctx, cfg.PolicyFile, baseDir)
	if errors.Is(err, fs.ErrNotExist) && cfg.PolicyFile == config.DefaultPolicyFile {
		return policy.Default(), CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusWarn,
			Message: fmt.Sprintf("%s not found; using built-in defaults", cfg.PolicyFile),
			Fix:     "Create warden.yaml to set budgets and denylists",
		}
	}
	if err != nil {
		return nil, CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: %v", cfg.PolicyFile, err),
			Fix:     "Run 'warden validate -f " + cfg.PolicyFile + "'",
		}
	}
	if _, err := policy.NewEngine(ctx, pol); err != nil {
		return nil, CheckResult{
			Name: "policy_valid", Category: "config", Status: StatusFail,
			Message: fmt.Sprintf("%s: compiling tool-access policy: %v", cfg.PolicyFile, err),
		}
	}
	return pol, CheckResult{
		Name: "policy_valid", Category: "config", Status: StatusPass,
		Message: fmt.Sprintf("%s (version %s)", cfg.PolicyFile, pol.VersionTag),
	}
}

// checkState opens the persisted checkpoints, ledger and stores the same
// way `warden serve` does, then samples process memory against the policy.
func checkState(ctx context.Context, cfg *config.Config, pol *policy.Policy, opts Options) []CheckResult {
	ccfg := coordinator.Config{
		Policy:        pol,
		DataDir:       cfg.DataDir,
		SigningKey:    cfg.SigningKey,
		CheckpointKey: cfg.CheckpointKey,
	}
	var memErr error
	if !opts.SkipMemory {
		reader, err := watchdog.NewProcessReader(ctx)
		if err != nil {
			memErr = err
		} else {
			ccfg.MemoryReader = reader
		}
	}
	c, err := coordinator.New(ctx, ccfg)
	if err != nil {
		return []CheckResult{{
			Name: "state_open", Category: "state", Status: StatusFail,
			Message: err.Error(),
			Fix:     "Check checkpoint_key matches the key the checkpoints were sealed with",
		}}
	}
	defer c.Close()

	sum := c.Ledger().Summary()
	results := []CheckResult{{
		Name: "state_open", Category: "state", Status: StatusPass,
		Message: fmt.Sprintf("%d checkpoints, $%.4f spent", c.Checkpoints().Count(), sum.TotalCost),
	}}
	if opts.SkipMemory {
		return results
	}
	return append(results, checkMemory(ctx, c.Watchdog(), memErr))
}

func checkMemory(ctx context.Context, wd *watchdog.Watchdog, readerErr error) CheckResult {
	res := CheckResult{Name: "process_memory", Category: "system"}
	if wd == nil {
		res.Status = StatusWarn
		res.Message = "Memory watchdog unavailable"
		if readerErr != nil {
			res.Message += ": " + readerErr.Error()
		}
		return res
	}
	s, _, err := wd.Sample(ctx)
	if err != nil {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("Cannot sample process memory: %v", err)
		return res
	}
	level := wd.Classify(s.RSS)
	res.Message = fmt.Sprintf("RSS %.1f MB (%s)", float64(s.RSS)/(1<<20), level)
	switch level {
	case watchdog.LevelNormal:
		res.Status = StatusPass
	case watchdog.LevelWarning:
		res.Status = StatusWarn
	default:
		res.Status = StatusFail
		res.Fix = "Raise watchdog.max_mb in warden.yaml or reduce concurrent agents"
	}
	return res
}
