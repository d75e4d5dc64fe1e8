package policy

import (
	"time"

	"github.com/dativo-io/warden/internal/hooks"
)

// Default values applied to absent policy fields.
const (
	DefaultAgentTokens       = 100000
	DefaultHourlyBudget      = 5.0
	DefaultDailyBudget       = 50.0
	DefaultMonthlyBudget     = 500.0
	DefaultHighCostThreshold = 0.5
	DefaultRateWindow        = 60 * time.Second
	DefaultRateLimit         = 100
	DefaultMaxWriteBytes     = 10 << 20
	DefaultCommandTimeout    = 120 * time.Second
	DefaultMaxCheckpoints    = 50
	DefaultCheckpointEvery   = 30 * time.Minute
	DefaultCompressThreshold = 4096
	DefaultCacheTTL          = time.Hour
	DefaultWatchdogInterval  = 30 * time.Second
	DefaultWarningMB         = 1024
	DefaultCriticalMB        = 1536
	DefaultMaxMB             = 2048
)

var (
	defaultSensitivePaths = []string{
		"/etc/", "/root/", "/boot/", "/sys/", "/proc/", "/dev/",
		"/usr/bin/", "/usr/sbin/", "/var/log/", "~/.ssh/", "~/.aws/", "~/.gnupg/",
	}
	defaultDangerousCommands = []string{
		"rm -rf /", "rm -rf ~", "rm -rf *", "mkfs", "dd if=", ":(){", "sudo ", "su -",
		"chmod 777", "chown ", "> /dev/", ">/dev/", "> /etc/", ">> /etc/",
		"| sh", "| bash", "shutdown", "reboot", "kill -9 1",
	}
	defaultCredentialKeys = []string{
		"password", "passwd", "secret", "token", "api_key", "apikey",
		"access_key", "private_key", "credential", "auth",
	}
	defaultCriticalPhases = []string{"deploy", "release", "migration", "production"}
	defaultCriticalTools  = []string{"delete_file", "git_push", "deploy"}
)

// Default returns a policy with every default applied.
func Default() *Policy {
	p := &Policy{Version: "1"}
	applyDefaults(p)
	p.ComputeHash([]byte("default"))
	return p
}

// applyDefaults fills in sensible defaults for optional fields.
func applyDefaults(p *Policy) {
	b := &p.Budgets
	if b.AgentTokens == 0 {
		b.AgentTokens = DefaultAgentTokens
	}
	if b.Hourly == 0 {
		b.Hourly = DefaultHourlyBudget
	}
	if b.Daily == 0 {
		b.Daily = DefaultDailyBudget
	}
	if b.Monthly == 0 {
		b.Monthly = DefaultMonthlyBudget
	}
	if b.HighCostThreshold == 0 {
		b.HighCostThreshold = DefaultHighCostThreshold
	}

	if p.RateLimits.Window == 0 {
		p.RateLimits.Window = DefaultRateWindow
	}
	if p.RateLimits.Default == 0 {
		p.RateLimits.Default = DefaultRateLimit
	}

	s := &p.Security
	if len(s.SensitivePaths) == 0 {
		s.SensitivePaths = append([]string(nil), defaultSensitivePaths...)
	}
	if len(s.DangerousCommands) == 0 {
		s.DangerousCommands = append([]string(nil), defaultDangerousCommands...)
	}
	if len(s.CredentialKeys) == 0 {
		s.CredentialKeys = append([]string(nil), defaultCredentialKeys...)
	}
	if s.MaxWriteBytes == 0 {
		s.MaxWriteBytes = DefaultMaxWriteBytes
	}
	if s.CommandTimeout == 0 {
		s.CommandTimeout = DefaultCommandTimeout
	}

	c := &p.Checkpoints
	if c.MaxCheckpoints == 0 {
		c.MaxCheckpoints = DefaultMaxCheckpoints
	}
	if c.Interval == 0 {
		c.Interval = DefaultCheckpointEvery
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = DefaultCompressThreshold
	}
	if len(c.CriticalPhases) == 0 {
		c.CriticalPhases = append([]string(nil), defaultCriticalPhases...)
	}
	if len(c.CriticalTools) == 0 {
		c.CriticalTools = append([]string(nil), defaultCriticalTools...)
	}

	if p.Cache.TTL == 0 {
		p.Cache.TTL = DefaultCacheTTL
	}

	w := &p.Watchdog
	if w.Interval == 0 {
		w.Interval = DefaultWatchdogInterval
	}
	if w.WarningMB == 0 {
		w.WarningMB = DefaultWarningMB
	}
	if w.CriticalMB == 0 {
		w.CriticalMB = DefaultCriticalMB
	}
	if w.MaxMB == 0 {
		w.MaxMB = DefaultMaxMB
	}
}

// validate checks cross-field rules the schema cannot express.
func validate(p *Policy) error {
	w := p.Watchdog
	if !(w.WarningMB < w.CriticalMB && w.CriticalMB < w.MaxMB) {
		return errInvalid("watchdog thresholds must satisfy warning_mb < critical_mb < max_mb")
	}
	for _, h := range p.Hooks {
		if _, err := hooks.ParseEvent(h.Event); err != nil {
			return errInvalid("hooks." + h.Name + ": " + err.Error())
		}
	}
	return nil
}
