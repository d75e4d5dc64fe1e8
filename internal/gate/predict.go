package gate

import (
	"context"
	"strings"
	"time"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/toolkind"
)

var baselines = map[toolkind.Kind]time.Duration{
	toolkind.Read:     50 * time.Millisecond,
	toolkind.Write:    100 * time.Millisecond,
	toolkind.Delete:   50 * time.Millisecond,
	toolkind.Search:   500 * time.Millisecond,
	toolkind.Execute:  2 * time.Second,
	toolkind.Network:  time.Second,
	toolkind.Generate: 5 * time.Second,
	toolkind.Other:    200 * time.Millisecond,
}

// slowCommands are known to take far longer than a typical command.
var slowCommands = []string{
	"npm install", "yarn install", "pip install", "go build", "go test",
	"cargo build", "docker build", "mvn ", "gradle", "make", "pytest",
}

const (
	largePayloadBytes = 100 << 10
	slowCommandFactor = 10
)

// PredictDuration returns the expected runtime of a call: the kind baseline,
// scaled by payload size past 100KB and by 10 for known-slow commands.
func PredictDuration(tool string, params map[string]any) time.Duration {
	kind := toolkind.Classify(tool)
	d := baselines[kind]
	if n := payloadSize(params); n > largePayloadBytes {
		d = time.Duration(float64(d) * (1 + float64(n)/float64(1<<20)))
	}
	if kind == toolkind.Execute {
		cmd := strings.ToLower(firstString(params, commandKeys))
		for _, s := range slowCommands {
			if strings.Contains(cmd, s) {
				d *= slowCommandFactor
				break
			}
		}
	}
	return d
}

func (g *Gate) predictHook(_ context.Context, ec *hooks.ExecutionContext) hooks.Result {
	d := PredictDuration(ec.ToolName, ec.Parameters)
	ec.SetMeta(hooks.MetaPredictedDuration, float64(d.Milliseconds()))
	return hooks.Continue()
}
