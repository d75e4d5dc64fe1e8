package gate

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/toolkind"
)

// Metadata keys set by enrichment.
const (
	MetaEnrichedAt = "enriched_at"
	MetaAgent      = "agent"
)

// UserAgent is sent on outbound calls enriched by the gate.
const UserAgent = "warden/1"

const backupTimeLayout = "20060102T150405"

func (g *Gate) enrichHook(_ context.Context, ec *hooks.ExecutionContext) hooks.Result {
	now := g.now()
	id := ec.MetaString(hooks.MetaCorrelationID)
	if id == "" {
		id = uuid.New().String()
		ec.SetMeta(hooks.MetaCorrelationID, id)
	}
	ec.SetMeta(MetaEnrichedAt, now.UTC())
	ec.SetMeta(MetaAgent, ec.AgentName)

	switch toolkind.Classify(ec.ToolName) {
	case toolkind.Write, toolkind.Delete:
		if p := firstString(ec.Parameters, pathKeys); p != "" {
			dir, base := filepath.Split(p)
			ec.SetMeta(hooks.MetaBackupPath, filepath.Join(dir, "."+base+".bak-"+now.UTC().Format(backupTimeLayout)))
		}
	case toolkind.Network:
		// Copied so the caller's map is never modified.
		headers := map[string]any{}
		switch h := ec.Parameters["headers"].(type) {
		case map[string]any:
			for k, v := range h {
				headers[k] = v
			}
		case map[string]string:
			for k, v := range h {
				headers[k] = v
			}
		}
		if _, ok := headers["User-Agent"]; !ok {
			headers["User-Agent"] = UserAgent
		}
		headers["X-Correlation-ID"] = id
		ec.Parameters["headers"] = headers
	}
	return hooks.Continue()
}
