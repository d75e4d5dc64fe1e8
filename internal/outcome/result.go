package outcome

import (
	"fmt"
	"os"
	"strings"

	"github.com/dativo-io/warden/internal/toolkind"
)

var (
	resultPathKeys = []string{"file_path", "path", "target", "destination", "filename"}
	exitKeys       = []string{"exit_code", "returncode", "exit_status"}
	httpStatusKeys = []string{"status_code", "status"}
)

// ValidateResult returns why a tool call should be treated as failed, or "".
// Beyond an explicit error it checks per-kind postconditions: written files
// exist (when checkFiles is set), commands exit zero, HTTP status is below 400.
func ValidateResult(tool string, params map[string]any, result any, err error, checkFiles bool) string {
	if err != nil {
		return err.Error()
	}
	m, _ := result.(map[string]any)
	if m != nil {
		if e, ok := m["error"].(string); ok && e != "" {
			return e
		}
		if ok, present := m["success"].(bool); present && !ok {
			return "tool reported failure"
		}
	}

	switch toolkind.Classify(tool) {
	case toolkind.Write:
		if !checkFiles {
			break
		}
		for _, k := range resultPathKeys {
			if p, ok := params[k].(string); ok && p != "" {
				if _, statErr := os.Stat(p); statErr != nil {
					return fmt.Sprintf("output file %s missing", p)
				}
				break
			}
		}
	case toolkind.Execute:
		if code, ok := intField(m, exitKeys); ok && code != 0 {
			reason := fmt.Sprintf("command exited with status %d", code)
			if stderr, _ := m["stderr"].(string); strings.TrimSpace(stderr) != "" {
				line, _, _ := strings.Cut(strings.TrimSpace(stderr), "\n")
				reason += ": " + line
			}
			return reason
		}
	case toolkind.Network:
		if code, ok := intField(m, httpStatusKeys); ok && code >= 400 {
			return fmt.Sprintf("HTTP status %d", code)
		}
	}
	return ""
}

func intField(m map[string]any, keys []string) (int, bool) {
	for _, k := range keys {
		switch n := m[k].(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
	}
	return 0, false
}
