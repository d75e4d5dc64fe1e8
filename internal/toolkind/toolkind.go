// Package toolkind classifies tool names into the families the gate and
// outcome hooks reason about (file writes, command execution, network calls).
package toolkind

import "strings"

// Kind is a coarse tool family.
type Kind string

const (
	Read     Kind = "read"
	Write    Kind = "write"
	Delete   Kind = "delete"
	Execute  Kind = "execute"
	Network  Kind = "network"
	Search   Kind = "search"
	Generate Kind = "generate"
	Other    Kind = "other"
)

// rules are checked in order; the first family whose fragment appears in the
// normalized tool name wins. Delete precedes write so "delete_file" is not a write.
var rules = []struct {
	kind      Kind
	fragments []string
}{
	{Delete, []string{"delete", "remove", "unlink", "rmdir"}},
	{Write, []string{"write", "edit", "create_file", "append", "patch", "save"}},
	{Execute, []string{"bash", "shell", "exec", "run_command", "command", "terminal"}},
	{Network, []string{"http", "fetch", "url", "request", "download", "web", "api_call"}},
	{Generate, []string{"generate", "llm", "completion", "chat", "model"}},
	{Search, []string{"search", "grep", "glob", "find", "list"}},
	{Read, []string{"read", "cat", "view", "open", "get"}},
}

// Classify maps a tool name to its Kind. Matching is case-insensitive and
// ignores '-' versus '_' differences.
func Classify(tool string) Kind {
	name := normalize(tool)
	if name == "" {
		return Other
	}
	for _, r := range rules {
		for _, f := range r.fragments {
			if strings.Contains(name, f) {
				return r.kind
			}
		}
	}
	return Other
}

// MutatesState reports whether tools of this kind leave side effects behind.
func (k Kind) MutatesState() bool {
	switch k {
	case Write, Delete, Execute, Network:
		return true
	}
	return false
}

// Idempotent reports whether repeated calls with identical parameters are
// expected to produce identical results.
func (k Kind) Idempotent() bool {
	return k == Read || k == Search
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "-", "_")
}
