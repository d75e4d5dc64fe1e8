package gate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// pathKeys are the parameter names that carry filesystem paths.
var pathKeys = []string{"file_path", "path", "target", "destination", "source", "directory", "dir", "filename"}

// commandKeys are the parameter names that carry shell commands.
var commandKeys = []string{"command", "cmd", "script"}

// minSecretLen is the shortest value treated as a credential.
const minSecretLen = 20

// Security holds the compiled denylists.
type Security struct {
	roots    []string // absolute, with trailing slash
	homeRel  []string // "~/"-relative roots, e.g. ".ssh/"
	home     string
	commands []string
	credKeys []string
}

// NewSecurity compiles the denylists. Roots beginning with "~/" also match the
// same directory under any home, such as /home/dev/.ssh/.
func NewSecurity(sensitivePaths, dangerousCommands, credentialKeys []string) *Security {
	s := &Security{}
	s.home, _ = os.UserHomeDir()
	for _, p := range sensitivePaths {
		if rest, ok := strings.CutPrefix(p, "~/"); ok {
			s.homeRel = append(s.homeRel, withSlash(rest))
			continue
		}
		s.roots = append(s.roots, withSlash(filepath.Clean(p)))
	}
	for _, c := range dangerousCommands {
		s.commands = append(s.commands, strings.ToLower(c))
	}
	for _, k := range credentialKeys {
		s.credKeys = append(s.credKeys, strings.ToLower(k))
	}
	return s
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// SensitivePath reports the denylisted root that contains p, if any. Relative
// paths that climb out of the working directory report "../".
func (s *Security) SensitivePath(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok && s.home != "" {
		p = filepath.Join(s.home, rest)
	}
	clean := withSlash(filepath.Clean(p))
	if strings.HasPrefix(clean, "../") {
		return "../", true
	}
	if filepath.IsAbs(clean) {
		for _, root := range s.roots {
			if strings.HasPrefix(clean, root) {
				return root, true
			}
		}
	}
	for _, rel := range s.homeRel {
		if strings.HasPrefix(clean, rel) || strings.Contains(clean, "/"+rel) {
			return "~/" + rel, true
		}
	}
	return "", false
}

// DangerousCommand reports the first denylisted fragment found in cmd.
func (s *Security) DangerousCommand(cmd string) (string, bool) {
	lower := strings.ToLower(cmd)
	for _, frag := range s.commands {
		if strings.Contains(lower, frag) {
			return frag, true
		}
	}
	return "", false
}

// Credential finds a parameter whose key looks like a credential name and
// whose value looks like a secret. Both must hold. Nested maps are searched.
func (s *Security) Credential(params map[string]any) (string, bool) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case string:
			if s.credentialKey(k) && secretShaped(v) {
				return k, true
			}
		case map[string]any:
			if inner, ok := s.Credential(v); ok {
				return k + "." + inner, true
			}
		}
	}
	return "", false
}

func (s *Security) credentialKey(k string) bool {
	lower := strings.ToLower(k)
	for _, ck := range s.credKeys {
		if strings.Contains(lower, ck) {
			return true
		}
	}
	return false
}

// secretShaped is true for long values drawn from the base64 or URL-safe alphabet.
func secretShaped(v string) bool {
	if len(v) < minSecretLen {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '+', r == '/', r == '=', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// check runs every denylist over params and returns the first violation.
func (s *Security) check(params map[string]any) (string, bool) {
	for _, k := range pathKeys {
		if p, ok := params[k].(string); ok {
			if root, hit := s.SensitivePath(p); hit {
				return "path " + p + " is under sensitive root " + root, true
			}
		}
	}
	for _, k := range commandKeys {
		if c, ok := params[k].(string); ok {
			if frag, hit := s.DangerousCommand(c); hit {
				return "command contains dangerous pattern " + strings.TrimSpace(frag), true
			}
		}
	}
	if k, hit := s.Credential(params); hit {
		return "parameter " + k + " appears to contain a credential", true
	}
	return "", false
}
