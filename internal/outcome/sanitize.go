package outcome

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/patterns"
)

// Redacted replaces credential values in results.
const Redacted = "[REDACTED]"

type recognizerFile struct {
	Recognizers []struct {
		Name    string `yaml:"name"`
		Regex   string `yaml:"regex"`
		Replace string `yaml:"replace"`
	} `yaml:"recognizers"`
}

type recognizer struct {
	name    string
	re      *regexp.Regexp
	replace string
}

// Sanitizer redacts credential-shaped substrings and strips active HTML.
type Sanitizer struct {
	recognizers []recognizer
	html        *bluemonday.Policy
}

// NewSanitizer compiles recognizers from YAML. Every regex is case-insensitive.
func NewSanitizer(data []byte) (*Sanitizer, error) {
	var rf recognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing credential recognizers: %w", err)
	}
	s := &Sanitizer{html: bluemonday.UGCPolicy()}
	for _, r := range rf.Recognizers {
		re, err := regexp.Compile("(?i)" + r.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling recognizer %s: %w", r.Name, err)
		}
		replace := r.Replace
		if replace == "" {
			replace = Redacted
		}
		s.recognizers = append(s.recognizers, recognizer{name: r.Name, re: re, replace: replace})
	}
	return s, nil
}

// DefaultSanitizer uses the embedded recognizers.
func DefaultSanitizer() (*Sanitizer, error) {
	return NewSanitizer(patterns.CredentialsYAML())
}

// Redact replaces every credential match and reports whether anything changed.
func (s *Sanitizer) Redact(text string) (string, bool) {
	out := text
	for _, r := range s.recognizers {
		out = r.re.ReplaceAllString(out, r.replace)
	}
	return out, out != text
}

// StripHTML removes scripts, handlers and other active content from markup.
func (s *Sanitizer) StripHTML(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	return s.html.Sanitize(text)
}

// Sanitize walks a result value, returning a cleaned copy and whether any
// value was altered. When html is set, markup is stripped before redaction.
func (s *Sanitizer) Sanitize(v any, html bool) (any, bool) {
	switch t := v.(type) {
	case string:
		return s.text(t, html)
	case []byte:
		out, changed := s.text(string(t), html)
		if !changed {
			return t, false
		}
		return []byte(out), true
	case map[string]any:
		var cp map[string]any
		for k, e := range t {
			clean, changed := s.Sanitize(e, html)
			if !changed {
				continue
			}
			if cp == nil {
				cp = make(map[string]any, len(t))
				for k2, e2 := range t {
					cp[k2] = e2
				}
			}
			cp[k] = clean
		}
		if cp == nil {
			return t, false
		}
		return cp, true
	case []any:
		var cp []any
		for i, e := range t {
			clean, changed := s.Sanitize(e, html)
			if !changed {
				continue
			}
			if cp == nil {
				cp = append([]any(nil), t...)
			}
			cp[i] = clean
		}
		if cp == nil {
			return t, false
		}
		return cp, true
	case *llm.Response:
		if t == nil {
			return t, false
		}
		out, changed := s.text(t.Content, html)
		if !changed {
			return t, false
		}
		cp := *t
		cp.Content = out
		return &cp, true
	}
	return v, false
}

func (s *Sanitizer) text(in string, html bool) (string, bool) {
	out := in
	if html {
		out = s.StripHTML(out)
	}
	out, _ = s.Redact(out)
	return out, out != in
}
