package gate

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/dativo-io/warden/internal/toolkind"
)

// contentKeys carry write payloads.
var contentKeys = []string{"content", "data", "text", "body"}

// Validator enforces per-kind parameter rules.
type Validator struct {
	MaxWriteBytes    int
	CommandTimeout   time.Duration
	AllowPrivateURLs bool
}

// Validate checks params for tool and returns the reason the call must be
// refused, or "". It injects the default execution timeout into params.
func (v *Validator) Validate(tool string, params map[string]any) string {
	switch toolkind.Classify(tool) {
	case toolkind.Write:
		if firstString(params, pathKeys) == "" {
			return "write requires a target path"
		}
		if n := payloadSize(params); v.MaxWriteBytes > 0 && n > v.MaxWriteBytes {
			return fmt.Sprintf("payload of %d bytes exceeds limit of %d", n, v.MaxWriteBytes)
		}
	case toolkind.Delete:
		if firstString(params, pathKeys) == "" {
			return "delete requires a target path"
		}
	case toolkind.Execute:
		if strings.TrimSpace(firstString(params, commandKeys)) == "" {
			return "command is empty"
		}
		if _, ok := params["timeout"]; !ok && v.CommandTimeout > 0 {
			params["timeout"] = int(v.CommandTimeout.Seconds())
		}
	case toolkind.Network:
		raw, _ := params["url"].(string)
		if raw != "" {
			return v.checkURL(raw)
		}
	}
	return ""
}

func (v *Validator) checkURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "malformed url: " + err.Error()
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "url has no host"
	}
	if v.AllowPrivateURLs {
		return ""
	}
	if privateHost(host) {
		return "url targets a private or loopback address: " + host
	}
	return ""
}

// privateHost reports whether host is localhost or a non-public IP literal.
// Names are not resolved.
func privateHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	ip := net.IP(addr.AsSlice())
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func firstString(params map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := params[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func payloadSize(params map[string]any) int {
	n := 0
	for _, k := range contentKeys {
		switch c := params[k].(type) {
		case string:
			n += len(c)
		case []byte:
			n += len(c)
		}
	}
	return n
}
