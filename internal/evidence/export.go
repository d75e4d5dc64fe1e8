package evidence

import (
	"strconv"
	"time"
)

// CSVHeader is the column order used by `warden audit export --format csv`.
var CSVHeader = []string{"id", "timestamp", "agent", "tool", "kind", "target", "success", "error", "signature"}

// CSVRow renders a record in CSVHeader order. Target falls back to the
// command or URL for kinds that have no file target.
func (r *SideEffect) CSVRow() []string {
	target := r.Target
	if target == "" {
		target = r.Command
	}
	if target == "" {
		target = r.URL
	}
	return []string{
		r.ID,
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Agent,
		r.Tool,
		r.Kind,
		target,
		strconv.FormatBool(r.Success),
		r.Error,
		r.Signature,
	}
}
