// Package sanitize implements the reactive engine's input guard: a
// max-depth-bounded walk over node config that strips dangerous keys and
// caps string length, reporting every finding so callers can log or
// reject.
package sanitize

import (
	"fmt"
	"strings"
)

// dangerousKeys names keys that, if present in a node's config, could be
// used to reach into a host object's prototype chain were this config ever
// interpreted by an embedded script engine — a risk the engine guards
// against even though no script plugin ships in this module.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

const defaultMaxStringLen = 8192

// Options configures a sanitization pass.
type Options struct {
	// MaxDepth bounds recursive descent into nested maps/slices. Zero
	// uses a default of 16.
	MaxDepth int
	// MaxStringLen caps the length of any string value, truncating
	// longer ones. Zero uses defaultMaxStringLen.
	MaxStringLen int
	// Strict, when true, makes Sanitize return an error instead of a
	// silently-cleaned copy when any finding is made.
	Strict bool
}

// Report lists every finding made during a Sanitize call, as human-readable
// reasons suitable for logging through a Logger Provider's INPUT_GUARD
// channel.
type Report struct {
	Reasons []string
}

func (r Report) Clean() bool { return len(r.Reasons) == 0 }

// Sanitize walks config recursively, removing dangerous keys and truncating
// oversized strings, returning a cleaned copy and a Report of what it
// found. If opts.Strict is set and the report is non-empty, it returns the
// original config and a non-nil error instead.
func Sanitize(config map[string]any, opts Options) (map[string]any, Report, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 16
	}
	if opts.MaxStringLen <= 0 {
		opts.MaxStringLen = defaultMaxStringLen
	}

	var report Report
	cleaned := walkMap(config, opts, 0, &report)

	if opts.Strict && !report.Clean() {
		return config, report, fmt.Errorf("sanitize: %d finding(s): %s", len(report.Reasons), strings.Join(report.Reasons, "; "))
	}
	return cleaned, report, nil
}

func walkMap(m map[string]any, opts Options, depth int, report *Report) map[string]any {
	if m == nil {
		return nil
	}
	if depth >= opts.MaxDepth {
		report.Reasons = append(report.Reasons, fmt.Sprintf("max depth %d exceeded, truncating subtree", opts.MaxDepth))
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if dangerousKeys[strings.ToLower(k)] {
			report.Reasons = append(report.Reasons, fmt.Sprintf("dropped dangerous key %q", k))
			continue
		}
		out[k] = walkValue(v, opts, depth+1, report)
	}
	return out
}

func walkValue(v any, opts Options, depth int, report *Report) any {
	switch t := v.(type) {
	case map[string]any:
		return walkMap(t, opts, depth, report)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = walkValue(item, opts, depth, report)
		}
		return out
	case string:
		if len(t) > opts.MaxStringLen {
			report.Reasons = append(report.Reasons, fmt.Sprintf("string value truncated from %d to %d bytes", len(t), opts.MaxStringLen))
			return t[:opts.MaxStringLen]
		}
		return t
	default:
		return v
	}
}
