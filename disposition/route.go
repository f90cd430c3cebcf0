package disposition

import (
	"fmt"
	"strings"
)

// Route is a compiled path pattern. Segments are literal, "{name}" which
// captures one segment, "*" or "+" which match one segment, or a final "#"
// which matches any remainder including nothing.
type Route struct {
	pattern  string
	segments []string
}

// CompileRoute validates pattern and prepares it for matching.
func CompileRoute(pattern string) (*Route, error) {
	normalized := NormalizePath(pattern)
	segments := splitSegments(normalized)
	seen := map[string]bool{}
	for i, seg := range segments {
		if seg == "#" && i != len(segments)-1 {
			return nil, fmt.Errorf("route %q: # must be the final segment", pattern)
		}
		name, ok := paramName(seg)
		if !ok {
			if strings.ContainsAny(seg, "{}") {
				return nil, fmt.Errorf("route %q: malformed parameter segment %q", pattern, seg)
			}
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("route %q: empty parameter name", pattern)
		}
		if seen[name] {
			return nil, fmt.Errorf("route %q: duplicate parameter %q", pattern, name)
		}
		seen[name] = true
	}
	return &Route{pattern: normalized, segments: segments}, nil
}

// MustCompileRoute is CompileRoute that panics on error.
func MustCompileRoute(pattern string) *Route {
	r, err := CompileRoute(pattern)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the normalized pattern.
func (r *Route) String() string {
	if r == nil {
		return ""
	}
	return r.pattern
}

// Match reports whether path matches and returns the captured parameters.
func (r *Route) Match(path string) (map[string]string, bool) {
	if r == nil {
		return nil, false
	}
	topic := splitSegments(NormalizePath(path))
	var params map[string]string

	pLen, tLen := len(r.segments), len(topic)
	pi, ti := 0, 0
	for pi < pLen && ti < tLen {
		seg := r.segments[pi]
		if seg == "#" {
			return params, true
		}
		if name, ok := paramName(seg); ok {
			if params == nil {
				params = map[string]string{}
			}
			params[name] = topic[ti]
		} else if seg != topic[ti] && seg != "+" && seg != "*" {
			return nil, false
		}
		pi++
		ti++
	}
	if pi == pLen && ti == tLen {
		return params, true
	}
	// "/orders/#" also matches "/orders"
	if pi == pLen-1 && r.segments[pi] == "#" && ti == tLen {
		return params, true
	}
	return nil, false
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func paramName(seg string) (string, bool) {
	if len(seg) < 2 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", false
	}
	return strings.TrimSpace(seg[1 : len(seg)-1]), true
}

// methodMatches treats an empty list as any method.
func methodMatches(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
