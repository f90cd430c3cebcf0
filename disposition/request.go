package disposition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/goliatone/go-mockstate/condition"
)

// Request is the transport-neutral view of an incoming call.
type Request struct {
	Method  string            `json:"method" yaml:"method"`
	Path    string            `json:"path" yaml:"path"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty" yaml:"-"`
	// Tags are free-form labels that fault rules can select on.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Fingerprint is computed by Chain.Decide. A value set by the caller is
	// overwritten and never decoded from the wire.
	Fingerprint string `json:"-" yaml:"-"`

	decoded    any
	decodeErr  error
	decodeDone bool
}

// ParseTarget splits a raw request target such as "/orders/1?x=2" into a
// normalized path and a query map.
func ParseTarget(target string) (string, map[string]string, error) {
	u, err := url.ParseRequestURI(strings.TrimSpace(target))
	if err != nil {
		return "", nil, fmt.Errorf("parse request target %q: %w", target, err)
	}
	var query map[string]string
	if values := u.Query(); len(values) > 0 {
		query = make(map[string]string, len(values))
		for k, v := range values {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
	}
	return NormalizePath(u.Path), query, nil
}

// NormalizePath collapses duplicate slashes and strips the trailing slash.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return "/" + strings.Join(kept, "/")
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// JSON decodes the body once. An empty body decodes to nil.
func (r *Request) JSON() (any, error) {
	if r.decodeDone {
		return r.decoded, r.decodeErr
	}
	r.decodeDone = true
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		r.decodeErr = fmt.Errorf("decode request body: %w", err)
		return nil, r.decodeErr
	}
	r.decoded = v
	return v, nil
}

// Condition returns the request as guards see it. A body that is not JSON
// is left out.
func (r *Request) Condition() condition.Request {
	body, _ := r.JSON()
	return condition.Request{
		Method:  strings.ToUpper(r.Method),
		Path:    NormalizePath(r.Path),
		Headers: r.Headers,
		Query:   r.Query,
		Body:    body,
	}
}

// ComputeFingerprint hashes the method, normalized path, sorted query, the
// named headers and the body with xxh3. JSON bodies are hashed in canonical
// form so key order and whitespace do not matter.
func ComputeFingerprint(r *Request, headers []string) string {
	h := xxh3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.Write([]byte{0})
		}
	}
	write(strings.ToUpper(strings.TrimSpace(r.Method)), NormalizePath(r.Path))

	keys := make([]string, 0, len(r.Query))
	for k := range r.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write("q", k, r.Query[k])
	}

	names := make([]string, 0, len(headers))
	for _, name := range headers {
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	sort.Strings(names)
	for _, name := range names {
		if v, ok := r.Header(name); ok {
			write("h", name, v)
		}
	}

	if body, err := r.JSON(); err == nil && body != nil {
		canonical, _ := json.Marshal(body)
		write("b", string(canonical))
	} else if len(r.Body) > 0 {
		write("b", string(r.Body))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
