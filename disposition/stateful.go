package disposition

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-mockstate/condition"
)

// IDSourceKind selects where a resource id is read from.
type IDSourceKind string

const (
	IDFromPathParam IDSourceKind = "path_param"
	IDFromHeader    IDSourceKind = "header"
	IDFromQuery     IDSourceKind = "query"
	IDFromJSONPath  IDSourceKind = "json_path"
	// IDFromComposite tries Sources in order and takes the first id found.
	IDFromComposite IDSourceKind = "composite"
)

// IDSource extracts the resource id from a request.
type IDSource struct {
	Kind    IDSourceKind `json:"kind" yaml:"kind"`
	Name    string       `json:"name,omitempty" yaml:"name,omitempty"`
	Sources []IDSource   `json:"sources,omitempty" yaml:"sources,omitempty"`
}

func (s IDSource) validate() error {
	switch s.Kind {
	case IDFromPathParam, IDFromHeader, IDFromQuery, IDFromJSONPath:
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("id source %s needs a name", s.Kind)
		}
	case IDFromComposite:
		if len(s.Sources) == 0 {
			return fmt.Errorf("composite id source needs sources")
		}
		for _, inner := range s.Sources {
			if err := inner.validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported id source %q", s.Kind)
	}
	return nil
}

// extract returns "" when the source does not yield an id.
func (s IDSource) extract(req *Request, params map[string]string) string {
	switch s.Kind {
	case IDFromPathParam:
		return params[s.Name]
	case IDFromHeader:
		v, _ := req.Header(s.Name)
		return strings.TrimSpace(v)
	case IDFromQuery:
		return strings.TrimSpace(req.Query[s.Name])
	case IDFromJSONPath:
		body, err := req.JSON()
		if err != nil || body == nil {
			return ""
		}
		path := s.Name
		if !strings.HasPrefix(path, "$") {
			path = "$." + path
		}
		v, err := condition.Resolve(path, condition.Context{Request: condition.Request{Body: body}})
		if err != nil || condition.IsAbsent(v) || v == nil {
			return ""
		}
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case float64, int, int64, bool:
			return fmt.Sprint(id)
		}
		return ""
	case IDFromComposite:
		for _, inner := range s.Sources {
			if id := inner.extract(req, params); id != "" {
				return id
			}
		}
	}
	return ""
}

// StatefulRoute binds requests to the state machine of a resource type.
type StatefulRoute struct {
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	Methods      []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	Pattern      string   `json:"pattern" yaml:"pattern"`
	ResourceType string   `json:"resource_type" yaml:"resource_type"`
	IDFrom       IDSource `json:"id_from" yaml:"id_from"`
}

// DefinitionSet is the part of the state machine registry the stage needs.
type DefinitionSet interface {
	Has(resourceType string) bool
}

type compiledStateful struct {
	route StatefulRoute
	match *Route
}

// StatefulMockStage claims requests that map onto a registered state machine.
type StatefulMockStage struct {
	routes      []compiledStateful
	definitions DefinitionSet
}

// NewStatefulMockStage validates routes. A path_param source must name a
// parameter of the route pattern.
func NewStatefulMockStage(definitions DefinitionSet, routes []StatefulRoute) (*StatefulMockStage, error) {
	stage := &StatefulMockStage{definitions: definitions}
	for i, r := range routes {
		r.ResourceType = strings.TrimSpace(r.ResourceType)
		if r.Name == "" {
			r.Name = r.Pattern
		}
		if r.ResourceType == "" {
			return nil, invalidRule("stateful route", r.Name, "route at index %d has no resource type", i)
		}
		compiled, err := CompileRoute(r.Pattern)
		if err != nil {
			return nil, invalidRule("stateful route", r.Name, "%v", err)
		}
		if err := r.IDFrom.validate(); err != nil {
			return nil, invalidRule("stateful route", r.Name, "%v", err)
		}
		if err := checkPathParams(r.IDFrom, compiled); err != nil {
			return nil, invalidRule("stateful route", r.Name, "%v", err)
		}
		stage.routes = append(stage.routes, compiledStateful{route: r, match: compiled})
	}
	return stage, nil
}

func checkPathParams(src IDSource, route *Route) error {
	switch src.Kind {
	case IDFromPathParam:
		for _, seg := range route.segments {
			if name, ok := paramName(seg); ok && name == src.Name {
				return nil
			}
		}
		return fmt.Errorf("pattern %s has no parameter %q", route, src.Name)
	case IDFromComposite:
		for _, inner := range src.Sources {
			if err := checkPathParams(inner, route); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *StatefulMockStage) Name() string { return string(KindStatefulMock) }

// Claim implements Stage. Routes whose id cannot be extracted, or whose
// resource type has no definition, do not claim.
func (s *StatefulMockStage) Claim(_ context.Context, req *Request) (Disposition, bool, error) {
	if s == nil || s.definitions == nil {
		return Disposition{}, false, nil
	}
	for _, c := range s.routes {
		if !methodMatches(c.route.Methods, req.Method) {
			continue
		}
		params, ok := c.match.Match(req.Path)
		if !ok {
			continue
		}
		id := c.route.IDFrom.extract(req, params)
		if id == "" {
			continue
		}
		if !s.definitions.Has(c.route.ResourceType) {
			continue
		}
		d := StatefulMock(c.route.ResourceType, id)
		d.Rule = c.route.Name
		return d, true, nil
	}
	return Disposition{}, false, nil
}
