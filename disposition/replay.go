package disposition

import (
	"context"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture is a scripted response. It is found either by the exact request
// fingerprint or by method and route.
type Fixture struct {
	ID          string            `json:"id" yaml:"id"`
	Fingerprint string            `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Methods     []string          `json:"methods,omitempty" yaml:"methods,omitempty"`
	Route       string            `json:"route,omitempty" yaml:"route,omitempty"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status      int               `json:"status,omitempty" yaml:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        any               `json:"body,omitempty" yaml:"body,omitempty"`
}

type routedFixture struct {
	fixture *Fixture
	route   *Route
}

// FixtureIndex looks fixtures up by fingerprint first and route second.
// It is read-only once built.
type FixtureIndex struct {
	byFingerprint map[string]*Fixture
	routes        []routedFixture
}

// NewFixtureIndex validates fixtures and indexes them. Route fixtures are
// tried in ascending priority, declaration order breaking ties.
func NewFixtureIndex(fixtures []Fixture) (*FixtureIndex, error) {
	idx := &FixtureIndex{byFingerprint: map[string]*Fixture{}}
	seen := map[string]bool{}
	for i := range fixtures {
		f := fixtures[i]
		f.ID = strings.TrimSpace(f.ID)
		if f.ID == "" {
			return nil, invalidRule("fixture", "", "fixture at index %d has no id", i)
		}
		if seen[f.ID] {
			return nil, invalidRule("fixture", f.ID, "duplicate fixture id")
		}
		seen[f.ID] = true
		if f.Fingerprint == "" && f.Route == "" {
			return nil, invalidRule("fixture", f.ID, "needs a fingerprint or a route")
		}
		if f.Status == 0 {
			f.Status = 200
		}
		if f.Fingerprint != "" {
			if prev, ok := idx.byFingerprint[f.Fingerprint]; ok {
				return nil, invalidRule("fixture", f.ID, "fingerprint already used by %q", prev.ID)
			}
			idx.byFingerprint[f.Fingerprint] = &f
		}
		if f.Route != "" {
			route, err := CompileRoute(f.Route)
			if err != nil {
				return nil, invalidRule("fixture", f.ID, "%v", err)
			}
			idx.routes = append(idx.routes, routedFixture{fixture: &f, route: route})
		}
	}
	sort.SliceStable(idx.routes, func(i, j int) bool {
		return idx.routes[i].fixture.Priority < idx.routes[j].fixture.Priority
	})
	return idx, nil
}

// LoadFixtures reads a YAML or JSON list of fixtures.
func LoadFixtures(path string) ([]Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixtures []Fixture
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		return nil, invalidRule("fixture file", path, "%v", err)
	}
	return fixtures, nil
}

// Len reports how many fixtures are indexed.
func (idx *FixtureIndex) Len() int {
	if idx == nil {
		return 0
	}
	n := len(idx.byFingerprint)
	for _, rf := range idx.routes {
		if rf.fixture.Fingerprint == "" {
			n++
		}
	}
	return n
}

// Find returns the fixture for req, if any.
func (idx *FixtureIndex) Find(req *Request) (*Fixture, bool) {
	if idx == nil || req == nil {
		return nil, false
	}
	if req.Fingerprint != "" {
		if f, ok := idx.byFingerprint[req.Fingerprint]; ok {
			return f, true
		}
	}
	for _, rf := range idx.routes {
		if !methodMatches(rf.fixture.Methods, req.Method) {
			continue
		}
		if _, ok := rf.route.Match(req.Path); ok {
			return rf.fixture, true
		}
	}
	return nil, false
}

// ReplayStage claims requests the fixture index can answer.
type ReplayStage struct {
	index *FixtureIndex
}

// NewReplayStage builds the replay stage. A nil index never claims.
func NewReplayStage(index *FixtureIndex) *ReplayStage {
	return &ReplayStage{index: index}
}

func (s *ReplayStage) Name() string { return string(KindReplay) }

// Claim implements Stage.
func (s *ReplayStage) Claim(_ context.Context, req *Request) (Disposition, bool, error) {
	f, ok := s.index.Find(req)
	if !ok {
		return Disposition{}, false, nil
	}
	return Replay(f), true, nil
}
