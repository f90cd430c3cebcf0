package disposition

import (
	"context"
	"strings"

	"github.com/zeebo/xxh3"
)

const rateBuckets = 10000

// FaultRule injects a failure into matching requests.
//
// Rate is the fraction of matching requests that fail. Requests are
// bucketed by hashing their fingerprint with the rule name, so the same
// request always gets the same answer. A nil rate fails every match and an
// explicit zero fails none.
type FaultRule struct {
	Name    string    `json:"name" yaml:"name"`
	Route   string    `json:"route,omitempty" yaml:"route,omitempty"`
	Methods []string  `json:"methods,omitempty" yaml:"methods,omitempty"`
	Tags    []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Rate    *float64  `json:"rate,omitempty" yaml:"rate,omitempty"`
	Fault   FaultSpec `json:"fault" yaml:"fault"`
}

type compiledFault struct {
	rule  FaultRule
	route *Route
}

// FailStage claims requests a fault rule selects.
type FailStage struct {
	rules []compiledFault
}

// NewFailStage validates rules. Rules are tried in order.
func NewFailStage(rules []FaultRule) (*FailStage, error) {
	stage := &FailStage{}
	for i, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			return nil, invalidRule("fault", "", "rule at index %d has no name", i)
		}
		if rule.Rate != nil {
			if r := *rule.Rate; r < 0 || r > 1 {
				return nil, invalidRule("fault", rule.Name, "rate %v outside [0, 1]", r)
			}
			rate := *rule.Rate
			rule.Rate = &rate
		}
		if rule.Fault.Status == 0 {
			rule.Fault.Status = 500
		}
		if rule.Fault.Status < 100 || rule.Fault.Status > 599 {
			return nil, invalidRule("fault", rule.Name, "status %d is not an HTTP status", rule.Fault.Status)
		}
		c := compiledFault{rule: rule}
		if rule.Route != "" {
			route, err := CompileRoute(rule.Route)
			if err != nil {
				return nil, invalidRule("fault", rule.Name, "%v", err)
			}
			c.route = route
		}
		stage.rules = append(stage.rules, c)
	}
	return stage, nil
}

func (s *FailStage) Name() string { return string(KindFail) }

// Claim implements Stage.
func (s *FailStage) Claim(_ context.Context, req *Request) (Disposition, bool, error) {
	if s == nil {
		return Disposition{}, false, nil
	}
	for _, c := range s.rules {
		if !methodMatches(c.rule.Methods, req.Method) {
			continue
		}
		if c.route != nil {
			if _, ok := c.route.Match(req.Path); !ok {
				continue
			}
		}
		if !hasTags(req.Tags, c.rule.Tags) {
			continue
		}
		if !inRate(c.rule.Name, req.Fingerprint, c.rule.Rate) {
			continue
		}
		return Fail(c.rule.Name, c.rule.Fault), true, nil
	}
	return Disposition{}, false, nil
}

func hasTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func inRate(rule, fingerprint string, rate *float64) bool {
	switch {
	case rate == nil || *rate >= 1:
		return true
	case *rate <= 0:
		return false
	}
	bucket := xxh3.HashString(rule+"\x00"+fingerprint) % rateBuckets
	return float64(bucket) < *rate*rateBuckets
}

// Rate returns a pointer to r for FaultRule.Rate.
func Rate(r float64) *float64 { return &r }
