package disposition

import (
	"context"
	"net/url"
	"strings"
)

// ProxyRule forwards matching requests to Upstream.
type ProxyRule struct {
	Name     string   `json:"name" yaml:"name"`
	Route    string   `json:"route" yaml:"route"`
	Methods  []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	Upstream string   `json:"upstream" yaml:"upstream"`
}

type compiledProxy struct {
	rule  ProxyRule
	route *Route
}

// ProxyStage claims requests routed to an upstream.
type ProxyStage struct {
	rules []compiledProxy
}

// NewProxyStage validates rules. Upstreams must be absolute http(s) URLs.
func NewProxyStage(rules []ProxyRule) (*ProxyStage, error) {
	stage := &ProxyStage{}
	for i, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			rule.Name = rule.Route
		}
		if rule.Name == "" {
			return nil, invalidRule("proxy", "", "rule at index %d has no name or route", i)
		}
		u, err := url.Parse(strings.TrimSpace(rule.Upstream))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalidRule("proxy", rule.Name, "upstream %q is not an absolute http(s) URL", rule.Upstream)
		}
		rule.Upstream = strings.TrimRight(u.String(), "/")
		route, err := CompileRoute(rule.Route)
		if err != nil {
			return nil, invalidRule("proxy", rule.Name, "%v", err)
		}
		stage.rules = append(stage.rules, compiledProxy{rule: rule, route: route})
	}
	return stage, nil
}

func (s *ProxyStage) Name() string { return string(KindProxy) }

// Claim implements Stage.
func (s *ProxyStage) Claim(_ context.Context, req *Request) (Disposition, bool, error) {
	if s == nil {
		return Disposition{}, false, nil
	}
	for _, c := range s.rules {
		if !methodMatches(c.rule.Methods, req.Method) {
			continue
		}
		if _, ok := c.route.Match(req.Path); ok {
			return Proxy(c.rule.Name, c.rule.Upstream), true, nil
		}
	}
	return Disposition{}, false, nil
}
