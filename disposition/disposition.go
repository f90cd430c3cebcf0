// Package disposition decides how an incoming request is answered. A Chain
// asks a fixed sequence of stages (replay, fail, proxy, stateful mock,
// record) and the first one that claims the request wins.
package disposition

import "time"

// Kind names a disposition.
type Kind string

const (
	KindReplay       Kind = "replay"
	KindFail         Kind = "fail"
	KindProxy        Kind = "proxy"
	KindStatefulMock Kind = "stateful_mock"
	KindRecord       Kind = "record"
)

// Disposition is the chosen handling strategy. Only the fields of its Kind
// are set.
type Disposition struct {
	Kind         Kind       `json:"kind"`
	Fixture      *Fixture   `json:"fixture,omitempty"`
	Fault        *FaultSpec `json:"fault,omitempty"`
	Upstream     string     `json:"upstream,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	// Rule names the fault rule, proxy rule or stateful route that claimed.
	Rule        string `json:"rule,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Replay answers with a recorded fixture.
func Replay(f *Fixture) Disposition { return Disposition{Kind: KindReplay, Fixture: f} }

// Fail answers with an injected fault.
func Fail(rule string, spec FaultSpec) Disposition {
	return Disposition{Kind: KindFail, Fault: &spec, Rule: rule}
}

// Proxy forwards to upstream.
func Proxy(rule, upstream string) Disposition {
	return Disposition{Kind: KindProxy, Upstream: upstream, Rule: rule}
}

// StatefulMock drives the state machine of one resource.
func StatefulMock(resourceType, resourceID string) Disposition {
	return Disposition{Kind: KindStatefulMock, ResourceType: resourceType, ResourceID: resourceID}
}

// Record passively captures the request.
func Record() Disposition { return Disposition{Kind: KindRecord} }

// FaultSpec describes the injected failure.
type FaultSpec struct {
	Status  int               `json:"status" yaml:"status"`
	Message string            `json:"message,omitempty" yaml:"message,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Delay   time.Duration     `json:"delay,omitempty" yaml:"delay,omitempty"`
}
