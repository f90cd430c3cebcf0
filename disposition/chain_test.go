package disposition

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/goliatone/go-mockstate/logging"
)

type defSet map[string]bool

func (d defSet) Has(rt string) bool { return d[rt] }

type stageFunc struct {
	name  string
	claim func(*Request) (Disposition, bool, error)
}

func (s stageFunc) Name() string { return s.name }
func (s stageFunc) Claim(_ context.Context, req *Request) (Disposition, bool, error) {
	return s.claim(req)
}

func orderStage(t *testing.T, defs defSet) *StatefulMockStage {
	t.Helper()
	stage, err := NewStatefulMockStage(defs, []StatefulRoute{{
		Methods:      []string{"POST", "GET"},
		Pattern:      "/orders/{order_id}",
		ResourceType: "order",
		IDFrom:       IDSource{Kind: IDFromPathParam, Name: "order_id"},
	}})
	if err != nil {
		t.Fatalf("stateful stage: %v", err)
	}
	return stage
}

func TestChainOrderAndFallThrough(t *testing.T) {
	idx, err := NewFixtureIndex([]Fixture{{ID: "health", Route: "/health", Status: 204}})
	if err != nil {
		t.Fatalf("fixtures: %v", err)
	}
	fail, err := NewFailStage([]FaultRule{{Name: "chaos", Route: "/orders/#", Tags: []string{"chaos"}, Fault: FaultSpec{Status: 503}}})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	proxy, err := NewProxyStage([]ProxyRule{{Route: "/legacy/#", Upstream: "https://legacy.internal/"}})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	chain := NewChain(Stages{
		Replay:       NewReplayStage(idx),
		Fail:         fail,
		Proxy:        proxy,
		StatefulMock: orderStage(t, defSet{"order": true}),
	}, WithChainLogger(logging.Nop{}), WithChainMetrics(NewMetrics(nil)))

	if got := chain.StageNames(); !reflect.DeepEqual(got, []string{"replay", "fail", "proxy", "stateful_mock", "record"}) {
		t.Fatalf("unexpected stage order %v", got)
	}

	cases := []struct {
		req  Request
		want Kind
	}{
		{Request{Method: "GET", Path: "/health/"}, KindReplay},
		{Request{Method: "POST", Path: "/orders/o-1", Tags: []string{"chaos"}}, KindFail},
		{Request{Method: "GET", Path: "/legacy/users/1"}, KindProxy},
		{Request{Method: "POST", Path: "/orders/o-1"}, KindStatefulMock},
		{Request{Method: "DELETE", Path: "/orders/o-1"}, KindRecord},
		{Request{Method: "GET", Path: "/unknown"}, KindRecord},
	}
	for _, tc := range cases {
		req := tc.req
		d := chain.Decide(context.Background(), &req)
		if d.Kind != tc.want {
			t.Fatalf("%s %s: expected %s, got %s", tc.req.Method, tc.req.Path, tc.want, d.Kind)
		}
		if d.Fingerprint == "" || d.Fingerprint != req.Fingerprint {
			t.Fatalf("expected fingerprint on disposition and request")
		}
	}

	req := Request{Method: "POST", Path: "/orders/o-9"}
	d := chain.Decide(context.Background(), &req)
	if d.ResourceType != "order" || d.ResourceID != "o-9" {
		t.Fatalf("unexpected stateful disposition %+v", d)
	}
	req = Request{Method: "GET", Path: "/legacy/x"}
	if d := chain.Decide(context.Background(), &req); d.Upstream != "https://legacy.internal" {
		t.Fatalf("expected normalized upstream, got %q", d.Upstream)
	}
}

func TestChainIgnoresCallerFingerprint(t *testing.T) {
	clean := Request{Method: "POST", Path: "/pay"}
	want := ComputeFingerprint(&clean, nil)

	idx, err := NewFixtureIndex([]Fixture{{ID: "spoof-target", Fingerprint: "chosen", Status: 200}})
	if err != nil {
		t.Fatalf("fixtures: %v", err)
	}
	fail, err := NewFailStage([]FaultRule{{Name: "flaky", Route: "/pay", Rate: Rate(0.5)}})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	chain := NewChain(Stages{Replay: NewReplayStage(idx), Fail: fail}, WithChainLogger(logging.Nop{}))

	expected := chain.Decide(context.Background(), &clean)
	spoofed := Request{Method: "POST", Path: "/pay", Fingerprint: "chosen"}
	got := chain.Decide(context.Background(), &spoofed)
	if got.Fingerprint != want || spoofed.Fingerprint != want {
		t.Fatalf("expected computed fingerprint %q, got %q", want, got.Fingerprint)
	}
	if got.Kind != expected.Kind || got.Kind == KindReplay {
		t.Fatalf("expected caller fingerprint to change nothing, got %s want %s", got.Kind, expected.Kind)
	}
}

func TestChainSkipsFailingStages(t *testing.T) {
	var out bytes.Buffer
	logger := logging.NewFmtLogger(&out)
	chain := NewChain(Stages{
		Replay: stageFunc{name: "replay", claim: func(*Request) (Disposition, bool, error) {
			return Disposition{}, false, errors.New("fixture index corrupted")
		}},
		Fail: stageFunc{name: "fail", claim: func(*Request) (Disposition, bool, error) {
			panic("boom")
		}},
		StatefulMock: orderStage(t, defSet{"order": true}),
	}, WithChainLogger(logger))

	req := Request{Method: "POST", Path: "/orders/o-1"}
	d := chain.Decide(context.Background(), &req)
	if d.Kind != KindStatefulMock {
		t.Fatalf("expected fall through to stateful mock, got %s", d.Kind)
	}
	logged := out.String()
	if !strings.Contains(logged, "fixture index corrupted") || !strings.Contains(logged, "stage fail panicked: boom") {
		t.Fatalf("expected both stage failures logged, got:\n%s", logged)
	}
}

func TestStatefulStageNeedsRegisteredDefinition(t *testing.T) {
	chain := NewChain(Stages{StatefulMock: orderStage(t, defSet{})}, WithChainLogger(logging.Nop{}))
	req := Request{Method: "POST", Path: "/orders/o-1"}
	if d := chain.Decide(context.Background(), &req); d.Kind != KindRecord {
		t.Fatalf("expected unknown resource type to fall through to record, got %s", d.Kind)
	}
}

func TestResourceIDSources(t *testing.T) {
	defs := defSet{"order": true}
	stage, err := NewStatefulMockStage(defs, []StatefulRoute{
		{Pattern: "/by-header", ResourceType: "order", IDFrom: IDSource{Kind: IDFromHeader, Name: "X-Order-ID"}},
		{Pattern: "/by-query", ResourceType: "order", IDFrom: IDSource{Kind: IDFromQuery, Name: "order"}},
		{Pattern: "/by-body", ResourceType: "order", IDFrom: IDSource{Kind: IDFromJSONPath, Name: "$.order.id"}},
		{Pattern: "/by-any/{id}", ResourceType: "order", IDFrom: IDSource{Kind: IDFromComposite, Sources: []IDSource{
			{Kind: IDFromHeader, Name: "x-order-id"},
			{Kind: IDFromJSONPath, Name: "items[0].order"},
			{Kind: IDFromPathParam, Name: "id"},
		}}},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"header", Request{Method: "GET", Path: "/by-header", Headers: map[string]string{"x-order-id": "h-1"}}, "h-1"},
		{"query", Request{Method: "GET", Path: "/by-query", Query: map[string]string{"order": "q-1"}}, "q-1"},
		{"json", Request{Method: "POST", Path: "/by-body", Body: []byte(`{"order":{"id":42}}`)}, "42"},
		{"composite body", Request{Method: "POST", Path: "/by-any/p-1", Body: []byte(`{"items":[{"order":"b-1"}]}`)}, "b-1"},
		{"composite path", Request{Method: "POST", Path: "/by-any/p-1"}, "p-1"},
	}
	for _, tc := range cases {
		req := tc.req
		d, ok, err := stage.Claim(context.Background(), &req)
		if err != nil || !ok || d.ResourceID != tc.want {
			t.Fatalf("%s: expected id %q, got %+v ok=%v err=%v", tc.name, tc.want, d, ok, err)
		}
	}

	req := Request{Method: "POST", Path: "/by-body", Body: []byte(`not json`)}
	if _, ok, _ := stage.Claim(context.Background(), &req); ok {
		t.Fatalf("expected no claim without an id")
	}
}

func TestStatefulRouteValidation(t *testing.T) {
	bad := []StatefulRoute{
		{Pattern: "/orders/{id}", IDFrom: IDSource{Kind: IDFromPathParam, Name: "id"}},
		{Pattern: "/orders/{id}", ResourceType: "order", IDFrom: IDSource{Kind: IDFromPathParam, Name: "order_id"}},
		{Pattern: "/orders/{id}", ResourceType: "order", IDFrom: IDSource{Kind: "cookie", Name: "id"}},
		{Pattern: "/orders/#/x", ResourceType: "order", IDFrom: IDSource{Kind: IDFromHeader, Name: "id"}},
	}
	for i, r := range bad {
		if _, err := NewStatefulMockStage(defSet{}, []StatefulRoute{r}); ErrorCode(err) != ErrCodeInvalidRule {
			t.Fatalf("route %d: expected invalid rule, got %v", i, err)
		}
	}
}
