package disposition

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

func TestRouteMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		match   bool
		params  map[string]string
	}{
		{"/orders", "/orders/", true, nil},
		{"/orders/{id}", "/orders/42", true, map[string]string{"id": "42"}},
		{"/orders/{id}/items/{item}", "//orders/42/items/7", true, map[string]string{"id": "42", "item": "7"}},
		{"/orders/{id}", "/orders", false, nil},
		{"/orders/*/items", "/orders/1/items", true, nil},
		{"/orders/+/items", "/orders/1/other", false, nil},
		{"/orders/#", "/orders", true, nil},
		{"/orders/#", "/orders/1/items/2", true, nil},
		{"/#", "/anything/at/all", true, nil},
		{"/orders/{id}/#", "/orders/9/x/y", true, map[string]string{"id": "9"}},
		{"/users", "/orders", false, nil},
	}
	for _, tc := range cases {
		r := MustCompileRoute(tc.pattern)
		params, ok := r.Match(tc.path)
		if ok != tc.match {
			t.Fatalf("%s vs %s: expected match=%v", tc.pattern, tc.path, tc.match)
		}
		if ok && !reflect.DeepEqual(params, tc.params) {
			t.Fatalf("%s vs %s: unexpected params %v", tc.pattern, tc.path, params)
		}
	}
}

func TestCompileRouteRejectsMalformedPatterns(t *testing.T) {
	for _, p := range []string{"/a/#/b", "/a/{}", "/a/{id}/{id}", "/a/{id"} {
		if _, err := CompileRoute(p); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := &Request{
		Method:  "post",
		Path:    "/orders/1/",
		Query:   map[string]string{"b": "2", "a": "1"},
		Headers: map[string]string{"X-Tenant": "acme", "User-Agent": "curl"},
		Body:    []byte(`{"b": 1, "a": [1, 2]}`),
	}
	b := &Request{
		Method:  "POST",
		Path:    "/orders//1",
		Query:   map[string]string{"a": "1", "b": "2"},
		Headers: map[string]string{"x-tenant": "acme", "User-Agent": "wget"},
		Body:    []byte(`{"a":[1,2],"b":1}`),
	}
	headers := []string{"X-Tenant"}
	if ComputeFingerprint(a, headers) != ComputeFingerprint(b, headers) {
		t.Fatalf("expected equivalent requests to share a fingerprint")
	}
	c := *b
	c.Headers = map[string]string{"x-tenant": "other"}
	c.decodeDone = false
	if ComputeFingerprint(a, headers) == ComputeFingerprint(&c, headers) {
		t.Fatalf("expected selected header to change the fingerprint")
	}
	d := &Request{Method: "POST", Path: "/orders/1", Query: a.Query, Headers: a.Headers, Body: []byte("raw")}
	if ComputeFingerprint(a, headers) == ComputeFingerprint(d, headers) {
		t.Fatalf("expected body to change the fingerprint")
	}
}

func TestParseTarget(t *testing.T) {
	path, query, err := ParseTarget("/orders//1/?expand=items&x=1&x=2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if path != "/orders/1" || !reflect.DeepEqual(query, map[string]string{"expand": "items", "x": "1"}) {
		t.Fatalf("unexpected path %q query %v", path, query)
	}
	if _, _, err := ParseTarget("::nope"); err == nil {
		t.Fatalf("expected error for malformed target")
	}
}

func TestFaultRateIsDeterministic(t *testing.T) {
	stage, err := NewFailStage([]FaultRule{{Name: "flaky", Route: "/pay", Rate: Rate(0.3)}})
	if err != nil {
		t.Fatalf("fail stage: %v", err)
	}
	claimed := 0
	const total = 2000
	for i := 0; i < total; i++ {
		req := &Request{Method: "POST", Path: "/pay", Fingerprint: fmt.Sprintf("fp-%d", i)}
		_, first, _ := stage.Claim(context.Background(), req)
		_, second, _ := stage.Claim(context.Background(), req)
		if first != second {
			t.Fatalf("expected the same request to get the same answer")
		}
		if first {
			claimed++
		}
	}
	if claimed < total/5 || claimed > total*2/5 {
		t.Fatalf("expected roughly 30%% of requests to fail, got %d of %d", claimed, total)
	}

	d, ok, _ := stage.Claim(context.Background(), &Request{Method: "POST", Path: "/other"})
	if ok {
		t.Fatalf("expected no claim outside the route, got %+v", d)
	}
	if _, err := NewFailStage([]FaultRule{{Name: "bad", Rate: Rate(2)}}); ErrorCode(err) != ErrCodeInvalidRule {
		t.Fatalf("expected invalid rate rejected, got %v", err)
	}
}

func TestFaultRateNilAlwaysZeroNever(t *testing.T) {
	stage, err := NewFailStage([]FaultRule{
		{Name: "off", Route: "/pay", Rate: Rate(0)},
		{Name: "always", Route: "/pay", Methods: []string{"PUT"}},
	})
	if err != nil {
		t.Fatalf("fail stage: %v", err)
	}
	for i := 0; i < 200; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		if d, ok, _ := stage.Claim(context.Background(), &Request{Method: "POST", Path: "/pay", Fingerprint: fp}); ok {
			t.Fatalf("expected a zero rate to never fail, got %+v", d)
		}
		d, ok, _ := stage.Claim(context.Background(), &Request{Method: "PUT", Path: "/pay", Fingerprint: fp})
		if !ok || d.Rule != "always" {
			t.Fatalf("expected a rule without rate to always fail, got %+v", d)
		}
	}
}

func TestFixtureIndex(t *testing.T) {
	fp := ComputeFingerprint(&Request{Method: "GET", Path: "/orders/1"}, nil)
	idx, err := NewFixtureIndex([]Fixture{
		{ID: "catch-all", Route: "/orders/#", Priority: 10},
		{ID: "exact", Fingerprint: fp, Status: 201},
		{ID: "post-only", Methods: []string{"POST"}, Route: "/orders/{id}", Priority: 1},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if idx.Len() != 3 {
		t.Fatalf("expected 3 fixtures, got %d", idx.Len())
	}
	if f, _ := idx.Find(&Request{Method: "GET", Path: "/orders/1", Fingerprint: fp}); f.ID != "exact" || f.Status != 201 {
		t.Fatalf("expected fingerprint match first, got %+v", f)
	}
	if f, _ := idx.Find(&Request{Method: "POST", Path: "/orders/1"}); f.ID != "post-only" {
		t.Fatalf("expected priority order among routes, got %+v", f)
	}
	if f, _ := idx.Find(&Request{Method: "GET", Path: "/orders/2"}); f.ID != "catch-all" || f.Status != 200 {
		t.Fatalf("expected catch-all with default status, got %+v", f)
	}
	if _, err := NewFixtureIndex([]Fixture{{ID: "a", Route: "/x"}, {ID: "a", Route: "/y"}}); err == nil {
		t.Fatalf("expected duplicate ids rejected")
	}
	if _, err := NewFixtureIndex([]Fixture{{ID: "empty"}}); err == nil {
		t.Fatalf("expected fixture without fingerprint or route rejected")
	}
}

func TestMemoryRecorderRing(t *testing.T) {
	r := NewMemoryRecorder(2, nil)
	for _, p := range []string{"/a", "/b", "/c"} {
		req := &Request{Method: "GET", Path: p}
		if err := r.Record(context.Background(), NewRecording(req, "")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got := r.Recordings()
	if len(got) != 2 || got[0].Path != "/b" || got[1].Path != "/c" || got[0].RecordedAt.IsZero() {
		t.Fatalf("unexpected recordings %+v", got)
	}
	r.Reset()
	if len(r.Recordings()) != 0 {
		t.Fatalf("expected reset to clear recordings")
	}
}
