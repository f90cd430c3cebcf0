package scenario

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRegistryCRUD(t *testing.T) {
	r := NewRegistry()
	if err := r.Create(orderDefinition()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Create(orderDefinition()); ErrorCode(err) != ErrCodeConflict {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	got, ok := r.Get("order")
	if !ok || got.InitialState != "pending" {
		t.Fatalf("expected stored definition, got %+v", got)
	}
	got.States[0] = "mutated"
	again, _ := r.Get("order")
	if again.States[0] != "pending" {
		t.Fatalf("expected Get to return a deep copy")
	}

	updated := orderDefinition()
	updated.States = append(updated.States, "returned")
	updated.Transitions = append(updated.Transitions, Transition{From: "delivered", To: "returned"})
	updated.Terminal = nil
	if err := r.Update(updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ = r.Get("order")
	if len(again.States) != 5 || again.Transitions[3].ID != "delivered->returned#3" {
		t.Fatalf("expected update to apply with default ids, got %+v", again)
	}

	missing := orderDefinition()
	missing.ResourceType = "invoice"
	if err := r.Update(missing); !IsNotFound(err) {
		t.Fatalf("expected not found on update of missing type, got %v", err)
	}
	if err := r.Delete(context.Background(), "invoice"); !IsNotFound(err) {
		t.Fatalf("expected not found on delete of missing type, got %v", err)
	}

	invalid := orderDefinition()
	invalid.InitialState = "nope"
	if err := r.Update(invalid); ErrorCode(err) != ErrCodeValidation {
		t.Fatalf("expected validation error on update, got %v", err)
	}

	if err := r.Delete(context.Background(), "order"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := r.Get("order"); ok {
		t.Fatalf("expected definition removed")
	}
	if _, err := r.Lookup("order"); !IsNotFound(err) {
		t.Fatalf("expected lookup not found, got %v", err)
	}
}

func TestRegistryDeleteRunsHooks(t *testing.T) {
	r := NewRegistry()
	if err := r.Create(orderDefinition()); err != nil {
		t.Fatalf("create: %v", err)
	}
	var seen []string
	r.OnDelete(func(_ context.Context, rt string) error {
		seen = append(seen, rt)
		return errors.New("hook failure is logged, not returned")
	})
	r.OnDelete(func(_ context.Context, rt string) error {
		seen = append(seen, rt+"-second")
		return nil
	})
	if err := r.Delete(context.Background(), "order"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !reflect.DeepEqual(seen, []string{"order", "order-second"}) {
		t.Fatalf("unexpected hook calls %v", seen)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	source := NewRegistry()
	for _, def := range []*Definition{orderDefinition(), paymentWithCheckout()} {
		if err := source.Create(def); err != nil {
			t.Fatalf("create %s: %v", def.ResourceType, err)
		}
	}

	for _, format := range []string{"yaml", "json"} {
		raw, err := MarshalBundle(source.ExportAll(), format)
		if err != nil {
			t.Fatalf("%s marshal: %v", format, err)
		}
		bundle, err := ParseBundle(raw)
		if err != nil {
			t.Fatalf("%s parse: %v", format, err)
		}
		fresh := NewRegistry()
		report, err := fresh.Import(bundle)
		if err != nil {
			t.Fatalf("%s import: %v", format, err)
		}
		if !reflect.DeepEqual(report.Imported, []string{"cart", "order"}) || len(report.Skipped) != 0 {
			t.Fatalf("%s: unexpected report %+v", format, report)
		}
		if !reflect.DeepEqual(source.List(), fresh.List()) {
			t.Fatalf("%s: round trip changed definitions:\n%s", format, raw)
		}
	}
}

func TestImportSkipsInvalidDefinitions(t *testing.T) {
	r := NewRegistry()
	if err := r.Create(orderDefinition()); err != nil {
		t.Fatalf("create: %v", err)
	}
	broken := orderDefinition()
	broken.ResourceType = "broken"
	broken.InitialState = "missing"
	report, err := r.Import(&Bundle{Version: BundleVersion, Definitions: []*Definition{
		orderDefinition(),
		broken,
		nil,
		paymentWithCheckout(),
	}})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !reflect.DeepEqual(report.Imported, []string{"order", "cart"}) {
		t.Fatalf("unexpected imported %v", report.Imported)
	}
	if !reflect.DeepEqual(report.Replaced, []string{"order"}) {
		t.Fatalf("unexpected replaced %v", report.Replaced)
	}
	if len(report.Skipped) != 2 || report.Skipped[0].ResourceType != "broken" || report.Skipped[1].ResourceType != "definitions[2]" {
		t.Fatalf("unexpected skipped %+v", report.Skipped)
	}
	if !strings.Contains(report.Skipped[0].Reason, "initial state") {
		t.Fatalf("expected reason to name the issue, got %q", report.Skipped[0].Reason)
	}
	if _, ok := r.Get("broken"); ok {
		t.Fatalf("invalid definition must not be stored")
	}
}

func TestImportRejectsEmptyBundles(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Import(nil); ErrorCode(err) != ErrCodeImport {
		t.Fatalf("expected import error for nil bundle, got %v", err)
	}
	if _, err := r.Import(&Bundle{Version: 1}); ErrorCode(err) != ErrCodeImport {
		t.Fatalf("expected import error for empty bundle, got %v", err)
	}
	if _, err := r.Import(&Bundle{Version: 99, Definitions: []*Definition{orderDefinition()}}); ErrorCode(err) != ErrCodeImport {
		t.Fatalf("expected import error for future version, got %v", err)
	}
}

func TestParseBundleFormats(t *testing.T) {
	list := `
- resource_type: door
  states: [closed, open]
  initial_state: closed
  transitions:
    - {from: closed, to: open, guard: 'request.method == "POST"'}
    - {from: open, to: closed}
`
	b, err := ParseBundle([]byte(list))
	if err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if b.Version != BundleVersion || len(b.Definitions) != 1 || b.Definitions[0].Transitions[0].Guard == nil {
		t.Fatalf("unexpected bundle %+v", b)
	}

	for _, bad := range []string{"", "just a string", "version: [1"} {
		if _, err := ParseBundle([]byte(bad)); ErrorCode(err) != ErrCodeImport {
			t.Fatalf("%q: expected import error, got %v", bad, err)
		}
	}
	if _, err := MarshalBundle(nil, "toml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestExecutionResumesAfterImport(t *testing.T) {
	h := newHarness(t, orderDefinition())
	ctx := context.Background()
	captured := body(map[string]any{"payment": map[string]any{"status": "captured"}})
	shipping := body(map[string]any{"shipping": map[string]any{"carrier": "ups"}})

	for i, format := range []string{"yaml", "json"} {
		id := []string{"o-yaml", "o-json"}[i]
		h.execute(t, "order", id, captured)

		raw, err := MarshalBundle(h.registry.ExportAll(), format)
		if err != nil {
			t.Fatalf("%s marshal: %v", format, err)
		}
		bundle, err := ParseBundle(raw)
		if err != nil {
			t.Fatalf("%s parse: %v", format, err)
		}
		fresh := NewRegistry()
		if _, err := fresh.Import(bundle); err != nil {
			t.Fatalf("%s import: %v", format, err)
		}
		tracker := NewTracker(h.store, fresh, WithTrackerClock(h.clock))
		resumed, err := NewExecutor(tracker).Execute(ctx, "order", id, shipping)
		if err != nil {
			t.Fatalf("%s execute after import: %v", format, err)
		}
		if resumed.OldState != "paid" || resumed.NewState != "shipped" || resumed.Applied == nil || resumed.Applied.ID != "ship" {
			t.Fatalf("%s: expected paid -> shipped via ship, got %+v", format, resumed)
		}
		inst, err := tracker.Load(ctx, "order", id)
		if err != nil {
			t.Fatalf("%s load: %v", format, err)
		}
		if len(inst.History) != 2 || inst.History[0].To != "paid" || inst.History[1].To != "shipped" {
			t.Fatalf("%s: unexpected history %+v", format, inst.History)
		}

		// the same sequence on the original registry ends the same way
		control := "control-" + format
		h.execute(t, "order", control, captured)
		want := h.execute(t, "order", control, shipping)
		if want.OldState != resumed.OldState || want.NewState != resumed.NewState || want.Applied.ID != resumed.Applied.ID {
			t.Fatalf("%s: resumed outcome %+v differs from %+v", format, resumed, want)
		}
		ref, _ := h.tracker.Load(ctx, "order", control)
		for j := range ref.History {
			if ref.History[j].TransitionID != inst.History[j].TransitionID || ref.History[j].To != inst.History[j].To {
				t.Fatalf("%s: history %+v differs from %+v", format, inst.History, ref.History)
			}
		}
	}
}
