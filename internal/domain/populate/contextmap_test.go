package populate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

func patientResource() map[string]interface{} {
	return map[string]interface{}{"resourceType": "Patient", "id": "patient-123", "gender": "female"}
}

func batchBundle() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Bundle",
		"id":           "PrePopQuery",
		"type":         "batch",
		"entry": []interface{}{
			map[string]interface{}{"request": map[string]interface{}{"method": "GET", "url": "Condition?patient={{%patient.id}}"}},
			map[string]interface{}{"request": map[string]interface{}{"method": "GET", "url": "Observation?patient={{%patient.id}}"}},
		},
	}
}

func TestContextBuilder_BatchPositionalCorrespondence(t *testing.T) {
	f := newFakeFetcher()
	f.failures["Condition?patient=patient-123"] = errors.New("connection reset")
	f.responses["Observation?patient=patient-123"] = map[string]interface{}{"resourceType": "Bundle", "type": "searchset", "total": 2.0}

	contained := map[string]map[string]interface{}{"PrePopQuery": batchBundle()}
	defs := []ContextDefinition{
		{Name: "patient", Resource: patientResource()},
		{Name: "PrePopQuery", Reference: "#PrePopQuery"},
	}
	diags := NewDiagnostics()
	env := NewContextBuilder(f, newEngine(), nopLogger()).Build(context.Background(), defs, contained, FetchConfig{}, diags)

	v, ok := env.Lookup("PrePopQuery")
	if !ok {
		t.Fatal("expected PrePopQuery to be bound")
	}
	entries := v.(map[string]interface{})["entry"].([]interface{})
	first := entries[0].(map[string]interface{})
	second := entries[1].(map[string]interface{})
	if _, set := first["resource"]; set {
		t.Errorf("entry 0 must stay unresolved, got %v", first["resource"])
	}
	res, _ := second["resource"].(map[string]interface{})
	if res == nil || res["total"] != 2.0 {
		t.Errorf("entry 1 not filled with its own result: %v", second)
	}

	items := diags.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d: %+v", len(items), items)
	}
	if items[0].Code != fhir.IssueTypeNotFound || !strings.Contains(items[0].Message, "entry 0") {
		t.Errorf("unexpected diagnostic %+v", items[0])
	}

	// The contained bundle of the template stays untouched.
	orig := contained["PrePopQuery"]["entry"].([]interface{})[0].(map[string]interface{})
	if orig["request"].(map[string]interface{})["url"] != "Condition?patient={{%patient.id}}" {
		t.Error("contained bundle was mutated")
	}
	if _, set := orig["resource"]; set {
		t.Error("contained bundle entry received a resource")
	}
}

func TestContextBuilder_FailureIsolation(t *testing.T) {
	f := newFakeFetcher()
	f.responses["Practitioner/1"] = map[string]interface{}{"resourceType": "Practitioner", "id": "1"}
	f.responses["Encounter/2"] = map[string]interface{}{"data": map[string]interface{}{"resourceType": "Encounter", "id": "2"}}
	f.failures["Location/3"] = errors.New("timeout")

	defs := []ContextDefinition{
		{Name: "user", Reference: "Practitioner/1"},
		{Name: "encounter", Reference: "Encounter/2"},
		{Name: "location", Reference: "Location/3"},
	}
	diags := NewDiagnostics()
	env := NewContextBuilder(f, newEngine(), nopLogger()).Build(context.Background(), defs, nil, FetchConfig{}, diags)

	if _, ok := env.Lookup("user"); !ok {
		t.Error("expected user bound")
	}
	if enc, ok := env.Lookup("encounter"); !ok || enc.(map[string]interface{})["id"] != "2" {
		t.Errorf("expected unwrapped encounter, got %v", enc)
	}
	if _, ok := env.Lookup("location"); ok {
		t.Error("failed context must not be bound")
	}
	if diags.Len() != 1 {
		t.Fatalf("expected exactly 1 diagnostic, got %d", diags.Len())
	}
	if msg := diags.Items()[0].Message; msg != `reference "Location/3" for context "location" could not be resolved` {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestContextBuilder_OperationOutcomeBecomesIssues(t *testing.T) {
	f := newFakeFetcher()
	f.responses["Observation?code=8302-2&patient=patient-123"] = fhir.NewOperationOutcome(
		fhir.IssueSeverityError, fhir.IssueTypeProcessing, "search failed").Map()

	defs := []ContextDefinition{
		{Name: "patient", Resource: patientResource()},
		{Name: "ObsHeight", Reference: "Observation?code=8302-2&patient={{%patient.id}}"},
	}
	diags := NewDiagnostics()
	env := NewContextBuilder(f, newEngine(), nopLogger()).Build(context.Background(), defs, nil, FetchConfig{}, diags)

	if !f.seen("Observation?code=8302-2&patient=patient-123") {
		t.Errorf("fetch did not receive the resolved query, got %v", f.queries)
	}
	if _, ok := env.Lookup("ObsHeight"); ok {
		t.Error("OperationOutcome must not be bound")
	}
	items := diags.Items()
	if len(items) != 1 || items[0].Severity != fhir.IssueSeverityError || items[0].Message != "search failed" {
		t.Errorf("unexpected diagnostics %+v", items)
	}
}

func TestContextBuilder_MalformedDefinitions(t *testing.T) {
	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"entry": []interface{}{
			map[string]interface{}{"request": map[string]interface{}{"method": "GET"}},
		},
	}
	defs := []ContextDefinition{
		{Name: "empty"},
		{Name: "batch", Reference: "#b"},
		{Name: "ghost", Reference: "#missing"},
	}
	f := newFakeFetcher()
	diags := NewDiagnostics()
	NewContextBuilder(f, newEngine(), nopLogger()).Build(context.Background(), defs,
		map[string]map[string]interface{}{"b": bundle}, FetchConfig{}, diags)

	if len(f.queries) != 0 {
		t.Errorf("malformed definitions must not fetch, got %v", f.queries)
	}
	if codes := diagCodes(diags); codes[fhir.IssueTypeInvalid] != 3 {
		t.Errorf("expected 3 invalid diagnostics, got %v", diags.Items())
	}
	var messages []string
	for _, d := range diags.Items() {
		messages = append(messages, d.Message)
	}
	joined := strings.Join(messages, "\n")
	for _, want := range []string{
		`context "empty" has no reference to resolve`,
		`entry 0 of batch context "batch" has no request url`,
		`context "ghost" points at missing contained resource "missing"`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing diagnostic %q in\n%s", want, joined)
		}
	}
}

func TestContextBuilder_ContainedNonBundleBoundDirectly(t *testing.T) {
	org := map[string]interface{}{"resourceType": "Organization", "id": "org", "name": "Clinic"}
	diags := NewDiagnostics()
	env := NewContextBuilder(newFakeFetcher(), newEngine(), nopLogger()).Build(context.Background(),
		[]ContextDefinition{{Name: "org", Reference: "#org"}},
		map[string]map[string]interface{}{"org": org}, FetchConfig{}, diags)

	if v, ok := env.Lookup("org"); !ok || v.(map[string]interface{})["name"] != "Clinic" {
		t.Errorf("expected contained organization bound, got %v", v)
	}
	if diags.Len() != 0 {
		t.Errorf("unexpected diagnostics %+v", diags.Items())
	}
}

func TestContextBuilder_PassesFetchConfig(t *testing.T) {
	f := newFakeFetcher()
	f.responses["Patient/1"] = map[string]interface{}{"resourceType": "Patient", "id": "1"}
	cfg := FetchConfig{BaseURL: "https://fhir.example.org", Headers: map[string]string{"Authorization": "Bearer t"}}

	NewContextBuilder(f, newEngine(), nopLogger()).Build(context.Background(),
		[]ContextDefinition{{Name: "p", Reference: "Patient/1"}}, nil, cfg, NewDiagnostics())

	if len(f.configs) != 1 || f.configs[0].BaseURL != cfg.BaseURL || f.configs[0].Headers["Authorization"] != "Bearer t" {
		t.Errorf("fetch config not passed through: %+v", f.configs)
	}
}

func TestEnvironment_LastWriteWins(t *testing.T) {
	env := NewEnvironment(nopLogger())
	if err := env.Bind("patient", "first"); err != nil {
		t.Fatal(err)
	}
	if err := env.Bind("patient", "second"); err != nil {
		t.Fatal(err)
	}
	if v, _ := env.Lookup("patient"); v != "second" {
		t.Errorf("expected last binding to win, got %v", v)
	}
}

func TestEnvironment_BuiltinsAndFreeze(t *testing.T) {
	env := NewEnvironment(nopLogger())
	res, ok := env.Lookup("resource")
	if !ok || res.(map[string]interface{})["status"] != "in-progress" {
		t.Errorf("expected in-progress placeholder, got %v", res)
	}
	if _, ok := env.Lookup("rootResource"); !ok {
		t.Error("expected rootResource placeholder")
	}

	env.Freeze()
	if !env.Frozen() {
		t.Error("expected frozen environment")
	}
	if err := env.Bind("late", 1); !errors.Is(err, ErrEnvironmentFrozen) {
		t.Errorf("expected ErrEnvironmentFrozen, got %v", err)
	}
	if _, ok := env.Lookup("late"); ok {
		t.Error("frozen environment accepted a binding")
	}
}

func TestEnvironment_ValuesIsCopy(t *testing.T) {
	env := NewEnvironment(nopLogger())
	vals := env.Values()
	vals["intruder"] = true
	if _, ok := env.Lookup("intruder"); ok {
		t.Error("Values must return a copy")
	}
	if names := env.Names(); len(names) != 2 || names[0] != "resource" || names[1] != "rootResource" {
		t.Errorf("unexpected names %v", names)
	}
}
