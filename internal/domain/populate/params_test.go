package populate

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

func TestParseParameters(t *testing.T) {
	req, err := ParseParameters(decodeJSON(t, `{"resourceType": "Parameters", "parameter": [
	  {"name": "questionnaireRef", "valueReference": {"reference": "Questionnaire/vitals"}},
	  {"name": "url", "valueUri": "http://example.org/Questionnaire/vitals"},
	  {"name": "subject", "valueReference": {"reference": "Patient/p1", "display": "Ada"}},
	  {"name": "context", "part": [
	    {"name": "name", "valueString": "encounter"},
	    {"name": "content", "valueReference": {"reference": "Encounter/e1"}}
	  ]},
	  {"name": "ignored", "valueString": "x"}
	]}`))
	if err != nil {
		t.Fatalf("ParseParameters: %v", err)
	}
	if req.QuestionnaireID != "vitals" || req.Canonical != "http://example.org/Questionnaire/vitals" {
		t.Errorf("unexpected questionnaire selection %+v", req)
	}
	if req.Subject == nil || req.Subject.Display != "Ada" {
		t.Errorf("unexpected subject %+v", req.Subject)
	}
	want := []ContextDefinition{{Name: "encounter", Reference: "Encounter/e1"}}
	if diff := cmp.Diff(want, req.Contexts); diff != "" {
		t.Errorf("contexts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseParameters_Errors(t *testing.T) {
	if _, err := ParseParameters(map[string]interface{}{"resourceType": "Bundle"}); err == nil {
		t.Error("expected error for wrong resource type")
	}
	_, err := ParseParameters(decodeJSON(t, `{"resourceType": "Parameters", "parameter": [
	  {"name": "context", "part": [{"name": "content", "valueReference": {"reference": "Encounter/e1"}}]}
	]}`))
	if err == nil || !strings.Contains(err.Error(), "parameter 0") {
		t.Errorf("expected nameless context error, got %v", err)
	}
}

func TestOutputParameters(t *testing.T) {
	res := &Result{Response: &QuestionnaireResponse{ResourceType: "QuestionnaireResponse", Status: "in-progress"}}
	if out := OutputParameters(res); len(out.Parameter) != 1 || out.Parameter[0].Name != "response" {
		t.Errorf("expected only response, got %+v", out.Parameter)
	}

	res.Issues = fhir.NewOperationOutcome("warning", "invalid", "bad expression")
	out := OutputParameters(res)
	if len(out.Parameter) != 2 || out.Parameter[1].Name != "issues" {
		t.Errorf("expected response and issues, got %+v", out.Parameter)
	}
}
