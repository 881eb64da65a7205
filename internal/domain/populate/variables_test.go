package populate

import (
	"context"
	"testing"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

const variableQuestionnaire = `{
  "resourceType": "Questionnaire",
  "extension": [
    {"url": "http://hl7.org/fhir/StructureDefinition/variable",
     "valueExpression": {"name": "given", "language": "text/fhirpath", "expression": "%patient.name.first().given.first()"}},
    {"url": "http://hl7.org/fhir/StructureDefinition/variable",
     "valueExpression": {"name": "query", "language": "application/x-fhir-query", "expression": "Condition?patient={{%patient.id}}"}}
  ],
  "item": [
    {"linkId": "g", "type": "group",
     "extension": [{"url": "http://hl7.org/fhir/StructureDefinition/variable",
                    "valueExpression": {"name": "greeting", "language": "text/fhirpath", "expression": "'Hello ' & %given"}}],
     "item": [
       {"linkId": "g.1", "type": "string",
        "extension": [
          {"url": "http://hl7.org/fhir/StructureDefinition/variable",
           "valueExpression": {"name": "broken", "language": "text/fhirpath", "expression": "%nope.id"}},
          {"url": "http://hl7.org/fhir/StructureDefinition/variable",
           "valueExpression": {"name": "shout", "language": "text/fhirpath", "expression": "%greeting.upper()"}}
        ]}
     ]}
  ]
}`

func TestBindVariables_OrderAndScope(t *testing.T) {
	tmpl := mustParseTemplate(t, variableQuestionnaire)
	env := NewEnvironment(nopLogger())
	_ = env.Bind("patient", map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"name":         []interface{}{map[string]interface{}{"given": []interface{}{"Ada"}}},
	})
	diags := NewDiagnostics()

	BindVariables(context.Background(), tmpl, newEngine(), env, diags, nopLogger())

	greeting, ok := env.Lookup("greeting")
	if !ok {
		t.Fatal("expected greeting bound")
	}
	if vals := greeting.([]interface{}); len(vals) != 1 || vals[0] != "Hello Ada" {
		t.Errorf("unexpected greeting %v", greeting)
	}
	shout, _ := env.Lookup("shout")
	if vals, _ := shout.([]interface{}); len(vals) != 1 || vals[0] != "HELLO ADA" {
		t.Errorf("child variable did not see parent variable: %v", shout)
	}
	if _, ok := env.Lookup("query"); ok {
		t.Error("query variables are resolved as contexts, not here")
	}
	if _, ok := env.Lookup("broken"); ok {
		t.Error("failed variable must stay unbound")
	}
	items := diags.Items()
	if len(items) != 1 || items[0].Code != fhir.IssueTypeInvalid || items[0].Expression != "%nope.id" {
		t.Errorf("unexpected diagnostics %+v", items)
	}
}

func TestBindVariables_EmptyResultIsBound(t *testing.T) {
	tmpl := mustParseTemplate(t, `{
	  "resourceType": "Questionnaire",
	  "extension": [{"url": "http://hl7.org/fhir/StructureDefinition/variable",
	                 "valueExpression": {"name": "none", "language": "text/fhirpath", "expression": "%resource.item"}}],
	  "item": [{"linkId": "a", "type": "string"}]
	}`)
	env := NewEnvironment(nopLogger())
	diags := NewDiagnostics()
	BindVariables(context.Background(), tmpl, newEngine(), env, diags, nopLogger())

	v, ok := env.Lookup("none")
	if !ok {
		t.Fatal("expected empty result to be bound")
	}
	if vals := v.([]interface{}); len(vals) != 0 {
		t.Errorf("expected empty collection, got %v", vals)
	}
	if diags.Len() != 0 {
		t.Errorf("unexpected diagnostics %+v", diags.Items())
	}
}
