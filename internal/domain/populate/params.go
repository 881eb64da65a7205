package populate

import (
	"fmt"
	"strings"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// Parameters is a FHIR Parameters resource holding resource-valued parameters.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

// Parameter is one named entry of Parameters.
type Parameter struct {
	Name     string      `json:"name"`
	Resource interface{} `json:"resource,omitempty"`
}

// ParseParameters reads $populate input Parameters into a Request.
func ParseParameters(resource map[string]interface{}) (Request, error) {
	var req Request
	if rt, _ := resource["resourceType"].(string); rt != "Parameters" {
		return req, fmt.Errorf("expected resourceType Parameters, got %q", rt)
	}
	raw, _ := resource["parameter"].([]interface{})
	for i, r := range raw {
		p, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := p["name"].(string)
		switch name {
		case "questionnaire":
			if q, ok := p["resource"].(map[string]interface{}); ok {
				req.Questionnaire = q
			}
		case "questionnaireRef":
			if ref, ok := p["valueReference"].(map[string]interface{}); ok {
				s, _ := ref["reference"].(string)
				req.QuestionnaireID = strings.TrimPrefix(s, "Questionnaire/")
			}
		case "canonical", "url":
			req.Canonical = primitiveString(p)
		case "subject":
			if ref, ok := p["valueReference"].(map[string]interface{}); ok {
				subject := &fhir.Reference{}
				subject.Reference, _ = ref["reference"].(string)
				subject.Type, _ = ref["type"].(string)
				subject.Display, _ = ref["display"].(string)
				req.Subject = subject
			}
		case "context":
			def, err := parseContextParam(p)
			if err != nil {
				return req, fmt.Errorf("parameter %d: %w", i, err)
			}
			req.Contexts = append(req.Contexts, def)
		}
	}
	return req, nil
}

func parseContextParam(p map[string]interface{}) (ContextDefinition, error) {
	var def ContextDefinition
	parts, _ := p["part"].([]interface{})
	for _, r := range parts {
		part, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		switch part["name"] {
		case "name":
			def.Name = primitiveString(part)
		case "content":
			if res, ok := part["resource"].(map[string]interface{}); ok {
				def.Resource = res
			} else if ref, ok := part["valueReference"].(map[string]interface{}); ok {
				def.Reference, _ = ref["reference"].(string)
			}
		}
	}
	if def.Name == "" {
		return def, fmt.Errorf("context has no name")
	}
	return def, nil
}

func primitiveString(p map[string]interface{}) string {
	for _, key := range []string{"valueString", "valueCanonical", "valueUri", "valueId", "valueCode"} {
		if s, ok := p[key].(string); ok {
			return s
		}
	}
	return ""
}

// OutputParameters packages a population result as $populate output
// Parameters. issues is included only when it has entries.
func OutputParameters(res *Result) *Parameters {
	out := &Parameters{ResourceType: "Parameters"}
	out.Parameter = append(out.Parameter, Parameter{Name: "response", Resource: res.Response})
	if res.Issues != nil && len(res.Issues.Issue) > 0 {
		out.Parameter = append(out.Parameter, Parameter{Name: "issues", Resource: res.Issues})
	}
	return out
}
