package populate

import (
	"errors"
	"strconv"
	"strings"
)

// ErrSubjectTypeUnsupported is returned when a questionnaire declares
// subject types that do not include Patient.
var ErrSubjectTypeUnsupported = errors.New("questionnaire subjectType does not allow Patient")

// LaunchResources are the resources an embedding application has at hand
// when it asks for population.
type LaunchResources struct {
	Patient   map[string]interface{}
	User      map[string]interface{}
	Encounter map[string]interface{}
}

// launchContextResources maps declared launch context names to the
// resource type each one must carry.
var launchContextResources = map[string]string{
	"patient":   "Patient",
	"user":      "Practitioner",
	"encounter": "Encounter",
}

func (l LaunchResources) byName(name string) map[string]interface{} {
	switch name {
	case "patient":
		return l.Patient
	case "user":
		return l.User
	case "encounter":
		return l.Encounter
	}
	return nil
}

// BuildPopulateParameters creates $populate input Parameters for t from the
// launch resources: the questionnaire, the patient subject, one context per
// declared launch context that has a resource, and the implicit contexts of
// the template.
func BuildPopulateParameters(t *Template, launch LaunchResources) (map[string]interface{}, error) {
	if len(t.SubjectTypes) > 0 && !containsString(t.SubjectTypes, "Patient") {
		return nil, ErrSubjectTypeUnsupported
	}

	params := []interface{}{
		map[string]interface{}{"name": "questionnaire", "resource": t.Resource},
	}
	if id, _ := launch.Patient["id"].(string); id != "" {
		params = append(params, map[string]interface{}{
			"name":           "subject",
			"valueReference": map[string]interface{}{"type": "Patient", "reference": "Patient/" + id},
		})
	}
	if t.URL != "" {
		params = append(params, map[string]interface{}{"name": "canonical", "valueString": t.URL})
	}

	for _, decl := range t.LaunchContexts {
		wantType, known := launchContextResources[decl.Name]
		if !known || (decl.Type != "" && decl.Type != wantType) {
			continue
		}
		res := launch.byName(decl.Name)
		if res == nil {
			continue
		}
		params = append(params, contextParam(decl.Name, map[string]interface{}{"name": "content", "resource": res}))
	}

	for _, def := range ImplicitContexts(t) {
		ref := map[string]interface{}{"reference": def.Reference}
		if rt := queryResourceType(def.Reference); rt != "" {
			ref["type"] = rt
		}
		params = append(params, contextParam(def.Name, map[string]interface{}{"name": "content", "valueReference": ref}))
	}

	params = append(params, map[string]interface{}{"name": "local", "valueBoolean": false})
	return map[string]interface{}{"resourceType": "Parameters", "parameter": params}, nil
}

// ImplicitContexts returns the contexts a template asks for itself: one
// batch context per sourceQueries reference and one reference context per
// questionnaire-level x-fhir-query variable.
func ImplicitContexts(t *Template) []ContextDefinition {
	var defs []ContextDefinition
	for i, ref := range t.SourceQueries {
		name := strings.TrimPrefix(ref, "#")
		if !strings.HasPrefix(ref, "#") || name == "" {
			name = "sourceQuery" + strconv.Itoa(i)
		}
		defs = append(defs, ContextDefinition{Name: name, Reference: ref})
	}
	for _, v := range t.Variables {
		if v.Language == LanguageFHIRQuery && v.Name != "" {
			defs = append(defs, ContextDefinition{Name: v.Name, Reference: v.Expression})
		}
	}
	return defs
}

func contextParam(name string, content map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name": "context",
		"part": []interface{}{
			map[string]interface{}{"name": "name", "valueString": name},
			content,
		},
	}
}

func queryResourceType(query string) string {
	if strings.HasPrefix(query, "#") {
		return ""
	}
	rt := query
	if i := strings.IndexAny(rt, "?/"); i >= 0 {
		rt = rt[:i]
	}
	return rt
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
