package fhir

// Coding is a FHIR Coding datatype.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Map renders the coding as a generic FHIR JSON object.
func (c Coding) Map() map[string]interface{} {
	m := map[string]interface{}{}
	if c.System != "" {
		m["system"] = c.System
	}
	if c.Version != "" {
		m["version"] = c.Version
	}
	if c.Code != "" {
		m["code"] = c.Code
	}
	if c.Display != "" {
		m["display"] = c.Display
	}
	return m
}

// CodingFromMap reads a Coding from generic FHIR JSON. ok is false when the
// value is not an object or carries no code.
func CodingFromMap(v interface{}) (Coding, bool) {
	m, isMap := v.(map[string]interface{})
	if !isMap {
		return Coding{}, false
	}
	c := Coding{}
	c.System, _ = m["system"].(string)
	c.Version, _ = m["version"].(string)
	c.Code, _ = m["code"].(string)
	c.Display, _ = m["display"].(string)
	return c, c.Code != ""
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}
