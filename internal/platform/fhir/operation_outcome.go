package fhir

import "fmt"

// OperationOutcome severity levels defined by FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this service.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTooCostly    = "too-costly"
)

var validSeverities = map[string]bool{
	IssueSeverityFatal:       true,
	IssueSeverityError:       true,
	IssueSeverityWarning:     true,
	IssueSeverityInformation: true,
}

// IsValidSeverity checks whether a severity string is a valid FHIR issue severity.
func IsValidSeverity(s string) bool {
	return validSeverities[s]
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
			Issue:        []OperationOutcomeIssue{},
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithLocation adds an issue including an expression/location path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	issue := OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	}
	if location != "" {
		issue.Expression = []string{location}
	}
	b.outcome.Issue = append(b.outcome.Issue, issue)
	return b
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Map renders the outcome as generic FHIR JSON so it can be embedded in a
// Parameters resource next to map-based resources.
func (o *OperationOutcome) Map() map[string]interface{} {
	issues := make([]interface{}, 0, len(o.Issue))
	for _, issue := range o.Issue {
		m := map[string]interface{}{
			"severity": issue.Severity,
			"code":     issue.Code,
		}
		if issue.Diagnostics != "" {
			m["diagnostics"] = issue.Diagnostics
		}
		if issue.Details != nil && issue.Details.Text != "" {
			m["details"] = map[string]interface{}{"text": issue.Details.Text}
		}
		if len(issue.Expression) > 0 {
			expr := make([]interface{}, len(issue.Expression))
			for i, e := range issue.Expression {
				expr[i] = e
			}
			m["expression"] = expr
		}
		issues = append(issues, m)
	}
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
}

// ParseOperationOutcome reads the issues of an OperationOutcome held as
// generic FHIR JSON. Issues without a valid severity are reported as errors;
// issues without a code are reported as processing issues.
func ParseOperationOutcome(resource map[string]interface{}) (*OperationOutcome, error) {
	if rt, _ := resource["resourceType"].(string); rt != "OperationOutcome" {
		return nil, fmt.Errorf("expected OperationOutcome, got %q", rt)
	}
	out := &OperationOutcome{ResourceType: "OperationOutcome", Issue: []OperationOutcomeIssue{}}
	raw, _ := resource["issue"].([]interface{})
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		issue := OperationOutcomeIssue{}
		issue.Severity, _ = m["severity"].(string)
		if !IsValidSeverity(issue.Severity) {
			issue.Severity = IssueSeverityError
		}
		issue.Code, _ = m["code"].(string)
		if issue.Code == "" {
			issue.Code = IssueTypeProcessing
		}
		issue.Diagnostics, _ = m["diagnostics"].(string)
		if details, ok := m["details"].(map[string]interface{}); ok {
			if text, _ := details["text"].(string); text != "" {
				issue.Details = &CodeableConcept{Text: text}
				if issue.Diagnostics == "" {
					issue.Diagnostics = text
				}
			}
		}
		if exprs, ok := m["expression"].([]interface{}); ok {
			for _, e := range exprs {
				if s, ok := e.(string); ok {
					issue.Expression = append(issue.Expression, s)
				}
			}
		}
		out.Issue = append(out.Issue, issue)
	}
	return out, nil
}

// RequiredFieldOutcome creates an OperationOutcome for a missing required field.
func RequiredFieldOutcome(field string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    IssueSeverityError,
				Code:        IssueTypeRequired,
				Diagnostics: fmt.Sprintf("%s is required", field),
				Expression:  []string{field},
			},
		},
	}
}

// InvalidOutcome creates an OperationOutcome for a malformed request.
func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}
