package populate

import (
	"fmt"
	"sync"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// Diagnostic is one non-fatal problem found during a population run.
type Diagnostic struct {
	Severity   string
	Code       string
	Message    string
	Expression string
}

// Diagnostics collects diagnostics for a single population run. It is
// append-only and safe for concurrent use.
type Diagnostics struct {
	mu    sync.Mutex
	items []Diagnostic
}

// NewDiagnostics returns an empty collector.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// Add appends a diagnostic. An empty severity becomes warning.
func (d *Diagnostics) Add(diag Diagnostic) {
	if diag.Severity == "" {
		diag.Severity = fhir.IssueSeverityWarning
	}
	d.mu.Lock()
	d.items = append(d.items, diag)
	d.mu.Unlock()
}

// Invalid records a malformed context, reference or expression.
func (d *Diagnostics) Invalid(expression, format string, args ...interface{}) {
	d.Add(Diagnostic{
		Code:       fhir.IssueTypeInvalid,
		Message:    fmt.Sprintf(format, args...),
		Expression: expression,
	})
}

// NotFound records a fetch or expansion that produced nothing usable.
func (d *Diagnostics) NotFound(format string, args ...interface{}) {
	d.Add(Diagnostic{
		Code:    fhir.IssueTypeNotFound,
		Message: fmt.Sprintf(format, args...),
	})
}

// AddIssues copies the issues of a fetched OperationOutcome.
func (d *Diagnostics) AddIssues(issues []fhir.OperationOutcomeIssue) {
	for _, issue := range issues {
		diag := Diagnostic{
			Severity: issue.Severity,
			Code:     issue.Code,
			Message:  issue.Diagnostics,
		}
		if len(issue.Expression) > 0 {
			diag.Expression = issue.Expression[0]
		}
		d.Add(diag)
	}
}

// Len returns the number of diagnostics collected so far.
func (d *Diagnostics) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Items returns a copy of the collected diagnostics.
func (d *Diagnostics) Items() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Diagnostic(nil), d.items...)
}

// OperationOutcome packages the diagnostics as an OperationOutcome, or
// returns nil when there are none.
func (d *Diagnostics) OperationOutcome() *fhir.OperationOutcome {
	items := d.Items()
	if len(items) == 0 {
		return nil
	}
	b := fhir.NewOutcomeBuilder()
	for _, diag := range items {
		b.AddIssueWithLocation(diag.Severity, diag.Code, diag.Message, diag.Expression)
	}
	return b.Build()
}
