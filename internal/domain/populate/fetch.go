package populate

import (
	"context"
	"encoding/json"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
	"github.com/ehr/sdcpopulate/internal/platform/fhirclient"
)

// FetchConfig carries the base URL and headers for a fetch.
type FetchConfig = fhirclient.RequestConfig

// Fetcher retrieves a FHIR resource, or an envelope holding one, for a query.
// *fhirclient.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, query string, cfg FetchConfig) (interface{}, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, query string, cfg FetchConfig) (interface{}, error)

func (f FetcherFunc) Fetch(ctx context.Context, query string, cfg FetchConfig) (interface{}, error) {
	return f(ctx, query, cfg)
}

// ResultKind tags a normalized fetch result.
type ResultKind int

const (
	Unresolved ResultKind = iota
	Resolved
	OperationOutcomeResult
)

func (k ResultKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case OperationOutcomeResult:
		return "operation-outcome"
	}
	return "unresolved"
}

// FetchResult is a fetched payload classified once at the fetch boundary.
type FetchResult struct {
	Kind     ResultKind
	Resource map[string]interface{}
	Issues   []fhir.OperationOutcomeIssue
}

// NormalizeEnvelope classifies a fetched payload. A transport wrapper with a
// "data" field is unwrapped once; raw JSON bytes are decoded first.
func NormalizeEnvelope(v interface{}) FetchResult {
	switch raw := v.(type) {
	case []byte:
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return FetchResult{Kind: Unresolved}
		}
		v = decoded
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return FetchResult{Kind: Unresolved}
		}
		v = decoded
	}

	m, ok := v.(map[string]interface{})
	if !ok {
		return FetchResult{Kind: Unresolved}
	}
	if _, hasType := m["resourceType"]; !hasType {
		if data, ok := m["data"].(map[string]interface{}); ok {
			m = data
		}
	}

	rt, _ := m["resourceType"].(string)
	switch rt {
	case "":
		return FetchResult{Kind: Unresolved}
	case "OperationOutcome":
		oo, err := fhir.ParseOperationOutcome(m)
		if err != nil {
			return FetchResult{Kind: Unresolved}
		}
		return FetchResult{Kind: OperationOutcomeResult, Resource: m, Issues: oo.Issue}
	}
	return FetchResult{Kind: Resolved, Resource: m}
}
