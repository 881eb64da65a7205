package populate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

func decodeJSON(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("invalid test JSON: %v", err)
	}
	return m
}

func mustParseTemplate(t *testing.T, s string) *Template {
	t.Helper()
	tmpl, err := ParseTemplate(decodeJSON(t, s), 0)
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	return tmpl
}

func newEngine() Evaluator {
	return fhir.NewFHIRPathEngine()
}

// fakeFetcher serves canned responses by exact query and records every
// query it receives.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]interface{}
	failures  map[string]error
	queries   []string
	configs   []FetchConfig
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]interface{}{}, failures: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, query string, cfg FetchConfig) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.configs = append(f.configs, cfg)
	if err, ok := f.failures[query]; ok {
		return nil, err
	}
	if res, ok := f.responses[query]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("no canned response for %s", query)
}

func (f *fakeFetcher) seen(query string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queries {
		if q == query {
			return true
		}
	}
	return false
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func diagCodes(d *Diagnostics) map[string]int {
	out := map[string]int{}
	for _, item := range d.Items() {
		out[item.Code]++
	}
	return out
}
