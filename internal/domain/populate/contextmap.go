package populate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// ErrEnvironmentFrozen is returned by Bind once expression evaluation has
// started.
var ErrEnvironmentFrozen = errors.New("environment is frozen")

// ContextDefinition is one named data source of a population run. Resource
// set means a launch context; otherwise Reference is fetched, or, when it
// is a local "#id" pointer to a contained Bundle, every entry of that
// bundle is fetched.
type ContextDefinition struct {
	Name      string
	Resource  map[string]interface{}
	Reference string
}

// Environment is the name to value mapping FHIRPath expressions read as
// %variables.
type Environment struct {
	mu     sync.RWMutex
	values map[string]interface{}
	frozen bool
	logger zerolog.Logger
}

// NewEnvironment returns an environment holding the built-in placeholders.
func NewEnvironment(logger zerolog.Logger) *Environment {
	placeholder := map[string]interface{}{
		"resourceType": "QuestionnaireResponse",
		"status":       "in-progress",
	}
	return &Environment{
		values: map[string]interface{}{
			"resource":     placeholder,
			"rootResource": placeholder,
		},
		logger: logger,
	}
}

// Bind sets name to value. A second binding of the same name replaces the
// first.
func (e *Environment) Bind(name string, value interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return fmt.Errorf("bind %q: %w", name, ErrEnvironmentFrozen)
	}
	if _, exists := e.values[name]; exists && name != "resource" && name != "rootResource" {
		e.logger.Warn().Str("name", name).Msg("context name bound twice, keeping the last value")
	}
	e.values[name] = value
	return nil
}

// Lookup returns the value bound to name.
func (e *Environment) Lookup(name string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[name]
	return v, ok
}

// Freeze rejects every later Bind.
func (e *Environment) Freeze() {
	e.mu.Lock()
	e.frozen = true
	e.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (e *Environment) Frozen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen
}

// Values returns a copy of the bindings, suitable as a FHIRPath env.
func (e *Environment) Values() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]interface{}, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Names returns the bound names in sorted order.
func (e *Environment) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.values))
	for k := range e.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// pendingResolution is the per-fetch tuple carried through the fan-out.
// entry is the bundle entry index for batch contexts and -1 otherwise.
type pendingResolution struct {
	def   ContextDefinition
	entry int
	query string
	fetch func(ctx context.Context) (interface{}, error)

	raw interface{}
	err error
}

// batchContext is a contained request bundle being filled in.
type batchContext struct {
	def    ContextDefinition
	bundle map[string]interface{}
	tuples []*pendingResolution
}

func newPending(def ContextDefinition, entry int, query string, fetcher Fetcher, cfg FetchConfig) *pendingResolution {
	p := &pendingResolution{def: def, entry: entry, query: query}
	if strings.TrimSpace(query) == "" {
		msg := fmt.Sprintf("context %q has no reference to resolve", def.Name)
		if entry >= 0 {
			msg = fmt.Sprintf("entry %d of batch context %q has no request url", entry, def.Name)
		}
		outcome := fhir.NewOperationOutcome(fhir.IssueSeverityWarning, fhir.IssueTypeInvalid, msg).Map()
		p.fetch = func(context.Context) (interface{}, error) { return outcome, nil }
		return p
	}
	p.fetch = func(ctx context.Context) (interface{}, error) {
		return fetcher.Fetch(ctx, query, cfg)
	}
	return p
}

// ContextBuilder turns context definitions into an Environment.
type ContextBuilder struct {
	fetcher   Fetcher
	evaluator Evaluator
	logger    zerolog.Logger
}

// NewContextBuilder returns a builder that fetches through fetcher and
// resolves embeddings with evaluator.
func NewContextBuilder(fetcher Fetcher, evaluator Evaluator, logger zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{fetcher: fetcher, evaluator: evaluator, logger: logger}
}

// Build resolves defs into a new environment. contained holds the
// questionnaire's contained resources keyed by id. Failures become
// diagnostics; Build itself never fails.
func (b *ContextBuilder) Build(ctx context.Context, defs []ContextDefinition, contained map[string]map[string]interface{}, cfg FetchConfig, diags *Diagnostics) *Environment {
	env := NewEnvironment(b.logger)

	launch := map[string]interface{}{}
	var references []ContextDefinition
	var batches []*batchContext

	for _, def := range defs {
		switch {
		case def.Resource != nil:
			launch[def.Name] = def.Resource
			_ = env.Bind(def.Name, def.Resource)
		case strings.HasPrefix(def.Reference, "#"):
			id := strings.TrimPrefix(def.Reference, "#")
			res, ok := contained[id]
			if !ok {
				diags.Invalid(def.Reference, "context %q points at missing contained resource %q", def.Name, id)
				continue
			}
			if rt, _ := res["resourceType"].(string); rt == "Bundle" {
				batches = append(batches, &batchContext{def: def, bundle: deepCopyMap(res)})
				continue
			}
			_ = env.Bind(def.Name, res)
		default:
			references = append(references, def)
		}
	}

	resolver := NewEmbeddingResolver(b.evaluator, launch)

	var tuples []*pendingResolution
	for _, def := range references {
		query := resolver.Resolve(ctx, def.Reference)
		tuples = append(tuples, newPending(def, -1, query, b.fetcher, cfg))
	}
	for _, batch := range batches {
		for i, entry := range bundleEntries(batch.bundle) {
			query := ""
			if req, ok := entry["request"].(map[string]interface{}); ok {
				if u, _ := req["url"].(string); u != "" {
					query = resolver.Resolve(ctx, u)
					req["url"] = query
				}
			}
			p := newPending(batch.def, i, query, b.fetcher, cfg)
			batch.tuples = append(batch.tuples, p)
			tuples = append(tuples, p)
		}
	}

	settle(ctx, tuples)

	for _, p := range tuples {
		if p.entry >= 0 {
			continue
		}
		if res, ok := b.fold(p, diags); ok {
			_ = env.Bind(p.def.Name, res)
		}
	}
	for _, batch := range batches {
		entries := bundleEntries(batch.bundle)
		for _, p := range batch.tuples {
			if res, ok := b.fold(p, diags); ok {
				entries[p.entry]["resource"] = res
			}
		}
		_ = env.Bind(batch.def.Name, batch.bundle)
	}

	b.logger.Debug().
		Int("launch", len(launch)).
		Int("references", len(references)).
		Int("batches", len(batches)).
		Int("diagnostics", diags.Len()).
		Msg("populate contexts built")
	return env
}

// settle runs every fetch concurrently and waits for all of them. Each
// goroutine records its own outcome and returns nil so no failure cancels
// its siblings.
func settle(ctx context.Context, tuples []*pendingResolution) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range tuples {
		p := p
		g.Go(func() error {
			p.raw, p.err = p.fetch(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

// fold classifies a settled tuple. Only resolved resources are returned;
// everything else is reported.
func (b *ContextBuilder) fold(p *pendingResolution, diags *Diagnostics) (map[string]interface{}, bool) {
	if p.err == nil {
		result := NormalizeEnvelope(p.raw)
		switch result.Kind {
		case Resolved:
			return result.Resource, true
		case OperationOutcomeResult:
			diags.AddIssues(result.Issues)
			return nil, false
		}
	} else {
		b.logger.Warn().Err(p.err).Str("context", p.def.Name).Str("query", p.query).Msg("context fetch failed")
	}
	if p.entry >= 0 {
		diags.NotFound("entry %d of batch context %q could not be resolved", p.entry, p.def.Name)
	} else {
		diags.NotFound("reference %q for context %q could not be resolved", p.query, p.def.Name)
	}
	return nil, false
}

func bundleEntries(bundle map[string]interface{}) []map[string]interface{} {
	raw, _ := bundle["entry"].([]interface{})
	out := make([]map[string]interface{}, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			m = map[string]interface{}{}
			raw[i] = m
		}
		out[i] = m
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return v
}
