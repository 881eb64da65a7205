package populate

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// DefaultTerminologyServerURL is used when no terminology server is configured.
const DefaultTerminologyServerURL = "https://tx.ontoserver.csiro.au/fhir"

// AnswerPolicy decides what happens to coded answers missing from the
// answer list.
type AnswerPolicy string

const (
	// AnswerPolicyStrict drops coded answers the answer list does not offer.
	AnswerPolicyStrict AnswerPolicy = "strict"
	// AnswerPolicyLenient keeps them unchanged.
	AnswerPolicyLenient AnswerPolicy = "lenient"
)

// ParseAnswerPolicy parses a configured policy name. The empty string is strict.
func ParseAnswerPolicy(s string) (AnswerPolicy, error) {
	switch AnswerPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AnswerPolicyStrict:
		return AnswerPolicyStrict, nil
	case AnswerPolicyLenient:
		return AnswerPolicyLenient, nil
	}
	return "", fmt.Errorf("unknown answer policy %q (want strict or lenient)", s)
}

const expandPrefix = "ValueSet/$expand?url="

// ExpansionQuery builds the $expand query for an answerValueSet. A value
// that already is an $expand query is reduced to its url, and a "|version"
// suffix becomes a version parameter.
func ExpansionQuery(answerValueSet string) string {
	canonical := answerValueSet
	if i := strings.Index(canonical, expandPrefix); i >= 0 && len(canonical) > i+len(expandPrefix) {
		canonical = canonical[i+len(expandPrefix):]
	}
	if unescaped, err := url.QueryUnescape(canonical); err == nil {
		canonical = unescaped
	}
	version := ""
	if i := strings.Index(canonical, "|"); i >= 0 {
		canonical, version = canonical[:i], canonical[i+1:]
	} else if i := strings.Index(canonical, "&version="); i >= 0 {
		canonical, version = canonical[:i], canonical[i+len("&version="):]
	}
	q := expandPrefix + url.QueryEscape(canonical)
	if version != "" {
		q += "&version=" + url.QueryEscape(version)
	}
	return q
}

// FetchExpander expands value sets on a terminology server through a Fetcher.
type FetchExpander struct {
	fetcher Fetcher
	cfg     FetchConfig
}

// NewFetchExpander returns an expander calling the terminology server at
// baseURL, or DefaultTerminologyServerURL when baseURL is empty.
func NewFetchExpander(fetcher Fetcher, baseURL string, headers map[string]string) *FetchExpander {
	if baseURL == "" {
		baseURL = DefaultTerminologyServerURL
	}
	return &FetchExpander{fetcher: fetcher, cfg: FetchConfig{BaseURL: baseURL, Headers: headers}}
}

// ExpandValueSet implements fhir.ValueSetExpander.
func (e *FetchExpander) ExpandValueSet(ctx context.Context, valueSetURL, filter string, offset, count int) (*fhir.ExpandedValueSet, error) {
	q := ExpansionQuery(valueSetURL)
	if filter != "" {
		q += "&filter=" + url.QueryEscape(filter)
	}
	if offset > 0 {
		q += "&offset=" + strconv.Itoa(offset)
	}
	if count > 0 {
		q += "&count=" + strconv.Itoa(count)
	}

	raw, err := e.fetcher.Fetch(ctx, q, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", valueSetURL, err)
	}
	result := NormalizeEnvelope(raw)
	switch result.Kind {
	case Resolved:
		vs, err := fhir.ParseExpandedValueSet(result.Resource)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", valueSetURL, err)
		}
		return vs, nil
	case OperationOutcomeResult:
		msg := "terminology server returned an OperationOutcome"
		if len(result.Issues) > 0 && result.Issues[0].Diagnostics != "" {
			msg = result.Issues[0].Diagnostics
		}
		return nil, fmt.Errorf("expand %s: %s: %w", valueSetURL, msg, fhir.ErrValueSetNotFound)
	}
	return nil, fmt.Errorf("expand %s: %w", valueSetURL, fhir.ErrValueSetNotFound)
}

// ValueSetResolver expands pending answer value sets and rewrites answers
// against the resulting coding lists.
type ValueSetResolver struct {
	expander fhir.ValueSetExpander
	policy   AnswerPolicy
	logger   zerolog.Logger
}

// NewValueSetResolver returns a resolver using expander for external value sets.
func NewValueSetResolver(expander fhir.ValueSetExpander, policy AnswerPolicy, logger zerolog.Logger) *ValueSetResolver {
	if policy == "" {
		policy = AnswerPolicyStrict
	}
	return &ValueSetResolver{expander: expander, policy: policy, logger: logger}
}

// Resolve expands every distinct value set in pending concurrently, then
// cleans the answers of every item that has a coding list. Items left
// without answers are removed; repeat group instances are kept so the
// instance count does not change.
func (r *ValueSetResolver) Resolve(ctx context.Context, t *Template, items []ResponseItem, pending map[string]string, diags *Diagnostics) []ResponseItem {
	expanded := r.expandAll(ctx, pending, diags)

	codings := func(linkID string) []fhir.Coding {
		if avs, ok := pending[linkID]; ok {
			if list, ok := expanded[avs]; ok {
				return list
			}
		}
		node := t.Node(linkID)
		if node == nil {
			return nil
		}
		if strings.HasPrefix(node.AnswerValueSet, "#") {
			if vs, ok := t.Contained[strings.TrimPrefix(node.AnswerValueSet, "#")]; ok {
				if list := containedCodings(vs); len(list) > 0 {
					return list
				}
			}
		}
		return optionCodings(node)
	}
	return r.clean(t, items, codings)
}

func (r *ValueSetResolver) expandAll(ctx context.Context, pending map[string]string, diags *Diagnostics) map[string][]fhir.Coding {
	urls := map[string]bool{}
	for _, avs := range pending {
		urls[avs] = true
	}
	var (
		mu  sync.Mutex
		out = make(map[string][]fhir.Coding, len(urls))
	)
	g, gctx := errgroup.WithContext(ctx)
	for u := range urls {
		u := u
		g.Go(func() error {
			vs, err := r.expander.ExpandValueSet(gctx, u, "", 0, 0)
			if err != nil {
				r.logger.Warn().Err(err).Str("valueSet", u).Msg("answer value set expansion failed")
				diags.NotFound("answerValueSet %q could not be expanded", u)
				return nil
			}
			mu.Lock()
			out[u] = vs.Codings()
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Debug().Int("requested", len(urls)).Int("expanded", len(out)).Msg("answer value sets resolved")
	return out
}

func (r *ValueSetResolver) clean(t *Template, items []ResponseItem, codings func(string) []fhir.Coding) []ResponseItem {
	var out []ResponseItem
	for _, item := range items {
		if len(item.Item) > 0 {
			item.Item = r.clean(t, item.Item, codings)
			if len(item.Item) == 0 && len(item.Answer) == 0 && !isRepeatInstance(t, item.LinkID) {
				continue
			}
			out = append(out, item)
			continue
		}
		if list := codings(item.LinkID); len(list) > 0 && len(item.Answer) > 0 {
			item.Answer = r.cleanAnswers(item.Answer, list)
			if len(item.Answer) == 0 {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

func isRepeatInstance(t *Template, linkID string) bool {
	node := t.Node(linkID)
	return node != nil && node.IsRepeatGroup()
}

func (r *ValueSetResolver) cleanAnswers(answers []map[string]interface{}, list []fhir.Coding) []map[string]interface{} {
	byCode := make(map[string]fhir.Coding, len(list))
	for _, c := range list {
		if _, seen := byCode[c.Code]; !seen {
			byCode[c.Code] = c
		}
	}
	var out []map[string]interface{}
	for _, a := range answers {
		if s, ok := a["valueString"].(string); ok {
			if c, found := byCode[s]; found {
				out = append(out, map[string]interface{}{"valueCoding": c.Map()})
				continue
			}
			out = append(out, a)
			continue
		}
		raw, isCoding := a["valueCoding"]
		if !isCoding {
			out = append(out, a)
			continue
		}
		c, _ := fhir.CodingFromMap(raw)
		if _, found := byCode[c.Code]; found || r.policy == AnswerPolicyLenient {
			out = append(out, a)
		}
	}
	return out
}

func optionCodings(node *TemplateNode) []fhir.Coding {
	var out []fhir.Coding
	for _, opt := range node.AnswerOptions {
		if c, ok := fhir.CodingFromMap(opt["valueCoding"]); ok {
			out = append(out, c)
		}
	}
	return out
}

// containedCodings reads a contained ValueSet's expansion, falling back to
// the concepts listed in compose.include.
func containedCodings(vs map[string]interface{}) []fhir.Coding {
	if expanded, err := fhir.ParseExpandedValueSet(vs); err == nil {
		return expanded.Codings()
	}
	compose, _ := vs["compose"].(map[string]interface{})
	includes, _ := compose["include"].([]interface{})
	var out []fhir.Coding
	for _, raw := range includes {
		inc, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := inc["system"].(string)
		version, _ := inc["version"].(string)
		concepts, _ := inc["concept"].([]interface{})
		for _, rc := range concepts {
			concept, ok := rc.(map[string]interface{})
			if !ok {
				continue
			}
			c := fhir.Coding{System: system, Version: version}
			c.Code, _ = concept["code"].(string)
			c.Display, _ = concept["display"].(string)
			if c.Code != "" {
				out = append(out, c)
			}
		}
	}
	return out
}
