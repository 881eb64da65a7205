package populate

import (
	"context"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// ResponseItem is a QuestionnaireResponse.item.
type ResponseItem struct {
	LinkID string                   `json:"linkId"`
	Text   string                   `json:"text,omitempty"`
	Answer []map[string]interface{} `json:"answer,omitempty"`
	Item   []ResponseItem           `json:"item,omitempty"`
}

// QuestionnaireResponse is the populated output document.
type QuestionnaireResponse struct {
	ResourceType  string          `json:"resourceType"`
	ID            string          `json:"id,omitempty"`
	Status        string          `json:"status"`
	Authored      string          `json:"authored,omitempty"`
	Questionnaire string          `json:"questionnaire,omitempty"`
	Subject       *fhir.Reference `json:"subject,omitempty"`
	Encounter     *fhir.Reference `json:"encounter,omitempty"`
	Item          []ResponseItem  `json:"item,omitempty"`
}

// scope is the environment a node's expressions are read from. At the top
// level vars is nil and the already evaluated expressions are used; inside
// a repeat instance expressions are evaluated against vars alone.
type scope struct {
	vars map[string]interface{}
}

func (s scope) with(name string, value interface{}) scope {
	vars := make(map[string]interface{}, len(s.vars)+1)
	for k, v := range s.vars {
		vars[k] = v
	}
	vars[name] = value
	return scope{vars: vars}
}

// ResponseBuilder materializes response items from a template.
type ResponseBuilder struct {
	evaluator Evaluator
	env       map[string]interface{}
	exprs     *PopulationExpressions
	diags     *Diagnostics

	// pending maps linkId to the answerValueSet that must be expanded
	// before its free text answers are final.
	pending map[string]string
}

// NewResponseBuilder returns a builder over evaluated expressions. env is
// the frozen global environment.
func NewResponseBuilder(evaluator Evaluator, env map[string]interface{}, exprs *PopulationExpressions, diags *Diagnostics) *ResponseBuilder {
	return &ResponseBuilder{
		evaluator: evaluator,
		env:       env,
		exprs:     exprs,
		diags:     diags,
		pending:   map[string]string{},
	}
}

// Pending returns the linkId to answerValueSet map recorded while building.
func (b *ResponseBuilder) Pending() map[string]string { return b.pending }

// Build returns the response items for the template's top-level items.
func (b *ResponseBuilder) Build(ctx context.Context, t *Template) []ResponseItem {
	return b.items(ctx, t.Items, scope{})
}

func (b *ResponseBuilder) items(ctx context.Context, nodes []*TemplateNode, s scope) []ResponseItem {
	var out []ResponseItem
	for _, n := range nodes {
		out = append(out, b.node(ctx, n, s)...)
	}
	return out
}

func (b *ResponseBuilder) node(ctx context.Context, n *TemplateNode, s scope) []ResponseItem {
	if n.Hidden {
		return nil
	}
	if len(n.Items) == 0 {
		answers := b.answers(ctx, n, s)
		if len(answers) == 0 {
			return nil
		}
		return []ResponseItem{{LinkID: n.LinkID, Text: n.Text, Answer: answers}}
	}

	if n.IsRepeatGroup() {
		return b.repeat(ctx, n, s)
	}

	// A population context only drives repetition; children of a
	// non-repeating group read from the same scope as the group.
	item := ResponseItem{
		LinkID: n.LinkID,
		Text:   n.Text,
		Item:   b.items(ctx, n.Items, s),
		Answer: b.answers(ctx, n, s),
	}
	if len(item.Item) == 0 && len(item.Answer) == 0 {
		return nil
	}
	return []ResponseItem{item}
}

// repeat expands a repeating group into one instance per value of its
// population context. Without a context the instance count is the longest
// answer list among the group's leaf children.
func (b *ResponseBuilder) repeat(ctx context.Context, n *TemplateNode, s scope) []ResponseItem {
	if n.PopulationContext != nil {
		values, ok := b.contextValues(ctx, n, s)
		if !ok {
			return nil
		}
		out := make([]ResponseItem, 0, len(values))
		for _, v := range values {
			sub := s.with(n.PopulationContext.Name, v)
			out = append(out, ResponseItem{
				LinkID: n.LinkID,
				Text:   n.Text,
				Item:   b.items(ctx, n.Items, sub),
			})
		}
		return out
	}

	perChild := make([][]map[string]interface{}, len(n.Items))
	count := 0
	for i, child := range n.Items {
		if child.Hidden || len(child.Items) > 0 {
			continue
		}
		perChild[i] = b.answers(ctx, child, s)
		if len(perChild[i]) > count {
			count = len(perChild[i])
		}
	}
	out := make([]ResponseItem, 0, count)
	for inst := 0; inst < count; inst++ {
		item := ResponseItem{LinkID: n.LinkID, Text: n.Text}
		for i, child := range n.Items {
			if inst < len(perChild[i]) {
				item.Item = append(item.Item, ResponseItem{
					LinkID: child.LinkID,
					Text:   child.Text,
					Answer: []map[string]interface{}{perChild[i][inst]},
				})
			}
		}
		out = append(out, item)
	}
	return out
}

// contextValues returns the population context collection of n. ok is
// false when the context has no name or could not be evaluated.
func (b *ResponseBuilder) contextValues(ctx context.Context, n *TemplateNode, s scope) ([]interface{}, bool) {
	expr := n.PopulationContext
	if expr.Name == "" {
		b.diags.Invalid(expr.Expression, "population context of item %q has no name", n.LinkID)
		return nil, false
	}
	if s.vars == nil {
		e, found := b.exprs.Contexts[n.LinkID]
		if !found || !e.OK {
			return nil, false
		}
		return e.Value, true
	}
	return b.evaluate(ctx, n.LinkID, expr.Expression, s.vars)
}

// answers converts the node's initial values into answers and records a
// pending expansion when one is needed. Static item.initial values are
// used when no expression produced anything.
func (b *ResponseBuilder) answers(ctx context.Context, n *TemplateNode, s scope) []map[string]interface{} {
	var values []interface{}
	if n.InitialExpression != nil && n.InitialExpression.Language == LanguageFHIRPath {
		if s.vars == nil && !b.outsideCollection(n) {
			if e, found := b.exprs.Initial[n.LinkID]; found && e.OK {
				values = e.Value
			}
		} else {
			env := s.vars
			if env == nil {
				env = b.env
			}
			values, _ = b.evaluate(ctx, n.LinkID, n.InitialExpression.Expression, env)
		}
	}

	var out []map[string]interface{}
	expand := false
	for _, v := range values {
		if str, isString := v.(string); isString && str == "" {
			continue
		}
		answer, needsExpansion := ParseAnswer(n, v)
		out = append(out, answer)
		expand = expand || needsExpansion
	}
	if len(out) == 0 {
		out = staticAnswers(n)
	}
	if expand {
		b.pending[n.LinkID] = n.AnswerValueSet
	}
	return out
}

// outsideCollection reports whether n was skipped by the expression reader.
func (b *ResponseBuilder) outsideCollection(n *TemplateNode) bool {
	_, collected := b.exprs.Initial[n.LinkID]
	return !collected
}

func (b *ResponseBuilder) evaluate(ctx context.Context, linkID, expression string, env map[string]interface{}) ([]interface{}, bool) {
	result, err := b.evaluator.EvaluateWithEnv(ctx, nil, expression, env)
	if err != nil {
		b.diags.Invalid(expression, "expression for item %q could not be evaluated: %v", linkID, err)
		return nil, false
	}
	return result, true
}
