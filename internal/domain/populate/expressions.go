package populate

import (
	"context"
)

// EvaluatedExpression is a node expression and, after Evaluate, its result.
type EvaluatedExpression struct {
	LinkID     string
	Name       string
	Expression string
	Value      []interface{}
	OK         bool
}

// PopulationExpressions holds the initial and item population context
// expressions of a template, keyed by linkId.
type PopulationExpressions struct {
	Initial  map[string]*EvaluatedExpression
	Contexts map[string]*EvaluatedExpression

	order []*EvaluatedExpression
}

// ReadPopulationExpressions collects node expressions in pre-order. The
// children of a repeating group are skipped: they are evaluated per
// instance while the response is built.
func ReadPopulationExpressions(t *Template) *PopulationExpressions {
	pe := &PopulationExpressions{
		Initial:  map[string]*EvaluatedExpression{},
		Contexts: map[string]*EvaluatedExpression{},
	}
	var walk func(nodes []*TemplateNode)
	walk = func(nodes []*TemplateNode) {
		for _, n := range nodes {
			if n.InitialExpression != nil && n.InitialExpression.Language == LanguageFHIRPath {
				e := &EvaluatedExpression{LinkID: n.LinkID, Expression: n.InitialExpression.Expression}
				pe.Initial[n.LinkID] = e
				pe.order = append(pe.order, e)
			}
			if n.PopulationContext != nil && n.PopulationContext.Language == LanguageFHIRPath {
				e := &EvaluatedExpression{
					LinkID:     n.LinkID,
					Name:       n.PopulationContext.Name,
					Expression: n.PopulationContext.Expression,
				}
				pe.Contexts[n.LinkID] = e
				pe.order = append(pe.order, e)
			}
			if n.IsRepeatGroup() {
				continue
			}
			walk(n.Items)
		}
	}
	walk(t.Items)
	return pe
}

// Len returns the number of collected expressions.
func (pe *PopulationExpressions) Len() int { return len(pe.order) }

// Evaluate runs every collected expression against env. A failure leaves
// the expression without a value and records an invalid diagnostic; an
// empty result is not a failure.
func (pe *PopulationExpressions) Evaluate(ctx context.Context, ev Evaluator, env map[string]interface{}, diags *Diagnostics) {
	root := env["resource"]
	for _, e := range pe.order {
		result, err := ev.EvaluateWithEnv(ctx, root, e.Expression, env)
		if err != nil {
			diags.Invalid(e.Expression, "expression for item %q could not be evaluated: %v", e.LinkID, err)
			continue
		}
		e.Value = result
		e.OK = true
	}
}
