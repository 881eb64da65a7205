package populate

import (
	"context"

	"github.com/rs/zerolog"
)

// BindVariables evaluates the questionnaire-level variables and then every
// item's variables in pre-order, binding each result under its name. Later
// variables see earlier ones. Query variables are resolved as contexts and
// are skipped here.
func BindVariables(ctx context.Context, t *Template, ev Evaluator, env *Environment, diags *Diagnostics, logger zerolog.Logger) {
	bound := 0
	bind := func(vars []Expression, scope string) {
		for _, v := range vars {
			if v.Language != LanguageFHIRPath {
				continue
			}
			if v.Name == "" {
				diags.Invalid(v.Expression, "variable in %s has no name", scope)
				continue
			}
			root, _ := env.Lookup("resource")
			result, err := ev.EvaluateWithEnv(ctx, root, v.Expression, env.Values())
			if err != nil {
				diags.Invalid(v.Expression, "variable %q in %s could not be evaluated: %v", v.Name, scope, err)
				continue
			}
			if err := env.Bind(v.Name, result); err != nil {
				diags.Invalid(v.Expression, "variable %q: %v", v.Name, err)
				continue
			}
			bound++
		}
	}

	bind(t.Variables, "questionnaire")

	var walk func(nodes []*TemplateNode)
	walk = func(nodes []*TemplateNode) {
		for _, n := range nodes {
			bind(n.Variables, "item "+n.LinkID)
			walk(n.Items)
		}
	}
	walk(t.Items)

	logger.Debug().Int("bound", bound).Msg("populate variables bound")
}
