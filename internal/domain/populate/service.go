package populate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// Options configure a Service.
type Options struct {
	// FHIRServerURL is the base for reference and batch context queries
	// when a request does not name one.
	FHIRServerURL string
	AnswerPolicy  AnswerPolicy
	MaxDepth      int
	Now           func() time.Time
}

// Request is one $populate invocation.
type Request struct {
	Questionnaire   map[string]interface{}
	QuestionnaireID string
	Canonical       string
	Subject         *fhir.Reference
	Contexts        []ContextDefinition
	FetchConfig     FetchConfig
}

// Result is the populated response and the diagnostics gathered on the way.
type Result struct {
	Response *QuestionnaireResponse
	Issues   *fhir.OperationOutcome
}

// Service runs the population pipeline.
type Service struct {
	repo      QuestionnaireRepository
	fetcher   Fetcher
	evaluator Evaluator
	expander  fhir.ValueSetExpander
	opts      Options
	logger    zerolog.Logger
}

// NewService creates a populate service. repo may be nil when every request
// carries its questionnaire inline.
func NewService(repo QuestionnaireRepository, fetcher Fetcher, evaluator Evaluator, expander fhir.ValueSetExpander, opts Options, logger zerolog.Logger) *Service {
	if opts.AnswerPolicy == "" {
		opts.AnswerPolicy = AnswerPolicyStrict
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:      repo,
		fetcher:   fetcher,
		evaluator: evaluator,
		expander:  expander,
		opts:      opts,
		logger:    logger,
	}
}

// Repository returns the questionnaire store, which may be nil.
func (s *Service) Repository() QuestionnaireRepository { return s.repo }

// Populate builds a QuestionnaireResponse for req. Only a missing or empty
// questionnaire is an error; every other problem is reported in
// Result.Issues.
func (s *Service) Populate(ctx context.Context, req Request) (*Result, error) {
	q, err := s.questionnaire(ctx, req)
	if err != nil {
		return nil, err
	}
	t, err := ParseTemplate(q, s.opts.MaxDepth)
	if err != nil {
		return nil, err
	}

	cfg := req.FetchConfig
	if cfg.BaseURL == "" {
		cfg.BaseURL = s.opts.FHIRServerURL
	}

	diags := NewDiagnostics()
	defs := withImplicitContexts(req.Contexts, t)

	env := NewContextBuilder(s.fetcher, s.evaluator, s.logger).Build(ctx, defs, t.Contained, cfg, diags)
	BindVariables(ctx, t, s.evaluator, env, diags, s.logger)
	env.Freeze()

	exprs := ReadPopulationExpressions(t)
	values := env.Values()
	exprs.Evaluate(ctx, s.evaluator, values, diags)

	builder := NewResponseBuilder(s.evaluator, values, exprs, diags)
	items := builder.Build(ctx, t)

	resolver := NewValueSetResolver(s.expander, s.opts.AnswerPolicy, s.logger)
	items = resolver.Resolve(ctx, t, items, builder.Pending(), diags)

	resp := &QuestionnaireResponse{
		ResourceType:  "QuestionnaireResponse",
		ID:            uuid.New().String(),
		Status:        "in-progress",
		Authored:      s.opts.Now().UTC().Format(time.RFC3339),
		Questionnaire: t.Canonical(),
		Subject:       subjectReference(req),
		Encounter:     encounterReference(req.Contexts),
		Item:          items,
	}

	s.logger.Info().
		Str("questionnaire", resp.Questionnaire).
		Int("items", len(items)).
		Int("issues", diags.Len()).
		Msg("questionnaire populated")

	return &Result{Response: resp, Issues: diags.OperationOutcome()}, nil
}

func (s *Service) questionnaire(ctx context.Context, req Request) (map[string]interface{}, error) {
	if req.Questionnaire != nil {
		return req.Questionnaire, nil
	}
	if s.repo == nil {
		return nil, ErrQuestionnaireNotFound
	}
	var (
		q   map[string]interface{}
		err error
	)
	switch {
	case req.QuestionnaireID != "":
		q, err = s.repo.GetByID(ctx, req.QuestionnaireID)
	case req.Canonical != "":
		q, err = s.repo.GetByURL(ctx, req.Canonical)
	default:
		return nil, ErrQuestionnaireNotFound
	}
	if err != nil {
		if errors.Is(err, ErrQuestionnaireNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load questionnaire: %w", err)
	}
	return q, nil
}

// withImplicitContexts appends the template's own source queries and query
// variables unless the caller already supplied a context of that name.
func withImplicitContexts(defs []ContextDefinition, t *Template) []ContextDefinition {
	named := make(map[string]bool, len(defs))
	for _, d := range defs {
		named[d.Name] = true
	}
	out := append([]ContextDefinition(nil), defs...)
	for _, d := range ImplicitContexts(t) {
		if !named[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func subjectReference(req Request) *fhir.Reference {
	if req.Subject != nil && req.Subject.Reference != "" {
		return req.Subject
	}
	for _, def := range req.Contexts {
		if def.Name != "patient" || def.Resource == nil {
			continue
		}
		if id, _ := def.Resource["id"].(string); id != "" {
			return &fhir.Reference{Type: "Patient", Reference: "Patient/" + id}
		}
	}
	return nil
}

func encounterReference(defs []ContextDefinition) *fhir.Reference {
	for _, def := range defs {
		if def.Name != "encounter" || def.Resource == nil {
			continue
		}
		if id, _ := def.Resource["id"].(string); id != "" {
			return &fhir.Reference{Type: "Encounter", Reference: "Encounter/" + id}
		}
	}
	return nil
}
