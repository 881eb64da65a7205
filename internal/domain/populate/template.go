package populate

import (
	"errors"
	"fmt"
)

// Extension URLs read from Questionnaire resources.
const (
	ExtVariable          = "http://hl7.org/fhir/StructureDefinition/variable"
	ExtInitialExpression = "http://hl7.org/fhir/uv/sdc/StructureDefinition/sdc-questionnaire-initialExpression"
	ExtPopulationContext = "http://hl7.org/fhir/uv/sdc/StructureDefinition/sdc-questionnaire-itemPopulationContext"
	ExtHidden            = "http://hl7.org/fhir/StructureDefinition/questionnaire-hidden"
	ExtLaunchContext     = "http://hl7.org/fhir/uv/sdc/StructureDefinition/sdc-questionnaire-launchContext"
	ExtSourceQueries     = "http://hl7.org/fhir/uv/sdc/StructureDefinition/sdc-questionnaire-sourceQueries"
)

// Expression languages.
const (
	LanguageFHIRPath  = "text/fhirpath"
	LanguageFHIRQuery = "application/x-fhir-query"
)

// DefaultMaxDepth bounds template nesting when no limit is configured.
const DefaultMaxDepth = 64

var (
	// ErrQuestionnaireNotFound means no questionnaire was supplied or stored
	// under the requested id or canonical url.
	ErrQuestionnaireNotFound = errors.New("questionnaire not found")
	// ErrQuestionnaireMissingItems means the questionnaire has no items to populate.
	ErrQuestionnaireMissingItems = errors.New("questionnaire has no items")
)

// Expression is an SDC Expression datatype.
type Expression struct {
	Name       string
	Language   string
	Expression string
}

// LaunchContextDecl is a declared sdc-questionnaire-launchContext.
type LaunchContextDecl struct {
	Name string
	Type string
}

// TemplateNode is one Questionnaire item with the population metadata the
// pipeline reads from it.
type TemplateNode struct {
	LinkID            string
	Text              string
	Type              string
	Repeats           bool
	Hidden            bool
	Variables         []Expression
	InitialExpression *Expression
	PopulationContext *Expression
	AnswerValueSet    string
	// AnswerOptions holds each answerOption with initialSelected removed,
	// so an option can be used as an answer directly.
	AnswerOptions     []map[string]interface{}
	// Initial holds the static initial[x] values of the item.
	Initial           []map[string]interface{}
	Items             []*TemplateNode
}

// IsGroup reports whether the node is a group item.
func (n *TemplateNode) IsGroup() bool { return n.Type == "group" }

// IsRepeatGroup reports whether the node is a group whose instance count is
// decided at population time.
func (n *TemplateNode) IsRepeatGroup() bool { return n.IsGroup() && n.Repeats }

// Template is a parsed Questionnaire.
type Template struct {
	ID             string
	URL            string
	Version        string
	Title          string
	SubjectTypes   []string
	// Resource is the Questionnaire as parsed.
	Resource       map[string]interface{}
	Contained      map[string]map[string]interface{}
	Variables      []Expression
	LaunchContexts []LaunchContextDecl
	// SourceQueries are local references ("#id") to contained batch bundles.
	SourceQueries  []string
	Items          []*TemplateNode

	index map[string]*TemplateNode
}

// Canonical returns the reference a QuestionnaireResponse uses for this
// template.
func (t *Template) Canonical() string {
	switch {
	case t.URL != "" && t.Version != "":
		return t.URL + "|" + t.Version
	case t.URL != "":
		return t.URL
	case t.ID != "":
		return "Questionnaire/" + t.ID
	}
	return ""
}

// Node returns the node with the given linkId.
func (t *Template) Node(linkID string) *TemplateNode {
	return t.index[linkID]
}

// ParseTemplate parses a Questionnaire. maxDepth bounds item nesting; a
// value of zero or less uses DefaultMaxDepth.
func ParseTemplate(data map[string]interface{}, maxDepth int) (*Template, error) {
	if data == nil {
		return nil, ErrQuestionnaireNotFound
	}
	if rt, _ := data["resourceType"].(string); rt != "" && rt != "Questionnaire" {
		return nil, fmt.Errorf("expected resourceType Questionnaire, got %s", rt)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	t := &Template{
		Contained: map[string]map[string]interface{}{},
		index:     map[string]*TemplateNode{},
	}
	t.ID, _ = data["id"].(string)
	t.URL, _ = data["url"].(string)
	t.Version, _ = data["version"].(string)
	t.Title, _ = data["title"].(string)
	t.Resource = data
	if types, ok := data["subjectType"].([]interface{}); ok {
		for _, st := range types {
			if s, ok := st.(string); ok {
				t.SubjectTypes = append(t.SubjectTypes, s)
			}
		}
	}

	if contained, ok := data["contained"].([]interface{}); ok {
		for _, raw := range contained {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if id, _ := m["id"].(string); id != "" {
				t.Contained[id] = m
			}
		}
	}

	for _, ext := range extensions(data) {
		url, _ := ext["url"].(string)
		switch url {
		case ExtVariable:
			if expr, ok := expressionValue(ext); ok {
				t.Variables = append(t.Variables, expr)
			}
		case ExtLaunchContext:
			if decl, ok := parseLaunchContext(ext); ok {
				t.LaunchContexts = append(t.LaunchContexts, decl)
			}
		case ExtSourceQueries:
			if ref, ok := ext["valueReference"].(map[string]interface{}); ok {
				if s, _ := ref["reference"].(string); s != "" {
					t.SourceQueries = append(t.SourceQueries, s)
				}
			}
		}
	}

	rawItems, _ := data["item"].([]interface{})
	items, err := t.parseItems(rawItems, 1, maxDepth)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrQuestionnaireMissingItems
	}
	t.Items = items
	return t, nil
}

func (t *Template) parseItems(raw []interface{}, depth, maxDepth int) ([]*TemplateNode, error) {
	if len(raw) > 0 && depth > maxDepth {
		return nil, fmt.Errorf("questionnaire items nest deeper than %d levels", maxDepth)
	}
	var nodes []*TemplateNode
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		node := parseNode(m)
		children, _ := m["item"].([]interface{})
		items, err := t.parseItems(children, depth+1, maxDepth)
		if err != nil {
			return nil, err
		}
		node.Items = items
		if node.LinkID != "" {
			t.index[node.LinkID] = node
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func parseNode(m map[string]interface{}) *TemplateNode {
	node := &TemplateNode{}
	node.LinkID, _ = m["linkId"].(string)
	node.Text, _ = m["text"].(string)
	node.Type, _ = m["type"].(string)
	node.Repeats, _ = m["repeats"].(bool)
	node.AnswerValueSet, _ = m["answerValueSet"].(string)

	if options, ok := m["answerOption"].([]interface{}); ok {
		for _, raw := range options {
			opt, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			value := map[string]interface{}{}
			for k, v := range opt {
				if k != "initialSelected" && k != "extension" {
					value[k] = v
				}
			}
			node.AnswerOptions = append(node.AnswerOptions, value)
		}
	}

	if initial, ok := m["initial"].([]interface{}); ok {
		for _, raw := range initial {
			if v, ok := raw.(map[string]interface{}); ok && len(v) > 0 {
				node.Initial = append(node.Initial, v)
			}
		}
	}

	for _, ext := range extensions(m) {
		url, _ := ext["url"].(string)
		switch url {
		case ExtVariable:
			if expr, ok := expressionValue(ext); ok {
				node.Variables = append(node.Variables, expr)
			}
		case ExtInitialExpression:
			if expr, ok := expressionValue(ext); ok {
				node.InitialExpression = &expr
			}
		case ExtPopulationContext:
			if expr, ok := expressionValue(ext); ok {
				node.PopulationContext = &expr
			}
		case ExtHidden:
			if hidden, _ := ext["valueBoolean"].(bool); hidden {
				node.Hidden = true
			}
		}
	}
	return node
}

func extensions(m map[string]interface{}) []map[string]interface{} {
	raw, _ := m["extension"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if ext, ok := r.(map[string]interface{}); ok {
			out = append(out, ext)
		}
	}
	return out
}

func expressionValue(ext map[string]interface{}) (Expression, bool) {
	v, ok := ext["valueExpression"].(map[string]interface{})
	if !ok {
		return Expression{}, false
	}
	expr := Expression{}
	expr.Name, _ = v["name"].(string)
	expr.Language, _ = v["language"].(string)
	expr.Expression, _ = v["expression"].(string)
	if expr.Expression == "" {
		return Expression{}, false
	}
	if expr.Language == "" {
		expr.Language = LanguageFHIRPath
	}
	return expr, true
}

func parseLaunchContext(ext map[string]interface{}) (LaunchContextDecl, bool) {
	decl := LaunchContextDecl{}
	for _, sub := range extensions(ext) {
		switch sub["url"] {
		case "name":
			if id, ok := sub["valueId"].(string); ok {
				decl.Name = id
			} else if coding, ok := sub["valueCoding"].(map[string]interface{}); ok {
				decl.Name, _ = coding["code"].(string)
			}
		case "type":
			decl.Type, _ = sub["valueCode"].(string)
		}
	}
	return decl, decl.Name != ""
}
