package populate

import (
	"context"
	"strings"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// Evaluator evaluates FHIRPath expressions with %variables bound from env.
// fhir.FHIRPathEngine satisfies it.
type Evaluator interface {
	EvaluateWithEnv(ctx context.Context, root interface{}, expression string, env map[string]interface{}) ([]interface{}, error)
}

// SegmentKind distinguishes literal text from an embedded expression.
type SegmentKind int

const (
	SegmentLiteral SegmentKind = iota
	SegmentExpression
)

// Segment is one piece of a tokenized string. For expression segments Text
// holds the path between "{{%" and "}}".
type Segment struct {
	Kind SegmentKind
	Text string
}

const (
	embedOpen  = "{{%"
	embedClose = "}}"
)

// TokenizeEmbeddings splits s into literal and {{%path}} segments. An
// unterminated marker is kept as literal text.
func TokenizeEmbeddings(s string) []Segment {
	var segs []Segment
	for len(s) > 0 {
		start := strings.Index(s, embedOpen)
		if start < 0 {
			segs = append(segs, Segment{Kind: SegmentLiteral, Text: s})
			break
		}
		end := strings.Index(s[start+len(embedOpen):], embedClose)
		if end < 0 {
			segs = append(segs, Segment{Kind: SegmentLiteral, Text: s})
			break
		}
		if start > 0 {
			segs = append(segs, Segment{Kind: SegmentLiteral, Text: s[:start]})
		}
		path := s[start+len(embedOpen) : start+len(embedOpen)+end]
		segs = append(segs, Segment{Kind: SegmentExpression, Text: strings.TrimSpace(path)})
		s = s[start+len(embedOpen)+end+len(embedClose):]
	}
	return segs
}

// HasEmbeddings reports whether s contains at least one complete marker.
func HasEmbeddings(s string) bool {
	for _, seg := range TokenizeEmbeddings(s) {
		if seg.Kind == SegmentExpression {
			return true
		}
	}
	return false
}

// EmbeddingResolver substitutes {{%name.path}} markers using launch context
// resources. It performs no I/O.
type EmbeddingResolver struct {
	evaluator Evaluator
	launch    map[string]interface{}
}

// NewEmbeddingResolver returns a resolver over the given launch resources,
// keyed by context name.
func NewEmbeddingResolver(evaluator Evaluator, launch map[string]interface{}) *EmbeddingResolver {
	return &EmbeddingResolver{evaluator: evaluator, launch: launch}
}

// Resolve replaces every marker in s with the stringified first result of
// its path, or with "" when the path names an unknown context, fails to
// evaluate or yields nothing printable.
func (r *EmbeddingResolver) Resolve(ctx context.Context, s string) string {
	segs := TokenizeEmbeddings(s)
	var b strings.Builder
	for _, seg := range segs {
		if seg.Kind == SegmentLiteral {
			b.WriteString(seg.Text)
			continue
		}
		b.WriteString(r.evaluate(ctx, seg.Text))
	}
	return b.String()
}

func (r *EmbeddingResolver) evaluate(ctx context.Context, path string) string {
	name := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		name = path[:i]
	}
	if _, ok := r.launch[name]; !ok || name == "" {
		return ""
	}
	result, err := r.evaluator.EvaluateWithEnv(ctx, nil, "%"+path, r.launch)
	if err != nil || len(result) == 0 {
		return ""
	}
	switch result[0].(type) {
	case map[string]interface{}, []interface{}:
		return ""
	}
	return fhir.StringifyValue(result[0])
}
