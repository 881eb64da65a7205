package populate

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTokenizeEmbeddings(t *testing.T) {
	got := TokenizeEmbeddings("Observation?code=8302-2&patient={{%patient.id}}&_count={{% n }}")
	want := []Segment{
		{Kind: SegmentLiteral, Text: "Observation?code=8302-2&patient="},
		{Kind: SegmentExpression, Text: "patient.id"},
		{Kind: SegmentLiteral, Text: "&_count="},
		{Kind: SegmentExpression, Text: "n"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenizeEmbeddings_Unterminated(t *testing.T) {
	got := TokenizeEmbeddings("Patient/{{%patient.id")
	want := []Segment{{Kind: SegmentLiteral, Text: "Patient/{{%patient.id"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if HasEmbeddings("Patient/{{%patient.id") {
		t.Error("unterminated marker must not count as an embedding")
	}
}

func TestTokenizeEmbeddings_NoMarkers(t *testing.T) {
	if segs := TokenizeEmbeddings("Condition?patient=123"); len(segs) != 1 || segs[0].Kind != SegmentLiteral {
		t.Errorf("unexpected segments %+v", segs)
	}
	if segs := TokenizeEmbeddings(""); len(segs) != 0 {
		t.Errorf("expected no segments for empty string, got %+v", segs)
	}
}

func TestEmbeddingResolver_ObsHeightQuery(t *testing.T) {
	launch := map[string]interface{}{
		"patient": map[string]interface{}{"resourceType": "Patient", "id": "patient-123"},
	}
	r := NewEmbeddingResolver(newEngine(), launch)

	got := r.Resolve(context.Background(), "Observation?code=8302-2&patient={{%patient.id}}")
	if got != "Observation?code=8302-2&patient=patient-123" {
		t.Errorf("unexpected query %q", got)
	}
	if HasEmbeddings(got) {
		t.Errorf("markers left in %q", got)
	}
}

func TestEmbeddingResolver_Idempotent(t *testing.T) {
	launch := map[string]interface{}{
		"patient":   map[string]interface{}{"resourceType": "Patient", "id": "p1", "birthDate": "1980-02-01"},
		"encounter": map[string]interface{}{"resourceType": "Encounter", "id": "e9"},
	}
	r := NewEmbeddingResolver(newEngine(), launch)
	in := "Observation?patient={{%patient.id}}&encounter={{%encounter.id}}&date=ge{{%patient.birthDate}}"

	once := r.Resolve(context.Background(), in)
	twice := r.Resolve(context.Background(), once)
	if once != twice {
		t.Errorf("second resolution changed the string: %q -> %q", once, twice)
	}
	if once != "Observation?patient=p1&encounter=e9&date=ge1980-02-01" {
		t.Errorf("unexpected resolution %q", once)
	}
}

func TestEmbeddingResolver_UnknownContextIsEmpty(t *testing.T) {
	r := NewEmbeddingResolver(newEngine(), map[string]interface{}{
		"patient": map[string]interface{}{"resourceType": "Patient", "id": "p1"},
	})
	got := r.Resolve(context.Background(), "Encounter?subject={{%user.id}}&patient={{%patient.id}}")
	if got != "Encounter?subject=&patient=p1" {
		t.Errorf("unexpected resolution %q", got)
	}
}

func TestEmbeddingResolver_MissingValueAndObjectAreEmpty(t *testing.T) {
	r := NewEmbeddingResolver(newEngine(), map[string]interface{}{
		"patient": map[string]interface{}{"resourceType": "Patient", "id": "p1", "name": []interface{}{map[string]interface{}{"family": "Lee"}}},
	})
	if got := r.Resolve(context.Background(), "a={{%patient.gender}}"); got != "a=" {
		t.Errorf("missing value: got %q", got)
	}
	if got := r.Resolve(context.Background(), "a={{%patient.name}}"); got != "a=" {
		t.Errorf("object value: got %q", got)
	}
}
