package populate

import (
	"context"
	"strings"
)

// QuestionnaireRepository stores Questionnaire resources as FHIR JSON.
type QuestionnaireRepository interface {
	GetByID(ctx context.Context, id string) (map[string]interface{}, error)
	// GetByURL finds a questionnaire by canonical url, optionally suffixed
	// with "|version". Without a version the most recently stored one wins.
	GetByURL(ctx context.Context, canonical string) (map[string]interface{}, error)
	Put(ctx context.Context, id string, q map[string]interface{}) error
}

func splitCanonical(canonical string) (url, version string) {
	if i := strings.Index(canonical, "|"); i >= 0 {
		return canonical[:i], canonical[i+1:]
	}
	return canonical, ""
}
