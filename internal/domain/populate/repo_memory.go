package populate

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository keeps questionnaires in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]map[string]interface{}
	order []string
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]map[string]interface{})}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("questionnaire %s: %w", id, ErrQuestionnaireNotFound)
	}
	return deepCopyMap(q), nil
}

func (r *MemoryRepository) GetByURL(_ context.Context, canonical string) (map[string]interface{}, error) {
	url, version := splitCanonical(canonical)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		q := r.byID[r.order[i]]
		qURL, _ := q["url"].(string)
		qVersion, _ := q["version"].(string)
		if qURL == url && (version == "" || qVersion == version) {
			return deepCopyMap(q), nil
		}
	}
	return nil, fmt.Errorf("questionnaire %s: %w", canonical, ErrQuestionnaireNotFound)
}

func (r *MemoryRepository) Put(_ context.Context, id string, q map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.byID[id] = deepCopyMap(q)
	r.order = append(r.order, id)
	return nil
}
