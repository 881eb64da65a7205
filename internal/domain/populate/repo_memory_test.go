package populate

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRepository_GetByURL(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	put := func(id, version string) {
		t.Helper()
		q := map[string]interface{}{"resourceType": "Questionnaire", "id": id, "url": "http://example.org/q", "version": version}
		if err := repo.Put(ctx, id, q); err != nil {
			t.Fatal(err)
		}
	}
	put("v1", "1")
	put("v2", "2")

	q, err := repo.GetByURL(ctx, "http://example.org/q")
	if err != nil || q["id"] != "v2" {
		t.Errorf("expected latest version, got %v, %v", q, err)
	}
	q, err = repo.GetByURL(ctx, "http://example.org/q|1")
	if err != nil || q["id"] != "v1" {
		t.Errorf("expected version 1, got %v, %v", q, err)
	}

	put("v1", "1")
	if q, _ := repo.GetByURL(ctx, "http://example.org/q"); q["id"] != "v1" {
		t.Errorf("re-put must make v1 the latest, got %v", q["id"])
	}

	if _, err := repo.GetByURL(ctx, "http://example.org/q|3"); !errors.Is(err, ErrQuestionnaireNotFound) {
		t.Errorf("expected ErrQuestionnaireNotFound, got %v", err)
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	stored := map[string]interface{}{"resourceType": "Questionnaire", "item": []interface{}{map[string]interface{}{"linkId": "a"}}}
	if err := repo.Put(ctx, "q", stored); err != nil {
		t.Fatal(err)
	}
	stored["title"] = "changed after put"

	got, err := repo.GetByID(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["title"]; ok {
		t.Error("Put must store a copy")
	}
	got["item"].([]interface{})[0].(map[string]interface{})["linkId"] = "mutated"

	again, _ := repo.GetByID(ctx, "q")
	if again["item"].([]interface{})[0].(map[string]interface{})["linkId"] != "a" {
		t.Error("GetByID must return a copy")
	}

	if _, err := repo.GetByID(ctx, "nope"); !errors.Is(err, ErrQuestionnaireNotFound) {
		t.Errorf("expected ErrQuestionnaireNotFound, got %v", err)
	}
}
