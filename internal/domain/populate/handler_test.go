package populate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/sdcpopulate/internal/platform/middleware"
)

func newTestEcho(repo QuestionnaireRepository, fetcher Fetcher) *echo.Echo {
	e := echo.New()
	h := NewHandler(newTestService(repo, fetcher))
	h.RegisterRoutes(e.Group("/fhir"))
	return e
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return m
}

func TestHandler_PopulateInline(t *testing.T) {
	fetcher := newIntakeFetcher(t)
	e := newTestEcho(nil, fetcher)
	body := `{"resourceType": "Parameters", "parameter": [
	  {"name": "questionnaire", "resource": ` + intakeQuestionnaire + `},
	  {"name": "context", "part": [{"name": "name", "valueString": "patient"}, {"name": "content", "resource": ` + intakePatient + `}]}
	]}`

	rec := doRequest(e, http.MethodPost, "/fhir/Questionnaire/$populate", body, map[string]string{"Authorization": "Bearer abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	params := out["parameter"].([]interface{})
	if len(params) != 2 {
		t.Fatalf("expected response and issues, got %d parameters", len(params))
	}
	resp := params[0].(map[string]interface{})["resource"].(map[string]interface{})
	if resp["resourceType"] != "QuestionnaireResponse" || len(resp["item"].([]interface{})) != 4 {
		t.Errorf("unexpected response %v", resp)
	}
	if issues := params[1].(map[string]interface{}); issues["name"] != "issues" {
		t.Errorf("expected issues parameter, got %v", issues)
	}
	for _, cfg := range fetcher.configs {
		if cfg.Headers["Authorization"] != "Bearer abc" {
			t.Errorf("authorization not forwarded: %v", cfg.Headers)
		}
	}
}

func TestHandler_PopulateUnknownID(t *testing.T) {
	e := newTestEcho(NewMemoryRepository(), newFakeFetcher())
	rec := doRequest(e, http.MethodPost, "/fhir/Questionnaire/nope/$populate", `{"resourceType": "Parameters"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if decodeBody(t, rec)["resourceType"] != "OperationOutcome" {
		t.Error("expected an OperationOutcome body")
	}
}

func TestHandler_PopulateBadRequests(t *testing.T) {
	e := newTestEcho(nil, newFakeFetcher())
	cases := map[string]string{
		"empty body":  ``,
		"invalid":     `{`,
		"not params":  `{"resourceType": "Patient"}`,
		"no items":    `{"resourceType": "Parameters", "parameter": [{"name": "questionnaire", "resource": {"resourceType": "Questionnaire"}}]}`,
		"bad context": `{"resourceType": "Parameters", "parameter": [{"name": "context", "part": []}]}`,
	}
	for name, body := range cases {
		rec := doRequest(e, http.MethodPost, "/fhir/Questionnaire/$populate", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestHandler_PutThenPopulateByID(t *testing.T) {
	e := newTestEcho(NewMemoryRepository(), newIntakeFetcher(t))

	rec := doRequest(e, http.MethodPut, "/fhir/Questionnaire/intake", intakeQuestionnaire, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(e, http.MethodGet, "/fhir/Questionnaire/intake", "", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["url"] != "http://example.org/Questionnaire/intake" {
		t.Fatalf("GET: unexpected %d %s", rec.Code, rec.Body.String())
	}

	body := `{"resourceType": "Parameters", "parameter": [
	  {"name": "context", "part": [{"name": "name", "valueString": "patient"}, {"name": "content", "resource": ` + intakePatient + `}]}
	]}`
	rec = doRequest(e, http.MethodPost, "/fhir/Questionnaire/intake/$populate", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("populate by id: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_PutValidation(t *testing.T) {
	e := newTestEcho(NewMemoryRepository(), newFakeFetcher())
	if rec := doRequest(e, http.MethodPut, "/fhir/Questionnaire/a", `{"resourceType": "Patient"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("wrong type: expected 400, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPut, "/fhir/Questionnaire/a", `{"resourceType": "Questionnaire", "id": "b"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("id mismatch: expected 400, got %d", rec.Code)
	}

	noStore := newTestEcho(nil, newFakeFetcher())
	if rec := doRequest(noStore, http.MethodPut, "/fhir/Questionnaire/a", `{"resourceType": "Questionnaire"}`, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("no store: expected 405, got %d", rec.Code)
	}
	if rec := doRequest(noStore, http.MethodGet, "/fhir/Questionnaire/a", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("no store: expected 404, got %d", rec.Code)
	}
}

func TestHandler_BodySizeFollowsConfiguredLimit(t *testing.T) {
	newLimited := func(limit string) *echo.Echo {
		e := echo.New()
		e.Use(middleware.BodyLimit(limit))
		NewHandler(newTestService(NewMemoryRepository(), newFakeFetcher())).RegisterRoutes(e.Group("/fhir"))
		return e
	}
	large := `{"resourceType": "Questionnaire", "description": "` + strings.Repeat("x", 11<<20) + `"}`

	if rec := doRequest(newLimited("20M"), http.MethodPut, "/fhir/Questionnaire/big", large, nil); rec.Code != http.StatusOK {
		t.Errorf("20M limit: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(newLimited("1M"), http.MethodPut, "/fhir/Questionnaire/big", large, nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("1M limit: expected 413, got %d", rec.Code)
	}
}
