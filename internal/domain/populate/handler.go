package populate

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// Handler serves $populate and the questionnaire store over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new populate handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the populate routes on the FHIR group.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/Questionnaire/$populate", h.Populate)
	fhirGroup.POST("/Questionnaire/:id/$populate", h.PopulateByID)
	fhirGroup.GET("/Questionnaire/:id", h.GetQuestionnaire)
	fhirGroup.PUT("/Questionnaire/:id", h.PutQuestionnaire)
}

// Populate handles POST /fhir/Questionnaire/$populate.
func (h *Handler) Populate(c echo.Context) error {
	return h.populate(c, "")
}

// PopulateByID handles POST /fhir/Questionnaire/:id/$populate.
func (h *Handler) PopulateByID(c echo.Context) error {
	return h.populate(c, c.Param("id"))
}

func (h *Handler) populate(c echo.Context, id string) error {
	body, err := readJSONBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	req, err := ParseParameters(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if id != "" {
		req.QuestionnaireID = id
		req.Questionnaire = nil
	}
	if auth := c.Request().Header.Get(echo.HeaderAuthorization); auth != "" {
		req.FetchConfig.Headers = map[string]string{echo.HeaderAuthorization: auth}
	}

	res, err := h.svc.Populate(c.Request().Context(), req)
	switch {
	case errors.Is(err, ErrQuestionnaireNotFound):
		target := id
		if target == "" {
			target = req.Canonical
		}
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Questionnaire", target))
	case errors.Is(err, ErrQuestionnaireMissingItems):
		return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome("Questionnaire.item"))
	case err != nil:
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, OutputParameters(res))
}

// GetQuestionnaire handles GET /fhir/Questionnaire/:id.
func (h *Handler) GetQuestionnaire(c echo.Context) error {
	repo := h.svc.Repository()
	id := c.Param("id")
	if repo == nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Questionnaire", id))
	}
	q, err := repo.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrQuestionnaireNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Questionnaire", id))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, q)
}

// PutQuestionnaire handles PUT /fhir/Questionnaire/:id.
func (h *Handler) PutQuestionnaire(c echo.Context) error {
	repo := h.svc.Repository()
	if repo == nil {
		return c.JSON(http.StatusMethodNotAllowed, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeNotSupported, "questionnaire storage is not configured"))
	}
	id := c.Param("id")
	q, err := readJSONBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if rt, _ := q["resourceType"].(string); rt != "Questionnaire" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resourceType must be Questionnaire"))
	}
	if bodyID, _ := q["id"].(string); bodyID != "" && bodyID != id {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resource id does not match the URL"))
	}
	q["id"] = id
	if err := repo.Put(c.Request().Context(), id, q); err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, q)
}

func readJSONBody(c echo.Context) (map[string]interface{}, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}
	return m, nil
}
