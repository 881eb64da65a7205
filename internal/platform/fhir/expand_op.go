package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ErrValueSetNotFound is returned by expanders that do not know a value set.
var ErrValueSetNotFound = errors.New("value set not found")

// ValueSetExpander can expand a ValueSet by canonical URL or ID. A count of
// zero or less returns every concept.
type ValueSetExpander interface {
	ExpandValueSet(ctx context.Context, url string, filter string, offset, count int) (*ExpandedValueSet, error)
}

// ExpandedValueSet represents the result of a $expand operation.
type ExpandedValueSet struct {
	URL      string
	Version  string
	Name     string
	Title    string
	Status   string
	Total    int
	Offset   int
	Contains []ValueSetContains
}

// ValueSetContains represents a concept within an expanded ValueSet.
type ValueSetContains struct {
	System   string
	Version  string
	Code     string
	Display  string
	Abstract bool
	Inactive bool
	Contains []ValueSetContains
}

// Codings flattens the expansion into the selectable codings it offers.
// Abstract entries are skipped; nested contains are included.
func (vs *ExpandedValueSet) Codings() []Coding {
	var out []Coding
	var walk func(items []ValueSetContains)
	walk = func(items []ValueSetContains) {
		for _, item := range items {
			if !item.Abstract && item.Code != "" {
				out = append(out, Coding{System: item.System, Version: item.Version, Code: item.Code, Display: item.Display})
			}
			walk(item.Contains)
		}
	}
	walk(vs.Contains)
	return out
}

// ParseExpandedValueSet reads a ValueSet resource carrying an expansion, as
// returned by a terminology server's $expand.
func ParseExpandedValueSet(resource map[string]interface{}) (*ExpandedValueSet, error) {
	if rt, _ := resource["resourceType"].(string); rt != "ValueSet" {
		return nil, fmt.Errorf("expected ValueSet, got %q", rt)
	}
	expansion, ok := resource["expansion"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("ValueSet has no expansion")
	}
	vs := &ExpandedValueSet{}
	vs.URL, _ = resource["url"].(string)
	vs.Version, _ = resource["version"].(string)
	vs.Name, _ = resource["name"].(string)
	vs.Title, _ = resource["title"].(string)
	vs.Status, _ = resource["status"].(string)
	if total, ok := expansion["total"].(float64); ok {
		vs.Total = int(total)
	}
	if offset, ok := expansion["offset"].(float64); ok {
		vs.Offset = int(offset)
	}
	vs.Contains = parseContains(expansion["contains"])
	if vs.Total == 0 {
		vs.Total = len(vs.Contains)
	}
	return vs, nil
}

func parseContains(v interface{}) []ValueSetContains {
	raw, _ := v.([]interface{})
	out := make([]ValueSetContains, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		c := ValueSetContains{}
		c.System, _ = m["system"].(string)
		c.Version, _ = m["version"].(string)
		c.Code, _ = m["code"].(string)
		c.Display, _ = m["display"].(string)
		c.Abstract, _ = m["abstract"].(bool)
		c.Inactive, _ = m["inactive"].(bool)
		if nested, ok := m["contains"]; ok {
			c.Contains = parseContains(nested)
		}
		out = append(out, c)
	}
	return out
}

// ToFHIR renders the expansion as a ValueSet resource.
func (vs *ExpandedValueSet) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "ValueSet",
		"status":       vs.Status,
	}
	if vs.URL != "" {
		result["url"] = vs.URL
	}
	if vs.Version != "" {
		result["version"] = vs.Version
	}
	if vs.Name != "" {
		result["name"] = vs.Name
	}
	if vs.Title != "" {
		result["title"] = vs.Title
	}

	expansion := map[string]interface{}{
		"total":  vs.Total,
		"offset": vs.Offset,
	}
	if len(vs.Contains) > 0 {
		expansion["contains"] = containsToFHIR(vs.Contains)
	}
	result["expansion"] = expansion
	return result
}

func containsToFHIR(items []ValueSetContains) []interface{} {
	result := make([]interface{}, 0, len(items))
	for _, item := range items {
		entry := map[string]interface{}{}
		if item.System != "" {
			entry["system"] = item.System
		}
		if item.Version != "" {
			entry["version"] = item.Version
		}
		if item.Code != "" {
			entry["code"] = item.Code
		}
		if item.Display != "" {
			entry["display"] = item.Display
		}
		if item.Abstract {
			entry["abstract"] = true
		}
		if item.Inactive {
			entry["inactive"] = true
		}
		if len(item.Contains) > 0 {
			entry["contains"] = containsToFHIR(item.Contains)
		}
		result = append(result, entry)
	}
	return result
}

// ExpandHandler serves ValueSet $expand from a local expander, so the
// service can act as its own terminology server.
type ExpandHandler struct {
	expander ValueSetExpander
}

// NewExpandHandler creates a new ExpandHandler.
func NewExpandHandler(expander ValueSetExpander) *ExpandHandler {
	return &ExpandHandler{expander: expander}
}

// RegisterRoutes registers the $expand endpoint.
func (h *ExpandHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/ValueSet/$expand", h.Expand)
	fhirGroup.POST("/ValueSet/$expand", h.Expand)
	fhirGroup.GET("/ValueSet/:id/$expand", h.ExpandByID)
}

// Expand handles GET/POST /fhir/ValueSet/$expand
func (h *ExpandHandler) Expand(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return c.JSON(http.StatusBadRequest, RequiredFieldOutcome("url"))
	}
	if version := c.QueryParam("version"); version != "" {
		url += "|" + version
	}
	return h.doExpand(c, url)
}

// ExpandByID handles GET /fhir/ValueSet/:id/$expand
func (h *ExpandHandler) ExpandByID(c echo.Context) error {
	return h.doExpand(c, c.Param("id"))
}

func (h *ExpandHandler) doExpand(c echo.Context, urlOrID string) error {
	filter := c.QueryParam("filter")
	offset := intParam(c, "offset", 0)
	count := intParam(c, "count", 0)

	expanded, err := h.expander.ExpandValueSet(c.Request().Context(), urlOrID, filter, offset, count)
	if err != nil {
		if errors.Is(err, ErrValueSetNotFound) {
			return c.JSON(http.StatusNotFound, NotFoundOutcome("ValueSet", urlOrID))
		}
		return c.JSON(http.StatusInternalServerError, ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, expanded.ToFHIR())
}

func intParam(c echo.Context, name string, defaultValue int) int {
	v := c.QueryParam(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}
