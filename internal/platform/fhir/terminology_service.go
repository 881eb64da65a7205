package fhir

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryTerminologyService expands value sets held in memory. It is seeded
// with a few FHIR code systems and accepts additional ValueSet resources.
type InMemoryTerminologyService struct {
	mu          sync.RWMutex
	codeSystems map[string]*inMemoryCodeSystem
	valueSets   map[string]*inMemoryValueSet
}

type inMemoryCodeSystem struct {
	URL     string
	Name    string
	Version string
	Codes   map[string]*inMemoryConcept
}

type inMemoryConcept struct {
	Code    string
	Display string
}

type inMemoryValueSet struct {
	URL      string
	Name     string
	Title    string
	Version  string
	Status   string
	Include  []inMemoryVSInclude
	Contains []ValueSetContains
}

type inMemoryVSInclude struct {
	System  string
	Version string
	// Concepts listed inline. Empty means the whole code system.
	Concepts []inMemoryConcept
}

// NewInMemoryTerminologyService creates a new terminology service with common code systems.
func NewInMemoryTerminologyService() *InMemoryTerminologyService {
	svc := &InMemoryTerminologyService{
		codeSystems: make(map[string]*inMemoryCodeSystem),
		valueSets:   make(map[string]*inMemoryValueSet),
	}
	svc.registerBuiltins()
	return svc
}

func (s *InMemoryTerminologyService) registerBuiltins() {
	s.registerCodeSystem("http://hl7.org/fhir/administrative-gender", "AdministrativeGender", "4.0.1", map[string]string{
		"male":    "Male",
		"female":  "Female",
		"other":   "Other",
		"unknown": "Unknown",
	})

	s.registerCodeSystem("http://terminology.hl7.org/CodeSystem/v2-0136", "YesNoIndicator", "2.9", map[string]string{
		"Y": "Yes",
		"N": "No",
	})

	s.registerCodeSystem("http://terminology.hl7.org/CodeSystem/condition-clinical", "ConditionClinicalStatusCodes", "4.0.1", map[string]string{
		"active":     "Active",
		"recurrence": "Recurrence",
		"relapse":    "Relapse",
		"inactive":   "Inactive",
		"remission":  "Remission",
		"resolved":   "Resolved",
	})

	s.registerCodeSystem("http://hl7.org/fhir/observation-status", "ObservationStatus", "4.0.1", map[string]string{
		"registered":       "Registered",
		"preliminary":      "Preliminary",
		"final":            "Final",
		"amended":          "Amended",
		"cancelled":        "Cancelled",
		"entered-in-error": "Entered in Error",
		"unknown":          "Unknown",
	})

	// Every built-in code system doubles as a value set of all its codes.
	for url, cs := range s.codeSystems {
		s.valueSets[url] = &inMemoryValueSet{
			URL:     url,
			Name:    cs.Name,
			Title:   cs.Name,
			Version: cs.Version,
			Status:  "active",
			Include: []inMemoryVSInclude{{System: url}},
		}
	}
	s.valueSets["http://hl7.org/fhir/ValueSet/administrative-gender"] = s.valueSets["http://hl7.org/fhir/administrative-gender"]
}

func (s *InMemoryTerminologyService) registerCodeSystem(url, name, version string, codes map[string]string) {
	cs := &inMemoryCodeSystem{
		URL:     url,
		Name:    name,
		Version: version,
		Codes:   make(map[string]*inMemoryConcept),
	}
	for code, display := range codes {
		cs.Codes[code] = &inMemoryConcept{Code: code, Display: display}
	}
	s.codeSystems[url] = cs
}

// RegisterValueSet stores a ValueSet resource. Resources with an expansion
// are served from it; otherwise compose.include is used.
func (s *InMemoryTerminologyService) RegisterValueSet(resource map[string]interface{}) error {
	if rt, _ := resource["resourceType"].(string); rt != "ValueSet" {
		return fmt.Errorf("register value set: expected ValueSet, got %q", rt)
	}
	vs := &inMemoryValueSet{Status: "active"}
	vs.URL, _ = resource["url"].(string)
	vs.Name, _ = resource["name"].(string)
	vs.Title, _ = resource["title"].(string)
	vs.Version, _ = resource["version"].(string)
	if status, _ := resource["status"].(string); status != "" {
		vs.Status = status
	}
	if vs.URL == "" {
		id, _ := resource["id"].(string)
		if id == "" {
			return fmt.Errorf("register value set: url or id is required")
		}
		vs.URL = id
	}

	if _, ok := resource["expansion"]; ok {
		expanded, err := ParseExpandedValueSet(resource)
		if err != nil {
			return fmt.Errorf("register value set %s: %w", vs.URL, err)
		}
		vs.Contains = expanded.Contains
	} else {
		vs.Include = parseComposeInclude(resource)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.valueSets[vs.URL] = vs
	if vs.Version != "" {
		s.valueSets[vs.URL+"|"+vs.Version] = vs
	}
	return nil
}

func parseComposeInclude(resource map[string]interface{}) []inMemoryVSInclude {
	compose, _ := resource["compose"].(map[string]interface{})
	rawIncludes, _ := compose["include"].([]interface{})
	var includes []inMemoryVSInclude
	for _, raw := range rawIncludes {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		inc := inMemoryVSInclude{}
		inc.System, _ = m["system"].(string)
		inc.Version, _ = m["version"].(string)
		concepts, _ := m["concept"].([]interface{})
		for _, c := range concepts {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			concept := inMemoryConcept{}
			concept.Code, _ = cm["code"].(string)
			concept.Display, _ = cm["display"].(string)
			if concept.Code != "" {
				inc.Concepts = append(inc.Concepts, concept)
			}
		}
		includes = append(includes, inc)
	}
	return includes
}

// ExpandValueSet implements ValueSetExpander.
func (s *InMemoryTerminologyService) ExpandValueSet(ctx context.Context, urlOrID, filter string, offset, count int) (*ExpandedValueSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.lookupValueSet(urlOrID)
	if vs == nil {
		return nil, fmt.Errorf("%w: %s", ErrValueSetNotFound, urlOrID)
	}

	allCodes := s.collect(vs)
	if filter != "" {
		needle := strings.ToLower(filter)
		filtered := allCodes[:0:0]
		for _, c := range allCodes {
			if strings.Contains(strings.ToLower(c.Display), needle) || strings.Contains(strings.ToLower(c.Code), needle) {
				filtered = append(filtered, c)
			}
		}
		allCodes = filtered
	}

	total := len(allCodes)
	if offset > total {
		offset = total
	}
	end := total
	if count > 0 && offset+count < total {
		end = offset + count
	}

	return &ExpandedValueSet{
		URL:      vs.URL,
		Version:  vs.Version,
		Name:     vs.Name,
		Title:    vs.Title,
		Status:   vs.Status,
		Total:    total,
		Offset:   offset,
		Contains: allCodes[offset:end],
	}, nil
}

func (s *InMemoryTerminologyService) lookupValueSet(urlOrID string) *inMemoryValueSet {
	if vs, ok := s.valueSets[urlOrID]; ok {
		return vs
	}
	if i := strings.Index(urlOrID, "|"); i >= 0 {
		if vs, ok := s.valueSets[urlOrID[:i]]; ok {
			return vs
		}
	}
	for _, v := range s.valueSets {
		if v.Name == urlOrID {
			return v
		}
	}
	return nil
}

func (s *InMemoryTerminologyService) collect(vs *inMemoryValueSet) []ValueSetContains {
	if len(vs.Contains) > 0 {
		return append([]ValueSetContains(nil), vs.Contains...)
	}
	var allCodes []ValueSetContains
	for _, inc := range vs.Include {
		if len(inc.Concepts) > 0 {
			for _, concept := range inc.Concepts {
				display := concept.Display
				if display == "" {
					if cs := s.codeSystems[inc.System]; cs != nil && cs.Codes[concept.Code] != nil {
						display = cs.Codes[concept.Code].Display
					}
				}
				allCodes = append(allCodes, ValueSetContains{
					System:  inc.System,
					Version: inc.Version,
					Code:    concept.Code,
					Display: display,
				})
			}
			continue
		}
		cs := s.codeSystems[inc.System]
		if cs == nil {
			continue
		}
		codes := make([]string, 0, len(cs.Codes))
		for code := range cs.Codes {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			allCodes = append(allCodes, ValueSetContains{
				System:  inc.System,
				Version: cs.Version,
				Code:    code,
				Display: cs.Codes[code].Display,
			})
		}
	}
	return allCodes
}
