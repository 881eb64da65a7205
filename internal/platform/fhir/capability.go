package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// OperationCapability describes an operation (resource-level or system-level).
type OperationCapability struct {
	Name          string `json:"name"`
	Definition    string `json:"definition"`
	Documentation string `json:"documentation,omitempty"`
}

// ResourceCapabilityDef describes one resource type the server exposes.
type ResourceCapabilityDef struct {
	Type         string                `json:"type"`
	Interactions []string              `json:"interactions"`
	Operations   []OperationCapability `json:"operations,omitempty"`
}

// CapabilityBuilder accumulates resource registrations and builds the
// CapabilityStatement served at /fhir/metadata.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]ResourceCapabilityDef

	ServerName    string
	ServerVersion string
	BaseURL       string
}

// NewCapabilityBuilder creates a new builder. baseURL is the public FHIR base
// of this server.
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]ResourceCapabilityDef),
		ServerName:    "SDC Populate",
		ServerVersion: version,
		BaseURL:       baseURL,
	}
}

// AddResourceCapability registers or replaces a resource type.
func (b *CapabilityBuilder) AddResourceCapability(def ResourceCapabilityDef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources[def.Type] = def
}

// Build renders the CapabilityStatement. Resource types are sorted.
func (b *CapabilityBuilder) Build() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		def := b.resources[rt]
		interactions := make([]map[string]string, len(def.Interactions))
		for i, code := range def.Interactions {
			interactions[i] = map[string]string{"code": code}
		}
		res := map[string]interface{}{
			"type":        rt,
			"interaction": interactions,
		}
		if len(def.Operations) > 0 {
			ops := make([]map[string]interface{}, len(def.Operations))
			for i, op := range def.Operations {
				o := map[string]interface{}{"name": op.Name, "definition": op.Definition}
				if op.Documentation != "" {
					o["documentation"] = op.Documentation
				}
				ops[i] = o
			}
			res["operation"] = ops
		}
		resources = append(resources, res)
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"software": map[string]string{
			"name":    b.ServerName,
			"version": b.ServerVersion,
		},
		"implementation": map[string]string{
			"description": b.ServerName + " FHIR R4 endpoint",
			"url":         b.BaseURL,
		},
		"rest": []map[string]interface{}{{
			"mode":     "server",
			"resource": resources,
		}},
	}
}

// CapabilityHandler serves the CapabilityStatement.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

// NewCapabilityHandler creates a handler backed by the given builder.
func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

// RegisterRoutes registers GET /metadata on the FHIR group.
func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

// GetMetadata returns the full CapabilityStatement.
func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.builder.Build())
}
