package fhir

import "testing"

func TestCodingFromMap(t *testing.T) {
	c, ok := CodingFromMap(map[string]interface{}{
		"system":  "http://loinc.org",
		"code":    "8302-2",
		"display": "Body height",
	})
	if !ok {
		t.Fatal("expected coding to parse")
	}
	if c.System != "http://loinc.org" || c.Code != "8302-2" || c.Display != "Body height" {
		t.Errorf("unexpected coding %+v", c)
	}
}

func TestCodingFromMap_NoCode(t *testing.T) {
	if _, ok := CodingFromMap(map[string]interface{}{"system": "x"}); ok {
		t.Error("expected coding without code to be rejected")
	}
	if _, ok := CodingFromMap("8302-2"); ok {
		t.Error("expected non-object to be rejected")
	}
}

func TestCoding_MapOmitsEmpty(t *testing.T) {
	m := Coding{Code: "male"}.Map()
	if len(m) != 1 || m["code"] != "male" {
		t.Errorf("expected only code, got %v", m)
	}
}
