package populate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

var timePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?$`)

var dateLayouts = []string{"2006", "2006-01", "2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

// ParseAnswer converts one evaluated value into a QuestionnaireResponse
// answer for node. expandRequired is set when the answer is free text that
// an external answerValueSet may turn into a coding.
func ParseAnswer(node *TemplateNode, value interface{}) (answer map[string]interface{}, expandRequired bool) {
	answer = parseValue(node, value)
	if _, isString := answer["valueString"]; isString {
		expandRequired = node.AnswerValueSet != "" && !strings.HasPrefix(node.AnswerValueSet, "#")
	}
	return answer, expandRequired
}

func parseValue(node *TemplateNode, value interface{}) map[string]interface{} {
	if opt := matchAnswerOption(node, value); opt != nil {
		return opt
	}

	switch v := value.(type) {
	case bool:
		if node.Type == "boolean" {
			return map[string]interface{}{"valueBoolean": v}
		}
		return map[string]interface{}{"valueString": strconv.FormatBool(v)}
	case float64, int, int64:
		if a := numberAnswer(node.Type, v); a != nil {
			return a
		}
		return map[string]interface{}{"valueString": fhir.StringifyValue(v)}
	case time.Time:
		switch node.Type {
		case "date":
			return map[string]interface{}{"valueDate": v.Format("2006-01-02")}
		case "dateTime":
			return map[string]interface{}{"valueDateTime": fhir.FormatDateTime(v)}
		}
		return map[string]interface{}{"valueString": fhir.FormatDateTime(v)}
	case map[string]interface{}:
		return objectAnswer(node.Type, v)
	case string:
		return stringAnswer(node.Type, v)
	}
	return map[string]interface{}{"valueString": fhir.StringifyValue(value)}
}

// matchAnswerOption returns the option whose valueCoding code equals the
// value's code, or the value itself when it is a plain string.
func matchAnswerOption(node *TemplateNode, value interface{}) map[string]interface{} {
	if len(node.AnswerOptions) == 0 {
		return nil
	}
	code := ""
	switch v := value.(type) {
	case map[string]interface{}:
		code, _ = v["code"].(string)
	case string:
		code = v
	}
	if code == "" {
		return nil
	}
	for _, opt := range node.AnswerOptions {
		if c, ok := fhir.CodingFromMap(opt["valueCoding"]); ok && c.Code == code {
			return copyAnswer(opt)
		}
	}
	return nil
}

func numberAnswer(itemType string, v interface{}) map[string]interface{} {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	}
	switch itemType {
	case "decimal":
		return map[string]interface{}{"valueDecimal": f}
	case "integer":
		if f == float64(int64(f)) {
			return map[string]interface{}{"valueInteger": int64(f)}
		}
	}
	return nil
}

func objectAnswer(itemType string, v map[string]interface{}) map[string]interface{} {
	switch itemType {
	case "quantity":
		if _, ok := v["value"]; ok {
			return map[string]interface{}{"valueQuantity": v}
		}
	case "reference":
		if _, ok := v["reference"]; ok {
			return map[string]interface{}{"valueReference": v}
		}
	case "attachment":
		return map[string]interface{}{"valueAttachment": v}
	}
	return map[string]interface{}{"valueCoding": v}
}

func stringAnswer(itemType, v string) map[string]interface{} {
	switch itemType {
	case "date":
		if d, ok := asDate(v); ok {
			return map[string]interface{}{"valueDate": d}
		}
	case "dateTime":
		if _, ok := asDate(v); ok {
			return map[string]interface{}{"valueDateTime": v}
		}
	case "time":
		if timePattern.MatchString(v) {
			return map[string]interface{}{"valueTime": v}
		}
	case "url":
		return map[string]interface{}{"valueUri": v}
	}
	return map[string]interface{}{"valueString": v}
}

// asDate reports whether v is a FHIR date or dateTime and returns it cut
// to the date part when it carries a time.
func asDate(v string) (string, bool) {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			if len(v) > len("2006-01-02") {
				return v[:len("2006-01-02")], true
			}
			return v, true
		}
	}
	return "", false
}

// staticAnswers converts item.initial entries into answers.
func staticAnswers(node *TemplateNode) []map[string]interface{} {
	var out []map[string]interface{}
	for _, initial := range node.Initial {
		a := map[string]interface{}{}
		for k, v := range initial {
			if strings.HasPrefix(k, "value") {
				a[k] = v
			}
		}
		if len(a) > 0 {
			out = append(out, a)
		}
	}
	return out
}

func copyAnswer(m map[string]interface{}) map[string]interface{} {
	return deepCopyMap(m)
}
