package workorder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
)

// SchemaMap is a JSON-schema-like validation schema: required,
// properties, type, enum, minLength/maxLength, pattern, minimum/maximum,
// minItems/maxItems, items. Unknown keys are ignored (spec.md §4.9).
type SchemaMap map[string]any

// Validate checks value against schema, collecting every violation
// rather than failing fast. It marshals value to JSON once and walks
// the schema using gjson dotted-path lookups, so nested object/array
// fields are addressed the same way report consumers would query them.
func Validate(value JSON, schema SchemaMap) []FieldError {
	data, err := json.Marshal(value)
	if err != nil {
		return []FieldError{{Field: "", Code: "unmarshalable", Message: err.Error()}}
	}
	var errs []FieldError
	validateObject(data, "", schema, &errs)
	return errs
}

func validateObject(data []byte, path string, schema SchemaMap, errs *[]FieldError) {
	for _, field := range toStringList(schema["required"]) {
		fp := joinPath(path, field)
		if !gjson.GetBytes(data, gjsonPath(field)).Exists() {
			*errs = append(*errs, FieldError{Field: fp, Code: "required", Message: "field is required"})
		}
	}

	props := toSchemaMapMap(schema["properties"])
	for field, subRaw := range props {
		fp := joinPath(path, field)
		res := gjson.GetBytes(data, gjsonPath(field))
		if !res.Exists() {
			continue
		}
		validateValue(res, fp, toSchemaMap(subRaw), errs)
	}
}

func validateValue(res gjson.Result, path string, schema SchemaMap, errs *[]FieldError) {
	if !checkType(res, schema["type"]) {
		*errs = append(*errs, FieldError{Field: path, Code: "type", Message: fmt.Sprintf("expected type %v", schema["type"])})
	}

	if enumRaw, ok := schema["enum"].([]any); ok && len(enumRaw) > 0 {
		if !inEnum(res.Value(), enumRaw) {
			*errs = append(*errs, FieldError{Field: path, Code: "enum", Message: "value is not one of the allowed values"})
		}
	}

	switch res.Type {
	case gjson.String:
		s := res.String()
		if minLen, ok := toInt(schema["minLength"]); ok && len(s) < minLen {
			*errs = append(*errs, FieldError{Field: path, Code: "minLength", Message: fmt.Sprintf("must be at least %d characters", minLen)})
		}
		if maxLen, ok := toInt(schema["maxLength"]); ok && len(s) > maxLen {
			*errs = append(*errs, FieldError{Field: path, Code: "maxLength", Message: fmt.Sprintf("must be at most %d characters", maxLen)})
		}
		if pat, ok := schema["pattern"].(string); ok && pat != "" {
			if re, err := regexp.Compile(pat); err == nil && !re.MatchString(s) {
				*errs = append(*errs, FieldError{Field: path, Code: "pattern", Message: "does not match required pattern"})
			}
		}
	case gjson.Number:
		n := res.Float()
		if min, ok := toFloat(schema["minimum"]); ok && n < min {
			*errs = append(*errs, FieldError{Field: path, Code: "minimum", Message: fmt.Sprintf("must be >= %v", min)})
		}
		if max, ok := toFloat(schema["maximum"]); ok && n > max {
			*errs = append(*errs, FieldError{Field: path, Code: "maximum", Message: fmt.Sprintf("must be <= %v", max)})
		}
	}

	if res.IsArray() {
		items := res.Array()
		if minItems, ok := toInt(schema["minItems"]); ok && len(items) < minItems {
			*errs = append(*errs, FieldError{Field: path, Code: "minItems", Message: fmt.Sprintf("must have at least %d items", minItems)})
		}
		if maxItems, ok := toInt(schema["maxItems"]); ok && len(items) > maxItems {
			*errs = append(*errs, FieldError{Field: path, Code: "maxItems", Message: fmt.Sprintf("must have at most %d items", maxItems)})
		}
		if itemSchemaRaw, ok := schema["items"]; ok {
			switch is := itemSchemaRaw.(type) {
			case []any:
				// Tuple validation: schema per position.
				for i, el := range items {
					if i >= len(is) {
						break
					}
					elPath := fmt.Sprintf("%s.%d", path, i)
					validateValue(el, elPath, toSchemaMap(is[i]), errs)
				}
			default:
				itemSchema := toSchemaMap(itemSchemaRaw)
				for i, el := range items {
					elPath := fmt.Sprintf("%s.%d", path, i)
					validateValue(el, elPath, itemSchema, errs)
				}
			}
		}
	}

	if res.IsObject() && (schema["properties"] != nil || schema["required"] != nil) {
		validateObject([]byte(res.Raw), path, schema, errs)
	}
}

// checkType accepts a single type string or a list of accepted types
// (spec.md §4.9: "type ... or a list thereof"). integer accepts any
// numeric whose trunc equals itself, for language-neutrality.
func checkType(res gjson.Result, typeSpec any) bool {
	if typeSpec == nil {
		return true
	}
	var types []string
	switch t := typeSpec.(type) {
	case string:
		types = []string{t}
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				types = append(types, s)
			}
		}
	default:
		return true
	}
	for _, t := range types {
		if matchesType(res, t) {
			return true
		}
	}
	return false
}

func matchesType(res gjson.Result, t string) bool {
	switch t {
	case "string":
		return res.Type == gjson.String
	case "number":
		return res.Type == gjson.Number
	case "integer":
		if res.Type != gjson.Number {
			return false
		}
		f := res.Float()
		return f == float64(int64(f))
	case "boolean":
		return res.Type == gjson.True || res.Type == gjson.False
	case "array":
		return res.IsArray()
	case "object":
		return res.IsObject()
	case "null":
		return res.Type == gjson.Null
	default:
		return true
	}
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// gjsonPath mirrors our dotted path directly; gjson already uses "."
// separated segments with numeric segments addressing array elements.
func gjsonPath(path string) string { return path }

func toStringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toSchemaMap(v any) SchemaMap {
	switch t := v.(type) {
	case SchemaMap:
		return t
	case map[string]any:
		return SchemaMap(t)
	default:
		return SchemaMap{}
	}
}

func toSchemaMapMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case SchemaMap:
		return t
	default:
		return nil
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := strconv.Atoi(t.String())
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
