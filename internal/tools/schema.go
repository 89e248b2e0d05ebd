package tools

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldType - тип поля входной схемы инструмента.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field - одно поле входной схемы.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Enum        []string // только для строк
	MaxLen      int      // только для строк, 0 - без ограничения
	Description string
}

// Schema - входная схема инструмента. Поля вне схемы считаются ошибкой.
type Schema struct {
	Fields []Field
}

// Validate checks args and returns every violation, sorted by field name.
// Types and presence are checked here; string rules go through validator.ValidateMap.
func (s Schema) Validate(v *validator.Validate, args map[string]any) []FieldError {
	var errs []FieldError
	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}
	for name := range args {
		if _, ok := known[name]; !ok {
			errs = append(errs, FieldError{Field: name, Reason: "unexpected field"})
		}
	}

	data := map[string]any{}
	rules := map[string]any{}
	for _, f := range s.Fields {
		val, present := args[f.Name]
		if !present || val == nil {
			if f.Required {
				errs = append(errs, FieldError{Field: f.Name, Reason: "required"})
			}
			continue
		}
		if !typeMatches(f.Type, val) {
			errs = append(errs, FieldError{Field: f.Name, Reason: fmt.Sprintf("expected %s", f.Type)})
			continue
		}
		if f.Type == TypeString {
			if rule := f.stringRule(); rule != "" {
				data[f.Name] = val
				rules[f.Name] = rule
			}
		}
	}
	if len(rules) > 0 {
		for field, ruleErr := range v.ValidateMap(data, rules) {
			reason := "invalid value"
			if fieldErrs, ok := ruleErr.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
				reason = "failed " + fieldErrs[0].Tag()
			}
			errs = append(errs, FieldError{Field: field, Reason: reason})
		}
	}
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Field == errs[j].Field {
			return errs[i].Reason < errs[j].Reason
		}
		return errs[i].Field < errs[j].Field
	})
	return errs
}

// stringRule builds the validator tag for a string field.
func (f Field) stringRule() string {
	var parts []string
	if f.Required {
		parts = append(parts, "required")
	} else {
		parts = append(parts, "omitempty")
	}
	if len(f.Enum) > 0 {
		parts = append(parts, "oneof="+strings.Join(f.Enum, " "))
	}
	if f.MaxLen > 0 {
		parts = append(parts, fmt.Sprintf("max=%d", f.MaxLen))
	}
	if len(parts) == 1 && parts[0] == "omitempty" {
		return ""
	}
	return strings.Join(parts, ",")
}

func typeMatches(t FieldType, val any) bool {
	switch t {
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeInteger:
		switch n := val.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		}
		return false
	case TypeNumber:
		switch val.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := val.(bool)
		return ok
	case TypeArray:
		switch val.(type) {
		case []any, []string:
			return true
		}
		return false
	case TypeObject:
		switch val.(type) {
		case map[string]any, map[string]string:
			return true
		}
		return false
	}
	return false
}

// StringArg returns a string argument or "".
func StringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// IntArg returns an integer argument or def.
func IntArg(args map[string]any, name string, def int) int {
	switch n := args[name].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// FloatArg returns a numeric argument.
func FloatArg(args map[string]any, name string) (float64, bool) {
	switch n := args[name].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// BoolArg returns a boolean argument or false.
func BoolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}
