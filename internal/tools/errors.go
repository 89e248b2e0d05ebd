package tools

import (
	"fmt"
	"sort"
	"strings"

	"tta-server/shared/models"
)

// DuplicateToolError возвращается при повторной регистрации имени.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

func (e *DuplicateToolError) Unwrap() error { return models.ErrDuplicateTool }

// FieldError описывает одно нарушение схемы.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// SchemaValidationError перечисляет все поля, не прошедшие проверку схемы.
type SchemaValidationError struct {
	Tool   string
	Fields []FieldError
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" ("+f.Reason+")")
	}
	return fmt.Sprintf("tool %q: invalid arguments: %s", e.Tool, strings.Join(parts, ", "))
}

func (e *SchemaValidationError) Unwrap() error { return models.ErrSchemaValidation }

// FieldNames returns the offending field names, sorted and unique.
func (e *SchemaValidationError) FieldNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, f := range e.Fields {
		if !seen[f.Field] {
			seen[f.Field] = true
			names = append(names, f.Field)
		}
	}
	sort.Strings(names)
	return names
}

// UnauthorizedToolError - роль запросила инструмент вне своего объявленного набора.
type UnauthorizedToolError struct {
	Role models.RoleID
	Tool string
}

func (e *UnauthorizedToolError) Error() string {
	return fmt.Sprintf("role %s is not allowed to invoke tool %q", e.Role, e.Tool)
}

func (e *UnauthorizedToolError) Unwrap() error { return models.ErrUnauthorizedTool }
