package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	namedParamRe      = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	positionalParamRe = regexp.MustCompile(`\$[0-9]`)
)

// Statement - параметризованный запрос к хранилищу знаний.
// Шаблон содержит только именованные плейсхолдеры ($name), значения передаются в Params.
type Statement struct {
	Name     string         // имя для логов и метрик
	Template string         // SQL с $name
	Params   map[string]any // значения параметров
}

// Validate rejects templates that could carry interpolated values.
func (s Statement) Validate() error {
	tpl := strings.TrimSpace(s.Template)
	if tpl == "" {
		return fmt.Errorf("%w: empty template (%s)", ErrUnparameterizedQuery, s.Name)
	}
	// кавычки означают литерал в шаблоне, т.е. подстановку значения строкой
	if strings.ContainsAny(tpl, `'"`) || strings.Contains(tpl, "--") || strings.Contains(tpl, "/*") {
		return fmt.Errorf("%w: literal or comment in template (%s)", ErrUnparameterizedQuery, s.Name)
	}
	if strings.Contains(strings.TrimRight(tpl, "; \n\t"), ";") {
		return fmt.Errorf("%w: multiple statements in template (%s)", ErrUnparameterizedQuery, s.Name)
	}
	if positionalParamRe.MatchString(tpl) {
		return fmt.Errorf("%w: positional placeholder in template (%s)", ErrUnparameterizedQuery, s.Name)
	}

	used := map[string]bool{}
	for _, name := range s.Placeholders() {
		used[name] = true
		if _, ok := s.Params[name]; !ok {
			return fmt.Errorf("%w: missing parameter $%s (%s)", ErrUnparameterizedQuery, name, s.Name)
		}
	}
	var unused []string
	for name := range s.Params {
		if !used[name] {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return fmt.Errorf("%w: unused parameters %v (%s)", ErrUnparameterizedQuery, unused, s.Name)
	}
	return nil
}

// Placeholders returns placeholder names in order of appearance, repeats included.
func (s Statement) Placeholders() []string {
	matches := namedParamRe.FindAllStringSubmatch(s.Template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Bind переписывает именованные плейсхолдеры в позиционные через placeholder(i)
// и возвращает аргументы в порядке позиций. Повторное имя получает ту же позицию.
func (s Statement) Bind(placeholder func(pos int) string) (string, []any) {
	positions := map[string]int{}
	var args []any
	query := namedParamRe.ReplaceAllStringFunc(s.Template, func(m string) string {
		name := m[1:]
		pos, ok := positions[name]
		if !ok {
			args = append(args, s.Params[name])
			pos = len(args)
			positions[name] = pos
		}
		return placeholder(pos)
	})
	return query, args
}
