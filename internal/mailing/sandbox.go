package mailing

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/manifest"
)

// allowedFilters is the closed filter set of the template sandbox. Templates
// naming any other filter are rejected before rendering.
var allowedFilters = map[string]bool{
	"default": true, "lower": true, "upper": true, "title": true,
	"trim": true, "replace": true, "round": true, "length": true,
	"int": true, "float": true,
}

var (
	filterRe = regexp.MustCompile(`\|\s*([a-zA-Z_][a-zA-Z0-9_]*)`)
	varRe    = regexp.MustCompile(`\{\{-?\s*([a-zA-Z_][a-zA-Z0-9_.]*)`)
)

// Sandbox renders Liquid templates in a locked environment: only the
// allow-listed filters, no attribute or callable access (contexts are plain
// maps), autoescape off. Compiled templates are cached by source text.
type Sandbox struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewSandbox builds the sandbox engine with its filter set.
func NewSandbox() *Sandbox {
	engine := liquid.NewEngine()

	engine.RegisterFilter("default", func(value interface{}, fallback interface{}) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("lower", strings.ToLower)
	engine.RegisterFilter("upper", strings.ToUpper)
	engine.RegisterFilter("title", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})
	engine.RegisterFilter("trim", strings.TrimSpace)
	engine.RegisterFilter("replace", func(s, old, repl string) string {
		return strings.ReplaceAll(s, old, repl)
	})
	engine.RegisterFilter("round", func(value interface{}) interface{} {
		f, ok := toNumber(value)
		if !ok {
			return value
		}
		return math.Round(f)
	})
	engine.RegisterFilter("length", func(value interface{}) int {
		switch v := value.(type) {
		case string:
			return len(v)
		case []interface{}:
			return len(v)
		case map[string]interface{}:
			return len(v)
		case nil:
			return 0
		default:
			return len(fmt.Sprintf("%v", v))
		}
	})
	engine.RegisterFilter("int", func(value interface{}) int64 {
		f, ok := toNumber(value)
		if !ok {
			return 0
		}
		return int64(f)
	})
	engine.RegisterFilter("float", func(value interface{}) float64 {
		f, _ := toNumber(value)
		return f
	})

	return &Sandbox{engine: engine}
}

func toNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		if n, ok := value.(interface{ Float64() (float64, error) }); ok {
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
		return 0, false
	}
}

// checkFilters rejects any filter outside the allow-list.
func checkFilters(text string) *apperr.Error {
	for _, m := range filterRe.FindAllStringSubmatch(text, -1) {
		if !allowedFilters[m[1]] {
			return apperr.New(apperr.CodeTemplateRenderFailed, "filter %q is not allowed", m[1])
		}
	}
	return nil
}

// DeclaredVars lists the top-of-path variables a template references, sorted.
func DeclaredVars(text string) []string {
	seen := map[string]bool{}
	for _, m := range varRe.FindAllStringSubmatch(text, -1) {
		root := strings.SplitN(m[1], ".", 2)[0]
		if !liquidKeyword(root) {
			seen[m[1]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func liquidKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "true", "false", "nil", "null", "empty", "blank", "forloop":
		return true
	}
	return false
}

// Render renders text against ctx. In strict mode a referenced variable that
// is absent from ctx fails the render instead of emitting an empty string.
func (s *Sandbox) Render(text string, ctx manifest.Map, strict bool) (string, error) {
	if err := checkFilters(text); err != nil {
		return "", err
	}
	if strict {
		if missing := undefinedVars(text, ctx); len(missing) > 0 {
			return "", apperr.New(apperr.CodeTemplateRenderFailed, "undefined variables: %s",
				strings.Join(missing, ", ")).WithDetail("undefined_vars", missing)
		}
	}

	var tpl *liquid.Template
	if cached, ok := s.cache.Load(text); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := s.engine.ParseString(text)
		if err != nil {
			return "", apperr.New(apperr.CodeTemplateRenderFailed, "template parse failed: %v", err)
		}
		s.cache.Store(text, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(map[string]interface{}(ctx))
	if err != nil {
		return "", apperr.New(apperr.CodeTemplateRenderFailed, "template render failed: %v", err)
	}
	return out, nil
}

// ValidationReport is the outcome of validating a set of templates.
type ValidationReport struct {
	Errors        []*apperr.Error `json:"errors"`
	DeclaredVars  []string        `json:"declared_vars"`
	UndefinedVars []string        `json:"undefined_vars"`
}

// LabeledTemplate pairs a template body with the label reported on errors.
type LabeledTemplate struct {
	Label string
	Text  string
}

// ValidateTemplates parses every template, collects the variables the set
// references, and reports which of them ctx does not define.
func (s *Sandbox) ValidateTemplates(templates []LabeledTemplate, ctx manifest.Map) *ValidationReport {
	report := &ValidationReport{}
	declared := map[string]bool{}
	undefined := map[string]bool{}

	for _, t := range templates {
		if err := checkFilters(t.Text); err != nil {
			report.Errors = append(report.Errors, err.At(t.Label, ""))
			continue
		}
		if _, err := s.engine.ParseString(t.Text); err != nil {
			report.Errors = append(report.Errors,
				apperr.New(apperr.CodeTemplateRenderFailed, "template parse failed: %v", err).At(t.Label, ""))
			continue
		}
		for _, v := range DeclaredVars(t.Text) {
			declared[v] = true
		}
		for _, v := range undefinedVars(t.Text, ctx) {
			undefined[v] = true
		}
	}

	for v := range declared {
		report.DeclaredVars = append(report.DeclaredVars, v)
	}
	for v := range undefined {
		report.UndefinedVars = append(report.UndefinedVars, v)
	}
	sort.Strings(report.DeclaredVars)
	sort.Strings(report.UndefinedVars)
	return report
}

func undefinedVars(text string, ctx manifest.Map) []string {
	var missing []string
	for _, v := range DeclaredVars(text) {
		if !pathDefined(v, ctx) {
			missing = append(missing, v)
		}
	}
	return missing
}

func pathDefined(path string, ctx manifest.Map) bool {
	var current interface{} = map[string]interface{}(ctx)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		val, ok := m[part]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
