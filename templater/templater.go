// Package templater implements the Template Evaluator (spec §4.1): a
// Jinja2-style expansion of "{{ expr }}" substitutions and "{% ... %}"
// control blocks against a scoped context, built on pongo2.
package templater

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"

	pongo2 "github.com/flosch/pongo2/v6"

	"github.com/awantoch/beemflow/model"
	"github.com/awantoch/beemflow/utils"
)

var (
	filterRegistrationOnce sync.Once
	pongo2Mutex            sync.Mutex
)

// Templater renders BeemFlow template strings against a scoped context.
type Templater struct{}

// NewTemplater creates a Templater, registering BeemFlow's custom filters
// into pongo2's global filter set exactly once per process.
func NewTemplater() *Templater {
	filterRegistrationOnce.Do(registerFilters)
	return &Templater{}
}

// registerFilters adds the filters spec §4.1 names that pongo2 doesn't
// already ship under that exact spelling. pongo2 ships upper, lower,
// title, length, join, escape, default out of the box; "truncate(n)" is
// BeemFlow's spelling of pongo2's "truncatechars".
func registerFilters() {
	pongo2Mutex.Lock()
	defer pongo2Mutex.Unlock()
	_ = pongo2.RegisterFilter("truncate", func(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		n := param.Integer()
		s := in.String()
		if len(s) <= n {
			return pongo2.AsValue(s), nil
		}
		return pongo2.AsValue(s[:n]), nil
	})
}

// Render expands every "{{ }}"/"{% %}" construct in tmpl against ctx,
// stringifying the result. A fully-literal string (no "{{") is returned
// unchanged, satisfying the idempotence property of spec §8.
func (t *Templater) Render(tmpl string, ctx map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}
	if err := checkUndefinedRefs(tmpl, ctx); err != nil {
		return "", err
	}
	pctx := flattenContext(ctx)

	pongo2Mutex.Lock()
	tplset, err := pongo2.FromString(tmpl)
	if err != nil {
		pongo2Mutex.Unlock()
		return "", model.TemplateError("", "parse template %q: %v", tmpl, err)
	}
	out, err := tplset.Execute(pctx)
	pongo2Mutex.Unlock()
	if err != nil {
		return "", model.TemplateError("", "render template %q: %v", tmpl, err)
	}
	return out, nil
}

// EvaluateExpression evaluates tmpl and preserves the native type when tmpl
// is a single "{{ expr }}" substitution with no surrounding literal text
// (spec §4.1's type-preservation rule). Any other shape (literal text,
// multiple substitutions, control blocks) is rendered to a string.
func (t *Templater) EvaluateExpression(tmpl string, ctx map[string]any) (any, error) {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}
	trimmed := strings.TrimSpace(tmpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])

		// Bare literal keywords/numbers are never ctx lookups, even though
		// they match the bare-path shape ("true" is a valid identifier).
		if lit, ok := bareLiteral(inner); ok {
			return lit, nil
		}

		// Bare dotted/bracket path with no operators or filters: look it
		// up directly so numbers, bools, maps, and sequences keep their
		// native Go type instead of being stringified by pongo2.
		if isBarePath(inner) {
			if val, ok := lookupPath(ctx, inner); ok {
				return val, nil
			}
			return nil, model.TemplateError("", "undefined reference %q", inner)
		}

		// Complex single expression: render via pongo2, then recover the
		// native type (bool/int/float) if the rendered text round-trips.
		rendered, err := t.Render(tmpl, ctx)
		if err != nil {
			return nil, err
		}
		return coerceScalar(rendered), nil
	}
	return t.Render(tmpl, ctx)
}

// flattenContext adapts a plain map into pongo2's Context type.
func flattenContext(data map[string]any) pongo2.Context {
	out := make(pongo2.Context, len(data))
	maps.Copy(out, data)
	return out
}

// bareLiteral recognizes the handful of bare tokens pongo2 treats as
// keyword/numeric literals rather than identifiers.
func bareLiteral(expr string) (any, bool) {
	switch expr {
	case "true", "True":
		return true, true
	case "false", "False":
		return false, true
	case "none", "None", "null":
		return nil, true
	}
	if i, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, true
	}
	return nil, false
}

var barePathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[[^\]]+\])*$`)

func isBarePath(expr string) bool {
	return barePathRe.MatchString(expr)
}

// lookupPath resolves a dotted/bracketed path ("a.b[0].c") against ctx.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	tokens := tokenizePath(path)
	if len(tokens) == 0 {
		return nil, false
	}
	var cur any = ctx
	for _, tok := range tokens {
		m, ok := utils.SafeMapAssert(cur)
		if ok {
			v, exists := m[tok]
			if !exists {
				return nil, false
			}
			cur = v
			continue
		}
		seq, ok := utils.SafeSliceAssert(cur)
		if ok {
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(seq) {
				return nil, false
			}
			cur = seq[idx]
			continue
		}
		return nil, false
	}
	return cur, true
}

func tokenizePath(path string) []string {
	var tokens []string
	for _, seg := range strings.Split(path, ".") {
		for {
			start := strings.Index(seg, "[")
			if start < 0 {
				if seg != "" {
					tokens = append(tokens, seg)
				}
				break
			}
			if start > 0 {
				tokens = append(tokens, seg[:start])
			}
			end := strings.Index(seg, "]")
			if end < 0 {
				break
			}
			key := strings.Trim(seg[start+1:end], `"'`)
			tokens = append(tokens, key)
			seg = seg[end+1:]
		}
	}
	return tokens
}

func coerceScalar(s string) any {
	if s == "True" || s == "true" {
		return true
	}
	if s == "False" || s == "false" {
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// checkUndefinedRefs gives BeemFlow's "unknown names are an error unless
// guarded by default()/or" rule (spec §4.1) teeth: pongo2 itself renders an
// undefined name, or a missing nested field on an otherwise-present root
// (e.g. a skipped step's outputs), as empty string rather than failing. So
// we scan every "{{ ... }}" for its leading dotted/bracketed path and
// resolve the full path through lookupPath -- the same resolution
// EvaluateExpression's bare-path branch uses -- rather than stopping at
// whether the root scope exists.
var refRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\[[^\]]+\])*)`)

// forBindingRe finds pongo2 "{% for x in ... %}"/"{% for k, v in ... %}"
// loop variables, which are bound inside the template itself and never
// appear in ctx.
var forBindingRe = regexp.MustCompile(`\{%\s*for\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s*,\s*([A-Za-z_][A-Za-z0-9_]*))?\s+in\b`)

func forLocals(tmpl string) map[string]bool {
	locals := map[string]bool{}
	for _, m := range forBindingRe.FindAllStringSubmatch(tmpl, -1) {
		locals[m[1]] = true
		if m[2] != "" {
			locals[m[2]] = true
		}
	}
	return locals
}

func checkUndefinedRefs(tmpl string, ctx map[string]any) error {
	locals := forLocals(tmpl)
	for _, m := range refRe.FindAllStringSubmatchIndex(tmpl, -1) {
		path := tmpl[m[2]:m[3]]
		root := path
		if i := strings.IndexAny(root, ".["); i >= 0 {
			root = root[:i]
		}
		if locals[root] {
			continue
		}

		idx := m[0]
		end := strings.Index(tmpl[idx:], "}}")
		if end < 0 {
			continue
		}
		segment := tmpl[idx : idx+end]
		if strings.Contains(segment, "default") || strings.Contains(segment, " or ") {
			continue
		}

		if _, ok := lookupPath(ctx, path); !ok {
			utils.Debug("template reference to undefined path %q", path)
			return model.TemplateError("", "undefined reference %q in %q", path, tmpl)
		}
	}
	return nil
}

// RegisterFilters exposes custom pongo2 filter registration for adapters
// or tests that need to extend the expression language.
func RegisterFilters(filters map[string]pongo2.FilterFunction) error {
	pongo2Mutex.Lock()
	defer pongo2Mutex.Unlock()
	for name, fn := range filters {
		if err := pongo2.RegisterFilter(name, fn); err != nil {
			return fmt.Errorf("register filter %s: %w", name, err)
		}
	}
	return nil
}
