package command

import (
	"bufio"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"text/template"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/templates"
)

const paramPrefix = "-- param:"

// Template is a Lua script template. Parameters are declared in the source
// with "-- param: <name> <kind> [= default]" lines, which are stripped from
// the rendered output.
type Template struct {
	Name        string
	Description string
	Params      []ParamSpec
	tmpl        *template.Template
}

var funcs = template.FuncMap{
	"lua":      luaString,
	"luatable": luaTable,
}

// ParseTemplate parses template source. The first plain comment line becomes
// the description.
func ParseTemplate(name, text string) (*Template, error) {
	t := &Template{Name: name}
	var body strings.Builder

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if decl, ok := strings.CutPrefix(trimmed, paramPrefix); ok {
			spec, err := parseParamLine(decl)
			if err != nil {
				return nil, model.NewError(model.CategoryValidation, "template "+name, err)
			}
			t.Params = append(t.Params, spec)
			continue
		}
		if t.Description == "" && strings.HasPrefix(trimmed, "--") && !strings.HasPrefix(trimmed, "--[") {
			t.Description = strings.TrimSpace(strings.TrimPrefix(trimmed, "--"))
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(body.String())
	if err != nil {
		return nil, model.NewError(model.CategorySyntax, "template "+name, err)
	}
	t.tmpl = tmpl
	return t, nil
}

// Render validates params against the declared specs and executes the
// template.
func (t *Template) Render(params map[string]any) (string, error) {
	values, err := ValidateParameters(params, t.Params)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := t.tmpl.Execute(&out, values); err != nil {
		return "", model.NewError(model.CategoryValidation, "render "+t.Name, err)
	}
	return strings.TrimSpace(out.String()) + "\n", nil
}

// Library is a named set of templates, safe for concurrent use.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewLibrary() *Library {
	return &Library{templates: make(map[string]*Template)}
}

// LoadLibrary parses every *.lua file in dir of fsys. The file name without
// extension is the template name.
func LoadLibrary(fsys fs.FS, dir string) (*Library, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}
	lib := NewLibrary()
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".lua" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".lua")
		if err := lib.Add(name, string(data)); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// DefaultLibrary loads the embedded template set.
func DefaultLibrary() (*Library, error) {
	return LoadLibrary(templates.FS, "lua")
}

// Add parses and stores a template, replacing any existing one of that name.
func (l *Library) Add(name, text string) error {
	if name == "" {
		return model.Errorf(model.CategoryValidation, "template name is required")
	}
	t, err := ParseTemplate(name, text)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.templates[name] = t
	l.mu.Unlock()
	return nil
}

func (l *Library) Get(name string) (*Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.templates[name]
	return t, ok
}

// Merge copies every template of other into l, replacing same-named ones.
func (l *Library) Merge(other *Library) []string {
	names := other.Names()
	for _, name := range names {
		t, ok := other.Get(name)
		if !ok {
			continue
		}
		l.mu.Lock()
		l.templates[name] = t
		l.mu.Unlock()
	}
	return names
}

// Names returns the template names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func luaString(v any) string {
	s := fmt.Sprint(v)
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func luaTable(v any) (string, error) {
	var items []any
	switch list := v.(type) {
	case []any:
		items = list
	case []int:
		for _, x := range list {
			items = append(items, x)
		}
	case []int64:
		for _, x := range list {
			items = append(items, x)
		}
	case []float64:
		for _, x := range list {
			items = append(items, x)
		}
	case []string:
		for _, x := range list {
			items = append(items, x)
		}
	default:
		return "", fmt.Errorf("luatable: unsupported value %T", v)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch x := item.(type) {
		case string:
			parts = append(parts, luaString(x))
		case bool, int, int64, float64:
			parts = append(parts, fmt.Sprint(x))
		case []any, []float64, []int, []int64, []string:
			nested, err := luaTable(x)
			if err != nil {
				return "", err
			}
			parts = append(parts, nested)
		default:
			return "", fmt.Errorf("luatable: unsupported element %T", item)
		}
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}
