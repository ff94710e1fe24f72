package command

import (
	"fmt"

	"github.com/msageha/aispire/internal/model"
)

// TemplateInfo describes a library template for listing.
type TemplateInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params"`
}

// Generator produces validated Lua commands from templates or raw code.
type Generator struct {
	library   *Library
	validator *Validator
}

func NewGenerator(library *Library, validator *Validator) *Generator {
	return &Generator{library: library, validator: validator}
}

// Generate renders a library template and validates the result.
func (g *Generator) Generate(name string, params map[string]any) (string, error) {
	t, ok := g.library.Get(name)
	if !ok {
		return "", model.NewError(model.CategoryValidation, "generate", fmt.Errorf("template %q: %w", name, model.ErrNotFound))
	}
	code, err := t.Render(params)
	if err != nil {
		return "", err
	}
	if err := g.validator.Validate(code); err != nil {
		return "", err
	}
	return code, nil
}

// GenerateCustom renders an ad-hoc template and validates the result.
func (g *Generator) GenerateCustom(text string, params map[string]any) (string, error) {
	t, err := ParseTemplate("custom", text)
	if err != nil {
		return "", err
	}
	code, err := t.Render(params)
	if err != nil {
		return "", err
	}
	if err := g.validator.Validate(code); err != nil {
		return "", err
	}
	return code, nil
}

// GenerateRaw validates raw Lua code and returns it unchanged.
func (g *Generator) GenerateRaw(code string) (string, error) {
	if err := g.validator.Validate(code); err != nil {
		return "", err
	}
	return code, nil
}

func (g *Generator) AddTemplate(name, text string) error {
	return g.library.Add(name, text)
}

func (g *Generator) Templates() []TemplateInfo {
	names := g.library.Names()
	out := make([]TemplateInfo, 0, len(names))
	for _, name := range names {
		t, ok := g.library.Get(name)
		if !ok {
			continue
		}
		out = append(out, TemplateInfo{Name: t.Name, Description: t.Description, Params: t.Params})
	}
	return out
}
