// Package prompt renders Liquid templates into model prompts. Templates are
// parsed once and cached; bindings are plain maps so callers can feed
// domain values without adapter types.
package prompt

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer caches parsed templates by name.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render parses (or reuses) the named template and renders it with binding.
func (r *Renderer) Render(name, templateStr string, binding map[string]interface{}) (string, error) {
	if cached, ok := r.cache.Load(name); ok {
		out, err := cached.(*liquid.Template).RenderString(binding)
		if err != nil {
			return "", fmt.Errorf("prompt %s: render: %w", name, err)
		}
		return out, nil
	}

	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return "", fmt.Errorf("prompt %s: parse: %w", name, err)
	}
	r.cache.Store(name, tpl)

	out, err := tpl.RenderString(binding)
	if err != nil {
		return "", fmt.Errorf("prompt %s: render: %w", name, err)
	}
	return out, nil
}
