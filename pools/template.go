package pools

import (
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
)

// RenderTemplate renders a text/template against the pool's configuration,
// overrides taking precedence per key. Keys are reachable as {{ .key }}, or
// {{ index . "some-key" }} for names that are not identifiers. Referencing an
// unknown key is an error.
func (p *Pool) RenderTemplate(tmpl string, overrides map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New(p.Name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template for pool '%s': %w", p.Name, err)
	}

	values := make(map[string]any, len(p.Values)+len(overrides))
	for key, value := range p.Values {
		values[key] = value
	}
	for key, value := range overrides {
		values[key] = value
	}

	var out strings.Builder
	if err := t.Execute(&out, values); err != nil {
		return "", fmt.Errorf("failed to render template for pool '%s': %w", p.Name, err)
	}
	return out.String(), nil
}

// RenderTemplatesInObj renders every string found in obj, descending into maps.
// Other values, lists included, are returned as they are.
func (p *Pool) RenderTemplatesInObj(obj any, overrides map[string]any) (any, error) {
	switch v := obj.(type) {
	case string:
		return p.RenderTemplate(v, overrides)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			rendered, err := p.RenderTemplatesInObj(value, overrides)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil

	default:
		return obj, nil
	}
}
