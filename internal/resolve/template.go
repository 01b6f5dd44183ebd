package resolve

import (
	"encoding/json"
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// template is the subset of an OpenShift-style template the renderer needs.
type template struct {
	Kind       string              `json:"kind"`
	Parameters []templateParameter `json:"parameters"`
	Objects    []map[string]any    `json:"objects"`
}

type templateParameter struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Required bool   `json:"required"`
}

// renderTemplate parses raw template content and substitutes parameters
// into its objects. A `${NAME}` reference is replaced by the parameter
// value as a string; a `${{NAME}}` reference standing alone in a field is
// replaced structurally, so numeric and boolean parameters keep their type.
// Parameters supplied by the caller but not declared by the template are
// ignored, matching `oc process --ignore-unknown-parameters`.
func renderTemplate(content []byte, params map[string]string) ([]map[string]any, error) {
	var tmpl template
	if err := yaml.Unmarshal(content, &tmpl); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	if !strings.EqualFold(tmpl.Kind, "Template") {
		return nil, fmt.Errorf("expected kind Template, got %q", tmpl.Kind)
	}

	values := make(map[string]string, len(tmpl.Parameters))
	for _, p := range tmpl.Parameters {
		value, ok := params[p.Name]
		if !ok {
			value = p.Value
		}
		if value == "" && p.Required {
			return nil, fmt.Errorf("required template parameter %q not set", p.Name)
		}
		values[p.Name] = value
	}

	encoded, err := json.Marshal(tmpl.Objects)
	if err != nil {
		return nil, fmt.Errorf("encoding template objects: %w", err)
	}
	rendered := string(encoded)
	for name, value := range values {
		rendered = strings.ReplaceAll(rendered, `"${{`+name+`}}"`, structuralValue(value))
		rendered = strings.ReplaceAll(rendered, "${"+name+"}", stringValue(value))
	}

	var objects []map[string]any
	if err := json.Unmarshal([]byte(rendered), &objects); err != nil {
		return nil, fmt.Errorf("decoding rendered template objects: %w", err)
	}
	return objects, nil
}

// structuralValue renders a parameter for a `${{NAME}}` reference: valid
// JSON passes through untyped, anything else becomes a JSON string.
func structuralValue(value string) string {
	if json.Valid([]byte(value)) && strings.TrimSpace(value) != "" {
		return value
	}
	return mustJSONString(value)
}

// stringValue renders a parameter for a `${NAME}` reference embedded in a
// JSON string, escaping without the surrounding quotes.
func stringValue(value string) string {
	quoted := mustJSONString(value)
	return quoted[1 : len(quoted)-1]
}

func mustJSONString(value string) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return string(encoded)
}
