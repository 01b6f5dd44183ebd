package resolve

import (
	"strings"
	"testing"
)

const basicTemplate = `
kind: Template
apiVersion: template.openshift.io/v1
parameters:
  - name: APP_NAME
    value: default-name
  - name: REPLICAS
    value: "3"
  - name: SECRET
    required: true
objects:
  - apiVersion: cloud.redhat.com/v1alpha1
    kind: ClowdApp
    metadata:
      name: ${APP_NAME}
    spec:
      replicas: ${{REPLICAS}}
      secret: ${SECRET}
`

func TestRenderTemplate(t *testing.T) {
	t.Parallel()

	objects, err := renderTemplate([]byte(basicTemplate), map[string]string{
		"APP_NAME": "puptoo",
		"SECRET":   "s3cret",
	})
	if err != nil {
		t.Fatalf("renderTemplate() error: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("len(objects) = %d, want 1", len(objects))
	}

	if got := itemName(objects[0]); got != "puptoo" {
		t.Errorf("name = %q, want %q", got, "puptoo")
	}
	spec := itemSpec(objects[0])
	// ${{REPLICAS}} must render structurally: a JSON number, not a string
	if replicas, ok := spec["replicas"].(float64); !ok || replicas != 3 {
		t.Errorf("replicas = %v (%T), want 3 (float64)", spec["replicas"], spec["replicas"])
	}
	if secret, _ := spec["secret"].(string); secret != "s3cret" {
		t.Errorf("secret = %q, want %q", secret, "s3cret")
	}
}

func TestRenderTemplate_DefaultValues(t *testing.T) {
	t.Parallel()

	objects, err := renderTemplate([]byte(basicTemplate), map[string]string{"SECRET": "x"})
	if err != nil {
		t.Fatalf("renderTemplate() error: %v", err)
	}
	if got := itemName(objects[0]); got != "default-name" {
		t.Errorf("name = %q, want %q", got, "default-name")
	}
}

func TestRenderTemplate_RequiredParameterMissing(t *testing.T) {
	t.Parallel()

	_, err := renderTemplate([]byte(basicTemplate), map[string]string{"APP_NAME": "x"})
	if err == nil {
		t.Fatal("expected an error for unset required parameter")
	}
	if !strings.Contains(err.Error(), "SECRET") {
		t.Errorf("error %q should name the missing parameter", err)
	}
}

func TestRenderTemplate_UnknownSuppliedParametersIgnored(t *testing.T) {
	t.Parallel()

	_, err := renderTemplate([]byte(basicTemplate), map[string]string{
		"SECRET":      "x",
		"NOT_DECLARED": "whatever",
	})
	if err != nil {
		t.Fatalf("renderTemplate() error: %v", err)
	}
}

func TestRenderTemplate_RejectsNonTemplateKind(t *testing.T) {
	t.Parallel()

	_, err := renderTemplate([]byte("kind: ConfigMap\nmetadata:\n  name: x\n"), nil)
	if err == nil {
		t.Fatal("expected an error for non-Template kind")
	}
}

func TestRenderTemplate_EscapesStringValues(t *testing.T) {
	t.Parallel()

	content := `
kind: Template
parameters:
  - name: MSG
objects:
  - kind: ConfigMap
    metadata:
      name: cm
    data:
      msg: ${MSG}
`
	objects, err := renderTemplate([]byte(content), map[string]string{"MSG": `say "hi"`})
	if err != nil {
		t.Fatalf("renderTemplate() error: %v", err)
	}
	data, _ := objects[0]["data"].(map[string]any)
	if got, _ := data["msg"].(string); got != `say "hi"` {
		t.Errorf("msg = %q, want %q", got, `say "hi"`)
	}
}

func TestStructuralValue(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		value string
		want  string
	}{
		"number passes through": {value: "3", want: "3"},
		"bool passes through":   {value: "true", want: "true"},
		"object passes through": {value: `{"a":1}`, want: `{"a":1}`},
		"plain string quoted":   {value: "hello", want: `"hello"`},
		"empty string quoted":   {value: "", want: `""`},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := structuralValue(tc.value); got != tc.want {
				t.Errorf("structuralValue(%q) = %q, want %q", tc.value, got, tc.want)
			}
		})
	}
}
