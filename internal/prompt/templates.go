package prompt

import (
	"bytes"
	_ "embed"
	"os"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Verdicts offered to the model in the instruction text.
var Verdicts = []string{"Same", "Different", "Unclear"}

// TemplateConfig holds the raw instruction texts.
type TemplateConfig struct {
	System      string `yaml:"system"`
	FirstEntry  string `yaml:"first_entry"`
	SecondEntry string `yaml:"second_entry"`
	Context     string `yaml:"context"`
	Final       string `yaml:"final"`
}

// Templates are parsed instruction texts.
type Templates struct {
	system      *template.Template
	firstEntry  string
	secondEntry string
	context     *template.Template
	final       string
}

// DefaultTemplates parses the embedded instruction texts.
func DefaultTemplates() (*Templates, error) {
	return parseTemplates(defaultTemplates)
}

// LoadTemplates reads instruction texts from a YAML file with a top-level
// "prompt" key. Missing keys keep their embedded defaults.
func LoadTemplates(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: read templates %s", path)
	}
	return parseTemplates(data)
}

func parseTemplates(data []byte) (*Templates, error) {
	var defaults struct {
		Prompt TemplateConfig `yaml:"prompt"`
	}
	if err := yaml.Unmarshal(defaultTemplates, &defaults); err != nil {
		return nil, eris.Wrap(err, "prompt: parse embedded templates")
	}

	// Decoding over the defaults keeps any key the override omits.
	wrapper := defaults
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "prompt: parse templates")
	}
	cfg := wrapper.Prompt

	system, err := template.New("system").Option("missingkey=error").Parse(cfg.System)
	if err != nil {
		return nil, eris.Wrap(err, "prompt: parse system template")
	}
	context, err := template.New("context").Option("missingkey=error").Parse(cfg.Context)
	if err != nil {
		return nil, eris.Wrap(err, "prompt: parse context template")
	}

	return &Templates{
		system:      system,
		firstEntry:  strings.TrimSpace(cfg.FirstEntry),
		secondEntry: strings.TrimSpace(cfg.SecondEntry),
		context:     context,
		final:       strings.TrimSpace(cfg.Final),
	}, nil
}

func (t *Templates) renderSystem() (string, error) {
	var buf bytes.Buffer
	if err := t.system.Execute(&buf, struct{ Verdicts []string }{Verdicts}); err != nil {
		return "", eris.Wrap(err, "prompt: render system template")
	}
	return strings.TrimSpace(buf.String()), nil
}

func (t *Templates) renderContextHeader(url string) (string, error) {
	var buf bytes.Buffer
	if err := t.context.Execute(&buf, struct{ URL string }{url}); err != nil {
		return "", eris.Wrap(err, "prompt: render context template")
	}
	return strings.TrimSpace(buf.String()), nil
}
