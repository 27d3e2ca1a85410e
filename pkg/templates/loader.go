package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/absamo/triven-workflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.yaml / *.yml file in dir. Each file holds one template
// or a list of templates under "templates". Documents are schema-checked after
// conversion to JSON, then decoded into the model.
func LoadDir(dir string) ([]models.WorkflowTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}

	slices.Sort(names)

	var out []models.WorkflowTemplate

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		list, err := ParseYAML(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		out = append(out, list...)
	}

	return out, nil
}

type yamlFile struct {
	Templates []map[string]any `yaml:"templates"`
}

// ParseYAML decodes one YAML document holding a template or a "templates" list.
func ParseYAML(raw []byte) ([]models.WorkflowTemplate, error) {
	var file yamlFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	docs := file.Templates
	if len(docs) == 0 {
		var single map[string]any
		if err := yaml.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}

		docs = []map[string]any{single}
	}

	out := make([]models.WorkflowTemplate, 0, len(docs))

	for i, doc := range docs {
		document, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", i+1, err)
		}

		if err := ValidateDocument(document); err != nil {
			return nil, fmt.Errorf("template %d: %w", i+1, err)
		}

		var t models.WorkflowTemplate
		if err := json.Unmarshal(document, &t); err != nil {
			return nil, fmt.Errorf("template %d: %w", i+1, err)
		}

		out = append(out, t)
	}

	return out, nil
}
