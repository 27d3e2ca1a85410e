package templates

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed template.schema.json
var templateSchema []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(templateSchema))
	})

	return schema, schemaErr
}

// ValidateDocument checks a raw JSON template document against the template
// schema before it is decoded.
func ValidateDocument(document []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile template schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("invalid template document: %w", err)
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			issues = append(issues, e.String())
		}

		return fmt.Errorf("template document does not match schema: %s", strings.Join(issues, "; "))
	}

	return nil
}
