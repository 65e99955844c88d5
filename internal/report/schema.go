package report

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed report.schema.json
var schemaJSON []byte

var (
	schemaLoader     gojsonschema.JSONLoader
	schemaLoaderErr  error
	schemaLoaderOnce sync.Once
)

// SchemaError lists the schema violations of a report document.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 0 {
		return "report failed schema validation"
	}
	return "report failed schema validation: " + strings.Join(e.Issues, "; ")
}

// Schema returns the decoded report JSON schema.
func Schema() (map[string]any, error) {
	var schema map[string]any
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, fmt.Errorf("decode report schema: %w", err)
	}
	return schema, nil
}

// Validate checks raw report JSON against the schema.
func Validate(raw []byte) error {
	loader, err := loadSchema()
	if err != nil {
		return fmt.Errorf("report: load schema: %w", err)
	}
	result, err := gojsonschema.Validate(loader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("report: schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return &SchemaError{Issues: issues}
}

func loadSchema() (gojsonschema.JSONLoader, error) {
	schemaLoaderOnce.Do(func() {
		schema, err := Schema()
		if err != nil {
			schemaLoaderErr = err
			return
		}
		schemaLoader = gojsonschema.NewGoLoader(schema)
	})
	if schemaLoaderErr != nil {
		return nil, schemaLoaderErr
	}
	return schemaLoader, nil
}
