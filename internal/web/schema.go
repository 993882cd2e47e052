package web

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaReceipt   = "receipt"
	schemaSolprism  = "solprism"
	schemaExecution = "execution"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var (
	schemaOnce  sync.Once
	schemaCache map[string]*gojsonschema.Schema
	schemaErr   error
)

func loadSchemas() {
	schemaCache = map[string]*gojsonschema.Schema{}
	for _, name := range []string{schemaReceipt, schemaSolprism, schemaExecution} {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			schemaErr = err
			return
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		schemaCache[name] = compiled
	}
}

// validateDocument returns field errors for body against the named schema.
// A non-nil error means body is not JSON at all.
func validateDocument(name string, body []byte) ([]FieldError, error) {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}
	schema, ok := schemaCache[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	out := make([]FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		out = append(out, FieldError{Field: fieldPath(e), Message: e.Description()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

func fieldPath(e gojsonschema.ResultError) string {
	field := e.Field()
	if field == gojsonschema.STRING_CONTEXT_ROOT {
		field = ""
	}
	if e.Type() == "required" {
		if p, ok := e.Details()["property"].(string); ok {
			field = strings.TrimPrefix(field+"."+p, ".")
		}
	}
	if field == "" {
		return gojsonschema.STRING_CONTEXT_ROOT
	}
	return field
}
