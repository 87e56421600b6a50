package marketplace

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/catalog.schema.json
var catalogSchemaBytes []byte

var (
	catalogSchema     *jsonschema.Schema
	catalogSchemaOnce sync.Once
	catalogSchemaErr  error
)

func compiledCatalogSchema() (*jsonschema.Schema, error) {
	catalogSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(catalogSchemaBytes))
		if err != nil {
			catalogSchemaErr = fmt.Errorf("unmarshaling catalog schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.schema.json", doc); err != nil {
			catalogSchemaErr = fmt.Errorf("adding catalog schema resource: %w", err)
			return
		}
		catalogSchema, catalogSchemaErr = c.Compile("catalog.schema.json")
		if catalogSchemaErr != nil {
			catalogSchemaErr = fmt.Errorf("compiling catalog schema: %w", catalogSchemaErr)
		}
	})
	return catalogSchema, catalogSchemaErr
}

// validateCatalog checks a normalized catalog against the embedded schema.
// Callers only warn on failure: third-party data is returned as-is.
func validateCatalog(catalog Catalog) error {
	schema, err := compiledCatalogSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(catalog)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
