package docstore

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const registrySchemaURL = "https://gistdb.local/registry.schema.json"

//go:embed registry.schema.json
var registrySchemaJSON []byte

var (
	registrySchemaOnce sync.Once
	registrySchema     *jsonschema.Schema
	entrySchema        *jsonschema.Schema
	registrySchemaErr  error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	registrySchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(registrySchemaJSON))
		if err != nil {
			registrySchemaErr = fmt.Errorf("parse registry schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(registrySchemaURL, doc); err != nil {
			registrySchemaErr = fmt.Errorf("add registry schema: %w", err)
			return
		}
		if registrySchema, err = c.Compile(registrySchemaURL); err != nil {
			registrySchemaErr = err
			return
		}
		entrySchema, registrySchemaErr = c.Compile(registrySchemaURL + "#/$defs/entry")
	})
	return registrySchema, entrySchema, registrySchemaErr
}

// validateEntry checks a single entry, leaving the rest of the registry to
// whatever shape it already has.
func validateEntry(entry CollectionEntry) error {
	_, sch, err := compiledSchemas()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: collection %q: %v", ErrInvalidInput, entry.ID, err)
	}
	return nil
}

// validateRegistry checks an encoded registry document against the schema
// and rejects duplicate ids, which the schema cannot express.
func validateRegistry(encoded []byte, reg Registry) error {
	sch, _, err := compiledSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: registry: %v", ErrInvalidInput, err)
	}
	seen := make(map[string]struct{}, len(reg.Checklists))
	for _, entry := range reg.Checklists {
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("%w: duplicate collection id %q", ErrInvalidInput, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return nil
}
