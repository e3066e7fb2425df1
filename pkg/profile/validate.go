package profile

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// settingsSchema compiles SettingsSchema once; the document is fixed at
// build time, so a failure here is a programming error surfaced to every
// caller.
func settingsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(SettingsSchema(), &doc); err != nil {
			schemaErr = fmt.Errorf("failed to unmarshal schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("settings.json", doc); err != nil {
			schemaErr = fmt.Errorf("failed to add resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("settings.json")
	})
	return compiledSchema, schemaErr
}

// validateSettings checks a decoded settings document against the schema.
func validateSettings(payload map[string]any) error {
	schema, err := settingsSchema()
	if err != nil {
		return err
	}
	return schema.Validate(payload)
}
