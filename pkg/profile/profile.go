package profile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/urmzd/slink/pkg/link"
)

// Settings are the link connection parameters of one named profile, stored
// as a JSON document and validated against SettingsSchema before use.
type Settings struct {
	Device         string `json:"device"`
	BaudRate       int    `json:"baud_rate"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Retries        int    `json:"retries"`
}

// Default returns the built-in settings used when a profile carries none.
func Default() Settings {
	return Settings{
		Device:         "/dev/ttyS0",
		BaudRate:       38400,
		TimeoutSeconds: 3,
		Retries:        3,
	}
}

// DefaultDocument returns Default serialized for storage.
func DefaultDocument() json.RawMessage {
	doc, _ := json.Marshal(Default())
	return doc
}

// LinkParams converts the settings into link connection parameters.
func (s Settings) LinkParams() link.Params {
	return link.Params{
		Device:   s.Device,
		BaudRate: s.BaudRate,
		Timeout:  time.Duration(s.TimeoutSeconds) * time.Second,
		Retries:  s.Retries,
	}
}

// SettingsSchema is the JSON Schema every settings document must satisfy.
func SettingsSchema() json.RawMessage {
	return json.RawMessage(`{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"device": {"type": "string", "minLength": 1},
			"baud_rate": {"type": "integer", "minimum": 300, "maximum": 4000000},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 60},
			"retries": {"type": "integer", "minimum": 0, "maximum": 10}
		},
		"additionalProperties": false
	}`)
}

// Parse validates a stored settings document and merges it over the
// defaults. An empty document yields Default unchanged.
func Parse(doc json.RawMessage) (Settings, error) {
	settings := Default()
	if len(doc) == 0 || string(doc) == "null" {
		return settings, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(doc, &payload); err != nil {
		return settings, fmt.Errorf("parse settings: %w", err)
	}
	if err := validateSettings(payload); err != nil {
		return settings, fmt.Errorf("validate settings: %w", err)
	}
	if err := json.Unmarshal(doc, &settings); err != nil {
		return settings, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}
