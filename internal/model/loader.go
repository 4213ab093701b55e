package model

import (
	"encoding/json"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML config file and applies defaults. Structural
// validation (accumulated, not fail-fast) is the caller's responsibility
// via internal/validate.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadWorkItems reads a JSON work-item file: either a top-level array of
// objects or {"items": [...]}. Items without an "id" field are assigned a
// positional id so the invariant "every item has a stable id" holds before
// validation runs.
func LoadWorkItems(path string) ([]WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work items %s: %w", path, err)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapper struct {
			Items []map[string]any `json:"items"`
		}
		if werr := json.Unmarshal(data, &wrapper); werr != nil {
			return nil, fmt.Errorf("parse work items %s: %w", path, err)
		}
		raw = wrapper.Items
	}

	items := make([]WorkItem, 0, len(raw))
	for i, doc := range raw {
		id := fmt.Sprintf("item-%d", i)
		if v, ok := doc["id"].(string); ok && v != "" {
			id = v
		}
		items = append(items, WorkItem{ID: id, Data: doc})
	}
	return items, nil
}
