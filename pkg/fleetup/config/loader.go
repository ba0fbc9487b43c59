package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults and validates a plan file. The format is chosen by
// extension: .yaml, .yml or .json.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var plan *Plan
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		plan, err = FromYAML(data)
	case ".json":
		plan, err = FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported plan file extension: %s", ext)
	}
	if err != nil {
		return nil, err
	}

	plan.ApplyDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// FromYAML decodes a plan. Unknown fields are rejected. The result is
// neither defaulted nor validated.
func FromYAML(data []byte) (*Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &plan, nil
}

// FromJSON decodes a plan. Unknown fields are rejected. The result is
// neither defaulted nor validated.
func FromJSON(data []byte) (*Plan, error) {
	var plan Plan
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &plan, nil
}
