package ruleconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// LoadFile reads and validates the rule file at path.
func LoadFile(path string) (*ConfigSpec, error) {
	// #nosec G304 - path is supplied by the operator
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a rule file, applies defaults and validates the result.
// Unknown keys are rejected.
func Parse(content []byte) (*ConfigSpec, error) {
	var cfg ConfigSpec
	dec := toml.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w:\n%s", ErrUnknownKey, strict.String())
		}
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
