// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// variable values. Unset variables without defaults expand to empty string;
// required values fail at Normalize instead.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}

		value, ok := os.LookupEnv(groups[1])
		if ok && value != "" {
			return value
		}
		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}
		return ""
	})
}

// Load reads a YAML config file, expands environment variables, unmarshals,
// and normalizes the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return &cfg, nil
}
