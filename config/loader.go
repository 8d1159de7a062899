package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxConfigSize caps config files to keep a bad mount from exhausting memory.
const maxConfigSize = 10 << 20

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads, expands, parses, and validates a config file. The format is
// chosen by extension: .json, or .yaml/.yml.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes in the format named by ext (".json", ".yaml",
// ".yml"), expanding ${VAR} and ${VAR:-default} references first. Unknown
// fields are rejected so typos fail loudly at startup.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(strings.NewReader(expanded))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .json, .yaml, or .yml)", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references. Unset
// variables without a default expand to the empty string, which validation
// then catches for required fields.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}
