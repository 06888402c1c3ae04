package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// sectionKey is the optional top-level section a shared config file can
// nest bloodbank settings under.
const sectionKey = "bloodbank"

// FromFile loads configuration from a .yaml, .yml or .json file.
// An empty file yields an empty Config.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read bloodbank config: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = FromYAML(data)
	case ".json":
		cfg, err = FromJSON(data)
	default:
		return Config{}, fmt.Errorf("bloodbank config %s: unsupported extension %q (want .yaml, .yml or .json)", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("bloodbank config %s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML parses YAML data into a Config. See normalize for key handling.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(normalize(m)), nil
}

// FromJSON parses JSON data into a Config. See normalize for key handling.
func FromJSON(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(nil), nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(normalize(m)), nil
}

// normalize maps a decoded document onto the flat snake_case keys Settings
// reads. A lone "bloodbank" section is unwrapped, nested sections are joined
// with "_" (redis: {host: x} becomes redis_host), and keys are lower-cased
// with "-" and "." folded to "_".
func normalize(m map[string]any) map[string]any {
	if len(m) == 1 {
		if inner, ok := m[sectionKey].(map[string]any); ok {
			m = inner
		}
	}
	out := make(map[string]any, len(m))
	flatten(out, "", m)
	return out
}

func flatten(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := normalizeKey(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(out, key, nested)
			continue
		}
		out[key] = v
	}
}

var keyReplacer = strings.NewReplacer("-", "_", ".", "_", " ", "_")

func normalizeKey(k string) string {
	return keyReplacer.Replace(strings.ToLower(strings.TrimSpace(k)))
}
