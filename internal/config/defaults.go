package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults returns the default configuration as a generic document, keyed the
// same way as the config file.
func Defaults() map[string]any {
	return map[string]any{
		"app_name":                 DefaultAppName,
		"log_debug_enable":         false,
		"http_server_ip":           DefaultListenIP,
		"http_server_port":         DefaultListenPort,
		"http_server_cert":         "",
		"http_client_timeout":      int(DefaultClientTimeout.Seconds()),
		"http_server_ip_blacklist": []any{},
		"log": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}
}

// WriteDefaults writes the default configuration to path. With merge unset
// the file is replaced by the defaults. With merge set, keys missing from an
// existing file are added and every existing value is kept; a missing file is
// created. The format follows the file extension, JSON when unknown.
func WriteDefaults(path string, merge bool) error {
	doc := Defaults()

	if merge {
		existing, err := readDocument(path)
		if err != nil {
			return err
		}
		doc = mergeMissing(existing, doc)
	}

	data, err := encodeDocument(path, doc)
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// readDocument loads path as a generic document. A missing file yields an
// empty document.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	doc := map[string]any{}
	switch documentFormat(path) {
	case "toml":
		err = toml.Unmarshal(data, &doc)
	case "yaml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return doc, nil
}

// mergeMissing returns existing with every key of defaults it lacks. Nested
// sections are merged one level deep.
func mergeMissing(existing, defaults map[string]any) map[string]any {
	out := maps.Clone(existing)
	for k, def := range defaults {
		cur, ok := out[k]
		if !ok {
			out[k] = def
			continue
		}
		curSection, curOK := cur.(map[string]any)
		defSection, defOK := def.(map[string]any)
		if curOK && defOK {
			out[k] = mergeMissing(curSection, defSection)
		}
	}
	return out
}

func encodeDocument(path string, doc map[string]any) ([]byte, error) {
	switch documentFormat(path) {
	case "toml":
		return toml.Marshal(doc)
	case "yaml":
		return yaml.Marshal(doc)
	default:
		data, err := json.MarshalIndent(doc, "", "    ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

func documentFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
