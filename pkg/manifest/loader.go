package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound indicates that no project file exists where one was looked for.
var ErrNotFound = errors.New("project file not found")

// Load reads, validates and defaults the project file at path.
//
// .json files are parsed as JSON; anything else is parsed as YAML (a JSON
// document is valid YAML, so either works for unknown extensions).
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("permission denied reading project file: %s", path)
		}
		return nil, fmt.Errorf("read project file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadDir loads dir/golade.yaml, or returns Default() when the directory has
// no project file. The second return value is the file that was loaded, or
// "" for the defaults.
func LoadDir(dir string) (*Manifest, string, error) {
	path := filepath.Join(dir, FileName)
	m, err := Load(path)
	if errors.Is(err, ErrNotFound) {
		return Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return m, path, nil
}

// LoadFromBytes parses and validates a project file from raw bytes. path is
// used for format detection and error messages.
//
// The raw document is validated before decoding into the typed struct, so
// unknown fields are rejected instead of silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("project file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if isJSON(path) {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("decode project file: %w", err)
	}

	m.ApplyDefaults()
	return &m, nil
}

// LoadFromReader reads and validates a project file from r.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	return LoadFromBytes(data, path)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// toJSON converts the document to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	if isJSON(path) {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in project file: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in project file: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert project file to JSON: %w", err)
	}
	return out, nil
}
