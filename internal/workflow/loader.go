package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a feature set file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatFromPath infers the encoding from a file extension. Unknown extensions
// are treated as YAML, which also accepts JSON documents.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// ParseFeatureSet decodes a feature set from bytes in the given format.
func ParseFeatureSet(data []byte, format Format) (FeatureSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return FeatureSet{}, fmt.Errorf("workflow: feature set payload is empty")
	}
	var set FeatureSet
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &set)
	case FormatTOML:
		err = toml.Unmarshal(data, &set)
	default:
		err = yaml.Unmarshal(data, &set)
	}
	if err != nil {
		return FeatureSet{}, fmt.Errorf("workflow: decode feature set: %w", err)
	}
	return set.Normalized()
}

// LoadFeatureSetReader reads a feature set from an io.Reader.
func LoadFeatureSetReader(r io.Reader, format Format) (FeatureSet, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("workflow: read feature set: %w", err)
	}
	return ParseFeatureSet(content, format)
}

// LoadFeatureSet loads a feature set from disk, picking the decoder by extension.
func LoadFeatureSet(path string) (FeatureSet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	set, parseErr := ParseFeatureSet(content, FormatFromPath(path))
	if parseErr != nil {
		return FeatureSet{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	if set.ID == "" {
		set.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return set, nil
}
