// Package codec reads and writes process definitions as YAML or JSON
// documents.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/types"
)

// Format is a document encoding.
type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
)

// ErrUnknownFormat is returned for unsupported file extensions or formats.
var ErrUnknownFormat = errors.New("unknown document format")

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".json":
		return JSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Decode parses a definition document. Unknown fields are rejected.
func Decode(data []byte, format Format) (types.ProcessDefinition, error) {
	var doc types.DefinitionDocument
	switch format {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return types.ProcessDefinition{}, fmt.Errorf("failed to parse yaml definition: %w", err)
		}
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return types.ProcessDefinition{}, fmt.Errorf("failed to parse json definition: %w", err)
		}
	default:
		return types.ProcessDefinition{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return doc.Definition()
}

// Encode renders a definition document. Activities and actors are sorted by
// id, so equal definitions encode identically.
func Encode(def types.ProcessDefinition, format Format) ([]byte, error) {
	doc := def.Document()
	switch format {
	case YAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode yaml definition: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case JSON:
		return json.MarshalIndent(doc, "", "  ")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// ReadFile loads a definition, choosing the format from the extension.
func ReadFile(path string) (types.ProcessDefinition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return types.ProcessDefinition{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("failed to read definition: %w", err)
	}
	return Decode(data, format)
}

// WriteFile stores a definition, choosing the format from the extension.
func WriteFile(path string, def types.ProcessDefinition) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := Encode(def, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write definition: %w", err)
	}
	return nil
}
