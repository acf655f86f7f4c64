// Package loader reads workflow definition files from disk.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefinitionFile pairs a decoded definition with the file it came from.
type DefinitionFile struct {
	Definition *schema.WorkflowDefinition
	Path       string
}

// FileError reports a failure tied to one definition file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Err.Error()) }

func (e *FileError) Unwrap() error { return e.Err }

// Registrar accepts definitions; *registry.Registry satisfies it.
type Registrar interface {
	Register(def *schema.WorkflowDefinition) error
}

// Supported reports whether path has a definition file extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFiles expands patterns (doublestar globs such as defs/**/*.yaml) and
// decodes every matching definition file. Files with other extensions are
// ignored. A file that fails to load is reported in the joined error and the
// rest are still returned.
func LoadFiles(patterns []string) ([]DefinitionFile, error) {
	seen := make(map[string]bool)
	var (
		paths []string
		errs  []error
	)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			errs = append(errs, &FileError{Path: pattern, Err: err})
			continue
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] && Supported(m) {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	var files []DefinitionFile
	for _, path := range paths {
		defs, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			files = append(files, DefinitionFile{Definition: def, Path: path})
		}
	}
	return files, errors.Join(errs...)
}

// LoadFile decodes the definitions in a single file.
func LoadFile(path string) ([]*schema.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &FileError{Path: path, Err: errors.New("is a directory")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	defs, err := Decode(path, data)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	return defs, nil
}

// Decode parses data as JSON or YAML, chosen by the extension of name. A
// document may hold one definition or a list of them.
func Decode(name string, data []byte) ([]*schema.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("definition file is empty")
	}

	raw := data
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		// Step configs, next and input mappings have JSON decoders; YAML
		// is re-encoded so both formats go through them.
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		raw = b
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported definition format %q", filepath.Ext(name))
	}

	raw = bytes.TrimSpace(raw)
	if raw[0] == '[' {
		var defs []*schema.WorkflowDefinition
		if err := json.Unmarshal(raw, &defs); err != nil {
			return nil, fmt.Errorf("decode definitions: %w", err)
		}
		for i, def := range defs {
			if def == nil {
				return nil, fmt.Errorf("definition %d is null", i)
			}
		}
		return defs, nil
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return []*schema.WorkflowDefinition{&def}, nil
}

// RegisterAll registers every loaded definition and returns how many
// succeeded. Failures are joined and tagged with their source file.
func RegisterAll(reg Registrar, files []DefinitionFile) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, f := range files {
		if err := reg.Register(f.Definition); err != nil {
			errs = append(errs, &FileError{Path: f.Path, Err: err})
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
