package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/conductor/workflow"
	"github.com/goccy/go-yaml"
)

// ParseFile loads a Definition from a file. The file extension is used to
// determine the format (JSON or YAML).
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(data)
	case ".yml", ".yaml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// ParseYAML loads a Definition from YAML. Unknown keys are rejected.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.Strict()); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseJSON loads a Definition from JSON. Unknown keys are rejected.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile parses and builds a process definition from a file.
func LoadFile(path string) (*workflow.Process, error) {
	def, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	process, err := def.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", path, err)
	}
	return process, nil
}

// LoadDirectory loads every YAML and JSON file in a directory, one process
// definition per file, in lexicographical order. An empty directory is an
// error.
func LoadDirectory(dirPath string) ([]*workflow.Process, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yml" || ext == ".yaml" || ext == ".json" {
			files = append(files, filepath.Join(dirPath, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml or json files found in directory: %s", dirPath)
	}
	var processes []*workflow.Process
	for _, file := range files {
		process, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		processes = append(processes, process)
	}
	return processes, nil
}
