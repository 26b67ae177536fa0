// Package workflowdef loads local workflow definitions: YAML files naming a
// remote workflow id, default parameters, and an optional input schema.
package workflowdef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"framerelay/internal/remote"
)

// Definition is one workflow file.
type Definition struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
	InputSchema map[string]any `yaml:"input_schema"`

	// Path is the file the definition was read from; empty for ad-hoc ids.
	Path string `yaml:"-"`
}

// Parse decodes a single YAML definition.
func Parse(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return Definition{}, errors.New("workflow definition: id is required")
	}
	if _, err := def.Parameters(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadFile reads and parses the definition at path.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read workflow definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	def.Path = path
	return def, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, sorted by id. A missing
// directory yields no definitions.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	seen := make(map[string]string)
	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("workflow %q defined in both %s and %s", def.ID, prev, path)
		}
		seen[def.ID] = path
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Resolve turns a --workflow argument into a definition. ref may be a path to
// a definition file, the id of a definition in dir, or a bare remote id.
func Resolve(ref, dir string) (Definition, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Definition{}, errors.New("workflow reference required")
	}
	if isDefinitionFile(ref) {
		if _, err := os.Stat(ref); err == nil {
			return LoadFile(ref)
		}
	}
	defs, err := LoadDir(dir)
	if err != nil {
		return Definition{}, err
	}
	for _, def := range defs {
		if def.ID == ref {
			return def, nil
		}
	}
	return Definition{ID: ref}, nil
}

// Parameters converts the YAML params into workflow inputs. Nested maps and
// lists are rejected.
func (d Definition) Parameters() (map[string]remote.Param, error) {
	out := make(map[string]remote.Param, len(d.Params))
	for name, value := range d.Params {
		switch v := value.(type) {
		case string:
			out[name] = remote.StringParam(v)
		case bool:
			out[name] = remote.BoolParam(v)
		case int:
			out[name] = remote.NumberParam(float64(v))
		case int64:
			out[name] = remote.NumberParam(float64(v))
		case uint64:
			out[name] = remote.NumberParam(float64(v))
		case float64:
			out[name] = remote.NumberParam(v)
		default:
			return nil, fmt.Errorf("workflow %s: param %q has unsupported type %T", d.ID, name, value)
		}
	}
	return out, nil
}

// Schema returns the input schema as JSON, or nil when none is declared.
func (d Definition) Schema() (json.RawMessage, error) {
	if len(d.InputSchema) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(d.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: encode input schema: %w", d.ID, err)
	}
	return data, nil
}

// Info presents the definition the way remote workflows are listed.
func (d Definition) Info() remote.WorkflowInfo {
	schema, _ := d.Schema()
	return remote.WorkflowInfo{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		InputSchema: schema,
	}
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
