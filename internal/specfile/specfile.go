// Package specfile reads pipeline definitions and their starting asset
// collections from YAML files.
package specfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/artgen/pkg/schema"
)

// Document is the on-disk layout of a pipeline file.
type Document struct {
	schema.PipelineSpec `yaml:",inline"`

	State       *StateSection               `yaml:"state,omitempty"`
	Assets      *AssetsSection              `yaml:"assets,omitempty"`
	Collections map[string][]map[string]any `yaml:"collections,omitempty"`
}

// StateSection is the legacy location of the state directory.
type StateSection struct {
	Directory string `yaml:"directory"`
}

// AssetsSection declares the default "assets" collection. At most one of
// Items, FromFile and Count is used, in that order of preference.
type AssetsSection struct {
	Type     string           `yaml:"type,omitempty"`
	Items    []map[string]any `yaml:"items,omitempty"`
	FromFile string           `yaml:"from_file,omitempty"`
	Count    int              `yaml:"count,omitempty"`
}

// Loaded is a parsed pipeline with the collections it starts from.
type Loaded struct {
	Spec        *schema.PipelineSpec
	Collections schema.Collections
	Path        string
}

// Load reads the pipeline at path. Relative asset files and state
// directories resolve against the pipeline's directory.
func Load(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline file not found: %s", path)
		}
		return nil, schema.NewError(schema.ErrCodeConfiguration, "read pipeline file").WithCause(err)
	}
	loaded, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	loaded.Path = path
	return loaded, nil
}

// Parse decodes a pipeline document. baseDir anchors relative paths.
func Parse(data []byte, baseDir string) (*Loaded, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid pipeline YAML").WithCause(err)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline missing required 'name' field")
	}

	spec := doc.PipelineSpec
	if spec.StateDir == "" && doc.State != nil {
		spec.StateDir = doc.State.Directory
	}
	if spec.StateDir != "" && !filepath.IsAbs(spec.StateDir) {
		spec.StateDir = filepath.Join(baseDir, spec.StateDir)
	}

	cols := make(schema.Collections, len(doc.Collections)+1)
	for name, items := range doc.Collections {
		cols[name] = records(items)
	}
	if doc.Assets != nil {
		recs, err := doc.Assets.load(baseDir)
		if err != nil {
			return nil, err
		}
		cols[schema.DefaultCollection] = recs
	}
	return &Loaded{Spec: &spec, Collections: cols}, nil
}

func (a *AssetsSection) load(baseDir string) ([]schema.AssetRecord, error) {
	switch {
	case len(a.Items) > 0:
		return records(a.Items), nil
	case a.FromFile != "":
		path := a.FromFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return LoadAssets(path)
	case a.Count < 0:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "asset count must be positive, got %d", a.Count)
	case a.Count > 0:
		out := make([]schema.AssetRecord, a.Count)
		for i := range out {
			out[i] = schema.AssetRecord{"id": fmt.Sprintf("asset-%03d", i+1), "index": i}
		}
		return out, nil
	}
	return nil, nil
}

func records(items []map[string]any) []schema.AssetRecord {
	out := make([]schema.AssetRecord, len(items))
	for i, item := range items {
		out[i] = schema.AssetRecord(item)
	}
	return out
}
