// Package experimentfile reads experiment description files and expands their
// parameter grids into concrete configurations.
package experimentfile

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

const (
	ParamChoice = "choice"
	ParamRange  = "range"
)

type File struct {
	Seml  Seml           `yaml:"seml"`
	Slurm map[string]any `yaml:"slurm,omitempty"`
	Fixed map[string]any `yaml:"fixed,omitempty"`
	Grid  map[string]any `yaml:"grid,omitempty"`
}

type Seml struct {
	Executable  string `yaml:"executable"`
	Name        string `yaml:"name,omitempty"`
	WorkingDir  string `yaml:"working_dir,omitempty"`
	OutputDir   string `yaml:"output_dir,omitempty"`
	ProjectRoot string `yaml:"project_root_dir,omitempty"`
	// Hydra enables resolving configurations against the executable's
	// composition tree before queueing.
	Hydra       bool   `yaml:"hydra,omitempty"`
	ConfigPath  string `yaml:"config_path,omitempty"`
	ConfigName  string `yaml:"config_name,omitempty"`
	VersionBase string `yaml:"version_base,omitempty"`

	UseUploadedSources bool     `yaml:"use_uploaded_sources,omitempty"`
	SourcePaths        []string `yaml:"source_paths,omitempty"`
}

// Parameter is one grid dimension.
type Parameter struct {
	Type    string `yaml:"type"`
	Options []any  `yaml:"options,omitempty"`
	Min     any    `yaml:"min,omitempty"`
	Max     any    `yaml:"max,omitempty"`
	Step    any    `yaml:"step,omitempty"`
}

func Read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read experiment file: %w", err)
	}
	return Parse(data)
}

func Parse(input []byte) (File, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return File{}, fmt.Errorf("decode experiment file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return File{}, err
	}
	return file, nil
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Seml.Executable) == "" {
		return errors.New("seml.executable is required")
	}
	params, err := f.Parameters()
	if err != nil {
		return err
	}
	fixed := keypath.Flatten(f.Fixed)
	for key := range params {
		if _, ok := fixed[key]; ok {
			return fmt.Errorf("grid.%s is also set in fixed", key)
		}
	}
	return nil
}

// Parameters flattens the grid section. Any mapping with a `type` key is a
// parameter, other mappings nest further.
func (f File) Parameters() (map[string]Parameter, error) {
	out := make(map[string]Parameter)
	if err := collect(out, "", f.Grid); err != nil {
		return nil, err
	}
	return out, nil
}

func collect(out map[string]Parameter, prefix string, node map[string]any) error {
	for _, key := range keypath.SortedKeys(node) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		m, ok := keypath.AsMap(node[key])
		if !ok {
			return fmt.Errorf("grid.%s must be a mapping", path)
		}
		if _, isParam := m["type"]; !isParam {
			if err := collect(out, path, m); err != nil {
				return err
			}
			continue
		}
		param, err := decodeParameter(m)
		if err != nil {
			return fmt.Errorf("grid.%s: %w", path, err)
		}
		if _, err := param.Values(); err != nil {
			return fmt.Errorf("grid.%s: %w", path, err)
		}
		out[path] = param
	}
	return nil
}

func decodeParameter(m map[string]any) (Parameter, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return Parameter{}, err
	}
	var p Parameter
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Parameter{}, err
	}
	return p, nil
}

// Values lists the values a parameter takes, in order.
func (p Parameter) Values() ([]any, error) {
	switch p.Type {
	case ParamChoice:
		if len(p.Options) == 0 {
			return nil, errors.New("choice needs options")
		}
		return p.Options, nil
	case ParamRange:
		return p.rangeValues()
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", p.Type)
	}
}

func (p Parameter) rangeValues() ([]any, error) {
	lo, okLo := toFloat(p.Min)
	hi, okHi := toFloat(p.Max)
	if !okLo || !okHi {
		return nil, errors.New("range needs numeric min and max")
	}
	step := 1.0
	if p.Step != nil {
		var ok bool
		if step, ok = toFloat(p.Step); !ok || step <= 0 {
			return nil, errors.New("range step must be a positive number")
		}
	}
	integral := isInt(p.Min) && isInt(p.Max) && (p.Step == nil || isInt(p.Step))
	var out []any
	// Max is exclusive.
	for i := 0; ; i++ {
		v := lo + float64(i)*step
		if v >= hi {
			break
		}
		if integral {
			out = append(out, int(v))
		} else {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("range is empty")
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	}
	return 0, false
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}

// Generate returns the cartesian product of the grid merged over the fixed
// values. Keys are expanded in sorted order with the last key varying
// fastest.
func (f File) Generate() ([]map[string]any, error) {
	params, err := f.Parameters()
	if err != nil {
		return nil, err
	}
	keys := keypath.SortedKeys(params)
	values := make([][]any, len(keys))
	for i, key := range keys {
		if values[i], err = params[key].Values(); err != nil {
			return nil, fmt.Errorf("grid.%s: %w", key, err)
		}
	}

	base := keypath.Flatten(f.Fixed)
	var configs []map[string]any
	index := make([]int, len(keys))
	for {
		flat := make(map[string]any, len(base)+len(keys))
		for k, v := range base {
			flat[k] = keypath.DeepCopy(v)
		}
		for i, key := range keys {
			flat[key] = keypath.DeepCopy(values[i][index[i]])
		}
		nested, err := keypath.Unflatten(flat)
		if err != nil {
			return nil, err
		}
		configs = append(configs, nested)

		pos := len(keys) - 1
		for pos >= 0 {
			index[pos]++
			if index[pos] < len(values[pos]) {
				break
			}
			index[pos] = 0
			pos--
		}
		if pos < 0 {
			return configs, nil
		}
	}
}
