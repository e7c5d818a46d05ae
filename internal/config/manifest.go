package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"renderfarm/internal/models"
	"renderfarm/internal/query"
)

// Manifest describes one render job: where to run it and what to render.
type Manifest struct {
	Image    string            `yaml:"image"`
	MaxPrice float64           `yaml:"max_price"`
	MaxNodes int               `yaml:"max_nodes"`
	DiskGB   float64           `yaml:"disk_gb"`
	Label    string            `yaml:"label"`
	OnStart  string            `yaml:"onstart"`
	Env      map[string]string `yaml:"env"`
	// Filters are offer query clauses, e.g. "gpu_ram>=16".
	Filters  []string     `yaml:"filters"`
	Callback string       `yaml:"callback"`
	Defaults TaskDefaults `yaml:"defaults"`
	Tasks    []TaskEntry  `yaml:"tasks"`

	// Params is filled from Defaults and Tasks once the manifest validates.
	Params []models.RenderParams `yaml:"-"`
}

// TaskDefaults apply to every task that leaves the field unset.
type TaskDefaults struct {
	Resolution models.Resolution `yaml:"resolution"`
	Frames     models.FrameRange `yaml:"frames"`
	OutputDir  string            `yaml:"output_dir"`
}

// TaskEntry is one scene combination to render.
type TaskEntry struct {
	CombinationIndex *int               `yaml:"combination_index"`
	Resolution       *models.Resolution `yaml:"resolution"`
	Frames           *models.FrameRange `yaml:"frames"`
	OutputDir        string             `yaml:"output_dir"`
	BackgroundAsset  string             `yaml:"background_asset"`
	Combination      any                `yaml:"combination"`
}

// LoadManifest reads a YAML manifest from path and returns it validated.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest unmarshals YAML bytes into a validated Manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.MaxNodes == 0 {
		m.MaxNodes = 1
	}
	if m.DiskGB == 0 {
		m.DiskGB = 32
	}
	if m.Defaults.Frames == (models.FrameRange{}) {
		m.Defaults.Frames = models.FrameRange{Start: 1, End: 1}
	}
}

func (m *Manifest) validate() error {
	var errs []string
	if m.Image == "" {
		errs = append(errs, "image is required")
	}
	if m.MaxPrice <= 0 {
		errs = append(errs, "max_price must be positive")
	}
	if m.MaxNodes < 0 {
		errs = append(errs, "max_nodes must not be negative")
	}
	if len(m.Filters) > 0 {
		if _, _, err := query.Parse(m.Filters...); err != nil {
			errs = append(errs, fmt.Sprintf("filters: %v", err))
		}
	}
	if len(m.Tasks) == 0 {
		errs = append(errs, "at least one task is required")
	}

	params := make([]models.RenderParams, 0, len(m.Tasks))
	for i, t := range m.Tasks {
		p, err := m.resolve(i, t)
		if err != nil {
			errs = append(errs, fmt.Sprintf("tasks[%d]: %v", i, err))
			continue
		}
		params = append(params, p)
	}
	if err := joinErrs("manifest", errs); err != nil {
		return err
	}
	m.Params = params
	return nil
}

// resolve merges a task entry over the defaults.
func (m *Manifest) resolve(i int, t TaskEntry) (models.RenderParams, error) {
	p := models.RenderParams{
		CombinationIndex: i,
		Resolution:       m.Defaults.Resolution,
		Frames:           m.Defaults.Frames,
		OutputDir:        m.Defaults.OutputDir,
		BackgroundAsset:  t.BackgroundAsset,
	}
	if t.CombinationIndex != nil {
		p.CombinationIndex = *t.CombinationIndex
	}
	if t.Resolution != nil {
		p.Resolution = *t.Resolution
	}
	if t.Frames != nil {
		p.Frames = *t.Frames
	}
	if t.OutputDir != "" {
		p.OutputDir = t.OutputDir
	}
	if t.Combination != nil {
		raw, err := json.Marshal(jsonable(t.Combination))
		if err != nil {
			return p, fmt.Errorf("combination: %w", err)
		}
		p.Combination = raw
	}
	return p, p.Validate()
}

// jsonable converts YAML maps with non-string keys into JSON objects.
func jsonable(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = jsonable(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = jsonable(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = jsonable(val)
		}
		return out
	default:
		return v
	}
}
