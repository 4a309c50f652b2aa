package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Duration is a config-friendly wrapper around time.Duration that accepts
// human readable strings such as "150ms" in JSON and YAML files while still
// allowing numeric representations (nanoseconds) when necessary.
type Duration time.Duration

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration using the canonical string representation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration from either a string (e.g. "250ms") or a
// numeric value representing nanoseconds. Empty strings and null values decode
// to zero.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("duration: empty value")
	}
	if string(b) == "null" {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("duration: decode string: %w", err)
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*d = Duration(time.Duration(f))
		return nil
	}
	return fmt.Errorf("duration: invalid value %s", string(b))
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: line %d: expected a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	if node.Tag == "!!null" {
		*d = 0
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config captures everything needed to run an adaptive-mesh session.
type Config struct {
	Tree    TreeConfig    `json:"tree" yaml:"tree"`
	Tracer  TracerConfig  `json:"tracer" yaml:"tracer"`
	Adapt   AdaptConfig   `json:"adapt" yaml:"adapt"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Run     RunConfig     `json:"run" yaml:"run"`
}

type TreeConfig struct {
	Dim          int  `json:"dim" yaml:"dim"`                   // 2 or 3
	RootsX       int  `json:"rootsX" yaml:"rootsX"`             // roots along x
	RootsY       int  `json:"rootsY" yaml:"rootsY"`             // roots along y
	RootsZ       int  `json:"rootsZ" yaml:"rootsZ"`             // roots along z, 3-D only
	InitialLevel int  `json:"initialLevel" yaml:"initialLevel"` // uniform refinement before the first step
	Match        bool `json:"match" yaml:"match"`               // refine across joins so every face is fine-fine
}

// Vec is a point or velocity in domain units.
type Vec struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

type TracerConfig struct {
	Centre    Vec     `json:"centre" yaml:"centre"`
	Velocity  Vec     `json:"velocity" yaml:"velocity"` // displacement per step
	Width     float64 `json:"width" yaml:"width"`       // gaussian standard deviation
	Amplitude float64 `json:"amplitude" yaml:"amplitude"`
}

type AdaptConfig struct {
	Criteria []CriterionConfig `json:"criteria" yaml:"criteria"`
	Budget   Duration          `json:"budget" yaml:"budget"` // warn when a pass takes longer
}

// Criterion kinds understood by the session.
const (
	KindGradient  = "gradient"
	KindCurvature = "curvature"
	KindNotBox    = "notbox"
	KindUniform   = "uniform"
)

type CriterionConfig struct {
	Name     string     `json:"name" yaml:"name"`
	Kind     string     `json:"kind" yaml:"kind"`
	Weight   float64    `json:"weight" yaml:"weight"`
	MinLevel int        `json:"minLevel" yaml:"minLevel"`
	MaxLevel int        `json:"maxLevel" yaml:"maxLevel"`
	MinCells int        `json:"minCells" yaml:"minCells"`
	MaxCells int        `json:"maxCells" yaml:"maxCells"` // 0 means unlimited
	CMax     float64    `json:"cmax" yaml:"cmax"`
	Period   int        `json:"period" yaml:"period"` // active every Period steps, 0 or 1 for always
	Box      *BoxConfig `json:"box,omitempty" yaml:"box,omitempty"`
}

type BoxConfig struct {
	Min Vec `json:"min" yaml:"min"`
	Max Vec `json:"max" yaml:"max"`
}

// Store providers.
const (
	ProviderMemory = "memory"
	ProviderDisk   = "disk"
	ProviderBadger = "badger"
)

type StoreConfig struct {
	Provider        string `json:"provider" yaml:"provider"`
	Path            string `json:"path" yaml:"path"`
	InMemory        bool   `json:"inMemory" yaml:"inMemory"` // badger only
	SyncWrites      bool   `json:"syncWrites" yaml:"syncWrites"`
	CheckpointEvery int    `json:"checkpointEvery" yaml:"checkpointEvery"` // 0 disables periodic checkpoints
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"` // console or json
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" yaml:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"` // e.g. ":9108"
}

type RunConfig struct {
	Steps       int      `json:"steps" yaml:"steps"`
	MaxWall     Duration `json:"maxWall" yaml:"maxWall"`         // 0 for no limit
	ReportEvery int      `json:"reportEvery" yaml:"reportEvery"` // steps between progress logs
}

// Load reads configuration from a JSON or YAML file, chosen by extension. An
// empty path returns defaults. Fields missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, filepath.Ext(path), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Decode parses data into cfg. ext selects YAML for ".yaml" and ".yml" and
// JSON otherwise.
func Decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Tree: TreeConfig{
			Dim:          2,
			RootsX:       1,
			RootsY:       1,
			RootsZ:       1,
			InitialLevel: 3,
		},
		Tracer: TracerConfig{
			Centre:    Vec{X: -0.25, Y: 0},
			Velocity:  Vec{X: 0.01},
			Width:     0.05,
			Amplitude: 1,
		},
		Adapt: AdaptConfig{
			Criteria: []CriterionConfig{
				{
					Name:     "tracer-gradient",
					Kind:     KindGradient,
					Weight:   1,
					MaxLevel: 6,
					CMax:     1e-2,
					Period:   1,
				},
			},
			Budget: Duration(250 * time.Millisecond),
		},
		Store: StoreConfig{
			Provider:        ProviderMemory,
			CheckpointEvery: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Listen: ":9108",
		},
		Run: RunConfig{
			Steps:       50,
			ReportEvery: 10,
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Tree.Dim != 2 && c.Tree.Dim != 3 {
		add("tree.dim must be 2 or 3")
	}
	if c.Tree.RootsX <= 0 || c.Tree.RootsY <= 0 || (c.Tree.Dim == 3 && c.Tree.RootsZ <= 0) {
		add("tree roots per axis must be positive")
	}
	if c.Tree.InitialLevel < 0 {
		add("tree.initialLevel cannot be negative")
	}
	if c.Tracer.Width <= 0 {
		add("tracer.width must be positive")
	}

	names := make(map[string]struct{}, len(c.Adapt.Criteria))
	for i, cr := range c.Adapt.Criteria {
		if cr.Name == "" {
			add("adapt.criteria[%d].name must be set", i)
		} else if _, dup := names[cr.Name]; dup {
			add("adapt.criteria[%d]: duplicate name %q", i, cr.Name)
		}
		names[cr.Name] = struct{}{}
		switch cr.Kind {
		case KindGradient, KindCurvature, KindUniform:
		case KindNotBox:
			if cr.Box == nil {
				add("adapt.criteria[%d]: notbox requires a box", i)
			}
		default:
			add("adapt.criteria[%d]: unknown kind %q", i, cr.Kind)
		}
		if cr.MinLevel < 0 || cr.MaxLevel < cr.MinLevel {
			add("adapt.criteria[%d]: levels must satisfy 0 <= minLevel <= maxLevel", i)
		}
		if cr.MinCells < 0 || cr.MaxCells < 0 {
			add("adapt.criteria[%d]: cell limits cannot be negative", i)
		}
		if cr.MaxCells > 0 && cr.MaxCells < cr.MinCells {
			add("adapt.criteria[%d]: maxCells must be >= minCells", i)
		}
		if cr.CMax < 0 {
			add("adapt.criteria[%d].cmax cannot be negative", i)
		}
		if cr.Period < 0 {
			add("adapt.criteria[%d].period cannot be negative", i)
		}
	}

	switch c.Store.Provider {
	case ProviderMemory:
	case ProviderDisk:
		if c.Store.Path == "" {
			add("store.path must be set for the disk provider")
		}
	case ProviderBadger:
		if c.Store.Path == "" && !c.Store.InMemory {
			add("store.path must be set for a persistent badger store")
		}
	default:
		add("store.provider %q is not one of memory, disk, badger", c.Store.Provider)
	}
	if c.Store.CheckpointEvery < 0 {
		add("store.checkpointEvery cannot be negative")
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		add("logging.format must be console or json")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		add("metrics.listen must be set when metrics are enabled")
	}
	if c.Run.Steps < 0 {
		add("run.steps cannot be negative")
	}
	if c.Run.MaxWall < 0 {
		add("run.maxWall cannot be negative")
	}
	return result.ErrorOrNil()
}
