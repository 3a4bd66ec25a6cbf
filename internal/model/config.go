package model

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	Generation7 = "7"
	Generation8 = "8"

	LogFormatJSON = "json"
	LogFormatText = "text"

	// IniName is the file name ObjectStudio reads its settings from.
	IniName = "ostudio.ini"
	// TempDirName is the build scoped temp directory below the workspace.
	TempDirName = "TEMP"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version      int          `json:"version" yaml:"version"` // fixed 0 for now
	ObjectStudio ObjectStudio `json:"objectstudio" yaml:"objectstudio"`
	Build        Build        `json:"build" yaml:"build"`
	Tail         *Tail        `json:"tail,omitempty" yaml:"tail,omitempty"`
	Service      Service      `json:"service" yaml:"service"`
}

// ObjectStudio describes the installation which is going to be launched.
type ObjectStudio struct {
	Generation   string `json:"generation" yaml:"generation"`                     // "7" | "8"
	Path         string `json:"path" yaml:"path"`                                 // installation directory
	Executable   string `json:"executable,omitempty" yaml:"executable,omitempty"` // overrides the default exe name
	StartWrapper bool   `json:"start_wrapper,omitempty" yaml:"start_wrapper,omitempty"`
}

// ExecutablePath returns the executable, relative names are resolved against Path.
func (o ObjectStudio) ExecutablePath() string {
	exe := o.Executable
	if exe == "" {
		exe = "ostudio.exe"
		if o.Generation == Generation8 {
			exe = "ObjectStudio.exe"
		}
	}
	return o.installPath(exe)
}

// ImagePath resolves an image name. Absolute paths are returned as they are.
func (o ObjectStudio) ImagePath(image string) string {
	return o.installPath(image)
}

func (o ObjectStudio) installPath(name string) string {
	if filepath.IsAbs(name) || o.Path == "" {
		return name
	}
	return filepath.Join(o.Path, name)
}

// Build is the per-job configuration of a single ObjectStudio run.
type Build struct {
	Path              string `json:"path,omitempty" yaml:"path,omitempty"` // sub directory of the workspace
	Preload           string `json:"preload,omitempty" yaml:"preload,omitempty"`
	Load              string `json:"load,omitempty" yaml:"load,omitempty"`
	Postload          string `json:"postload,omitempty" yaml:"postload,omitempty"`
	Ini               string `json:"ini" yaml:"ini"`
	Image             string `json:"image" yaml:"image"`
	ImageCopy         *bool  `json:"image_copy,omitempty" yaml:"image_copy,omitempty"`
	Log               string `json:"log,omitempty" yaml:"log,omitempty"`
	Parameters        string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	VWParameters      string `json:"vw_parameters,omitempty" yaml:"vw_parameters,omitempty"`
	ReportMemoryUsage *bool  `json:"report_memory_usage,omitempty" yaml:"report_memory_usage,omitempty"`
}

// CopyImage reports if the image must be isolated, it defaults to true.
func (b Build) CopyImage() bool {
	return get(b.ImageCopy, true)
}

// MemoryReport reports if -xq is requested, it defaults to true. Only
// generation 8 has the option.
func (b Build) MemoryReport() bool {
	return get(b.ReportMemoryUsage, true)
}

// Tail tunes the log follower, zero values mean defaults.
type Tail struct {
	Interval       Duration `json:"interval,omitzero" yaml:"interval,omitempty"`
	CreateAttempts *int     `json:"create_attempts,omitempty" yaml:"create_attempts,omitempty"`
	IdleCycles     int      `json:"idle_cycles,omitempty" yaml:"idle_cycles,omitempty"`
	Notify         bool     `json:"notify,omitempty" yaml:"notify,omitempty"`
}

type Service struct {
	Verbose    bool        `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	LogFormat  string      `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "json"|"text"
	Dir        string      `json:"dir,omitempty" yaml:"dir,omitempty"`               // report directory
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"` // remote publication
	DB         string      `json:"db,omitempty" yaml:"db,omitempty"`                 // build history
	Schedule   *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Repository publication settings.
type Repository struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
}

func (r *Repository) IsEnabled() bool {
	return r != nil && get(r.Enabled, false)
}

// DefaultConfig returns the configuration written on a first start.
func DefaultConfig(_ context.Context) Config {
	yes := true
	return Config{
		Version: 0,
		ObjectStudio: ObjectStudio{
			Generation: Generation7,
			Path:       `C:\Program Files (x86)\ObjectStudio711\`,
		},
		Build: Build{
			Preload:    "preload.txt",
			Load:       "load.txt",
			Postload:   "postload.txt",
			Ini:        IniName,
			Image:      "ostudio.img",
			ImageCopy:  &yes,
			Log:        "ostudio.log",
			Parameters: "-E50",
		},
		Service: Service{
			LogFormat: LogFormatJSON,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	out.Build.normalize()

	return &out, nil
}

func (b *Build) normalize() {
	b.Path = strings.TrimSpace(b.Path)
}

// TailInterval returns the configured polling interval or def.
func (c Config) TailInterval(def time.Duration) time.Duration {
	if c.Tail == nil || c.Tail.Interval.Duration <= 0 {
		return def
	}
	return c.Tail.Interval.Duration
}

func get[T any](pt *T, def T) T {
	if pt == nil {
		return def
	}
	return *pt
}
