// Package config handles instrace.yaml parsing.
//
// Configuration is read once at startup and turned into one explicit
// struct handed to the tracer; no component keeps global settings.
// Precedence, lowest to highest: defaults, the YAML file, INSTRACE_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/instrace/internal/log"
	"github.com/kolkov/instrace/internal/trace/buffer"
	"github.com/kolkov/instrace/internal/trace/flush"
	"github.com/kolkov/instrace/internal/trace/format"
	"github.com/kolkov/instrace/internal/trace/intercept"
	"github.com/kolkov/instrace/internal/trace/sink"
	"github.com/kolkov/instrace/internal/trace/site"
)

// SchemaVersion is the configuration schema this build understands.
const SchemaVersion = "v1"

// Config represents an instrace.yaml file.
type Config struct {
	Version      string             `yaml:"version,omitempty"`
	Buffer       BufferConfig       `yaml:"buffer,omitempty"`
	Sink         SinkConfig         `yaml:"sink,omitempty"`
	Instructions InstructionsConfig `yaml:"instructions,omitempty"`
	Intercept    InterceptConfig    `yaml:"intercept,omitempty"`
	Threads      ThreadsConfig      `yaml:"threads,omitempty"`
	Log          LogConfig          `yaml:"log,omitempty"`
}

// BufferConfig sizes the per-thread capture buffers.
type BufferConfig struct {
	// Capacity is the number of records per thread buffer. It must exceed
	// the longest block the host produces.
	Capacity int `yaml:"capacity,omitempty"`
}

// SinkConfig selects where the trace goes.
type SinkConfig struct {
	Target     string `yaml:"target,omitempty"`      // "stderr", "stdout" or a file path
	Format     string `yaml:"format,omitempty"`      // "text" or "jsonl"
	BufferSize *int   `yaml:"buffer_size,omitempty"` // output buffer bytes, 0 = unbuffered
	AutoFlush  bool   `yaml:"auto_flush,omitempty"`  // flush the output after every batch
	OnError    string `yaml:"on_error,omitempty"`    // "abort", "retain" or "drop"
}

// InstructionsConfig selects the monitored instructions.
type InstructionsConfig struct {
	Mode   string   `yaml:"mode,omitempty"`   // "all", "none" or "ranges"
	Ranges []string `yaml:"ranges,omitempty"` // "0xlo-0xhi", for mode ranges
}

// InterceptConfig configures allocator interception.
type InterceptConfig struct {
	Enabled bool     `yaml:"enabled"`
	Targets []string `yaml:"targets,omitempty"`
}

// ThreadsConfig configures the thread lifecycle.
type ThreadsConfig struct {
	// Max is the number of thread-local slots, which bounds the number of
	// simultaneously monitored threads.
	Max         int  `yaml:"max,omitempty"`
	FlushOnExit bool `yaml:"flush_on_exit"`
}

// LogConfig configures the diagnostic side channel.
type LogConfig struct {
	Verbose       bool   `yaml:"verbose,omitempty"`
	Format        string `yaml:"format,omitempty"` // "auto", "text" or "json"
	DebugDir      string `yaml:"debug_dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

// DefaultMaxThreads is the default number of thread-local slots.
const DefaultMaxThreads = 1024

// Default returns the default configuration.
func Default() *Config {
	bufSize := sink.DefaultBufferSize
	return &Config{
		Version: SchemaVersion,
		Buffer:  BufferConfig{Capacity: buffer.DefaultCapacity},
		Sink: SinkConfig{
			Target:     "stderr",
			Format:     string(format.Text),
			BufferSize: &bufSize,
			OnError:    string(flush.Abort),
		},
		Instructions: InstructionsConfig{Mode: string(site.ModeAll)},
		Intercept: InterceptConfig{
			Enabled: true,
			Targets: append([]string(nil), intercept.DefaultTargets...),
		},
		Threads: ThreadsConfig{Max: DefaultMaxThreads, FlushOnExit: true},
		Log:     LogConfig{Format: string(log.FormatAuto)},
	}
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown keys are rejected.
// The result is not validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies INSTRACE_* overrides read through getenv:
//
//	INSTRACE_SINK             sink.target
//	INSTRACE_FORMAT           sink.format
//	INSTRACE_ON_ERROR         sink.on_error
//	INSTRACE_BUFFER_CAPACITY  buffer.capacity
//	INSTRACE_INSTRUCTIONS     instructions.mode
//	INSTRACE_VERBOSE          log.verbose
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("INSTRACE_SINK"); v != "" {
		c.Sink.Target = v
	}
	if v := getenv("INSTRACE_FORMAT"); v != "" {
		c.Sink.Format = v
	}
	if v := getenv("INSTRACE_ON_ERROR"); v != "" {
		c.Sink.OnError = v
	}
	if v := getenv("INSTRACE_INSTRUCTIONS"); v != "" {
		c.Instructions.Mode = v
	}
	if v := getenv("INSTRACE_BUFFER_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INSTRACE_BUFFER_CAPACITY: %w", err)
		}
		c.Buffer.Capacity = n
	}
	if v := getenv("INSTRACE_VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("INSTRACE_VERBOSE: %w", err)
		}
		c.Log.Verbose = b
	}
	return nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("invalid version %q: want a semantic version such as %q", c.Version, SchemaVersion)
	}
	if semver.Major(c.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("unsupported config version %q: this build reads %s", c.Version, SchemaVersion)
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Threads.Max <= 0 {
		return fmt.Errorf("threads.max must be positive, got %d", c.Threads.Max)
	}
	if c.Sink.BufferSize != nil && *c.Sink.BufferSize < 0 {
		return fmt.Errorf("sink.buffer_size must not be negative, got %d", *c.Sink.BufferSize)
	}
	if _, err := format.ParseFormat(c.Sink.Format); err != nil {
		return err
	}
	if _, err := flush.ParsePolicy(c.Sink.OnError); err != nil {
		return err
	}
	if _, err := c.Filter(); err != nil {
		return err
	}
	for _, t := range c.Intercept.Targets {
		if _, ok := intercept.ParseKind(t); !ok {
			return fmt.Errorf("intercept.targets: unsupported target %q", t)
		}
	}
	switch log.Format(c.Log.Format) {
	case "", log.FormatAuto, log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("invalid log.format %q: must be auto, text or json", c.Log.Format)
	}
	return nil
}

// Filter returns the instruction filter.
func (c *Config) Filter() (site.Filter, error) {
	mode, err := site.ParseMode(c.Instructions.Mode)
	if err != nil {
		return site.Filter{}, err
	}
	f := site.Filter{Mode: mode}
	for _, s := range c.Instructions.Ranges {
		r, err := site.ParseRange(s)
		if err != nil {
			return site.Filter{}, fmt.Errorf("instructions.ranges: %w", err)
		}
		f.Ranges = append(f.Ranges, r)
	}
	if mode == site.ModeRanges && len(f.Ranges) == 0 {
		return site.Filter{}, errors.New("instructions.mode is ranges but instructions.ranges is empty")
	}
	return f, nil
}

// Format returns the validated trace format.
func (c *Config) Format() format.Format {
	f, _ := format.ParseFormat(c.Sink.Format)
	return f
}

// Policy returns the validated sink failure policy.
func (c *Config) Policy() flush.Policy {
	p, _ := flush.ParsePolicy(c.Sink.OnError)
	return p
}

// SinkOptions returns the sink options for the configured output buffering.
func (c *Config) SinkOptions() []sink.Option {
	opts := []sink.Option{sink.WithAutoFlush(c.Sink.AutoFlush)}
	if c.Sink.BufferSize != nil {
		opts = append(opts, sink.WithBufferSize(*c.Sink.BufferSize))
	}
	return opts
}

// LogOptions returns the diagnostic logger options.
func (c *Config) LogOptions() log.Options {
	return log.Options{
		Verbose:       c.Log.Verbose,
		Format:        log.Format(c.Log.Format),
		DebugDir:      c.Log.DebugDir,
		RetentionDays: c.Log.RetentionDays,
	}
}
