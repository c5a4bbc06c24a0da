// Package config loads service configuration.
//
// Precedence, lowest first: Default, a config file (YAML, JSON or JSONC),
// FOTA_* environment variables, then command line flags applied by the
// caller. Validate checks the result against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FOTA_"

// Config is the complete service configuration.
type Config struct {
	Listen            string `yaml:"listen" json:"listen"`
	PublicURL         string `yaml:"public_url" json:"public_url"`
	DataDir           string `yaml:"data_dir" json:"data_dir"`
	Backend           string `yaml:"backend" json:"backend"`
	Compression       string `yaml:"compression" json:"compression"`
	VersionOrder      string `yaml:"version_order" json:"version_order"`
	StrictAssignments bool   `yaml:"strict_assignments" json:"strict_assignments"`
	MaxUploadBytes    int64  `yaml:"max_upload_bytes" json:"max_upload_bytes"`
	ReadTimeoutSec    int    `yaml:"read_timeout_sec" json:"read_timeout_sec"`
	WriteTimeoutSec   int    `yaml:"write_timeout_sec" json:"write_timeout_sec"`
	IdleTimeoutSec    int    `yaml:"idle_timeout_sec" json:"idle_timeout_sec"`
	LogLevel          string `yaml:"log_level" json:"log_level"`
	LogFormat         string `yaml:"log_format" json:"log_format"`
}

// Default returns the built-in configuration. It matches the previous
// deployment: port 8008 and data next to the working directory.
func Default() Config {
	return Config{
		Listen:          ":8008",
		PublicURL:       "http://localhost:8008",
		DataDir:         "./data",
		Backend:         "file",
		Compression:     "none",
		VersionOrder:    "lexical",
		MaxUploadBytes:  16 << 20,
		ReadTimeoutSec:  15,
		WriteTimeoutSec: 60,
		IdleTimeoutSec:  60,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds a Config from defaults, the file at path (skipped when path
// is empty) and the process environment, and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the fields set in the file at path. The format is
// chosen by extension: .yaml and .yml are YAML, .json and .jsonc are JSON
// with comments and trailing commas allowed. Unknown fields are errors.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml, .json or .jsonc)", path, ext)
	}
	return nil
}

// ApplyEnv overlays FOTA_* variables found by lookup. Variable names are
// the upper-cased field names, e.g. FOTA_DATA_DIR.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":        &c.Listen,
		"PUBLIC_URL":    &c.PublicURL,
		"DATA_DIR":      &c.DataDir,
		"BACKEND":       &c.Backend,
		"COMPRESSION":   &c.Compression,
		"VERSION_ORDER": &c.VersionOrder,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"READ_TIMEOUT_SEC":  &c.ReadTimeoutSec,
		"WRITE_TIMEOUT_SEC": &c.WriteTimeoutSec,
		"IDLE_TIMEOUT_SEC":  &c.IdleTimeoutSec,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_UPLOAD_BYTES: %w", EnvPrefix, err)
		}
		c.MaxUploadBytes = n
	}
	if v, ok := lookup(EnvPrefix + "STRICT_ASSIGNMENTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSTRICT_ASSIGNMENTS: %w", EnvPrefix, err)
		}
		c.StrictAssignments = b
	}
	return nil
}

// Validate checks c against the CUE schema and then checks what the
// schema cannot express.
func (c Config) Validate() error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	value := cctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid config: public_url %q is not an absolute URL", c.PublicURL)
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid config: listen %q: %w", c.Listen, err)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ReadTimeout returns ReadTimeoutSec as a duration.
func (c Config) ReadTimeout() time.Duration { return time.Duration(c.ReadTimeoutSec) * time.Second }

// WriteTimeout returns WriteTimeoutSec as a duration.
func (c Config) WriteTimeout() time.Duration { return time.Duration(c.WriteTimeoutSec) * time.Second }

// IdleTimeout returns IdleTimeoutSec as a duration.
func (c Config) IdleTimeout() time.Duration { return time.Duration(c.IdleTimeoutSec) * time.Second }
