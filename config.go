package fixd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"
)

// Config is the set of construction parameters that can be loaded from a
// file alongside, or instead of, functional Options. It mirrors the
// subset of Server's Option surface that is useful to express
// declaratively in a fixture-project config file.
type Config struct {
	Address             string `mapstructure:"address"`
	WorkerPoolSize      int    `mapstructure:"worker_pool_size"`
	MaxCapturedRequests int    `mapstructure:"max_captured_requests"`
	SessionStoreBytes   int    `mapstructure:"session_store_bytes"`
	LogLevel            string `mapstructure:"log_level"`
}

// DefaultConfig returns a Config with the same defaults NewServer applies.
func DefaultConfig() *Config {
	return &Config{
		Address:             "127.0.0.1:0",
		WorkerPoolSize:      10,
		MaxCapturedRequests: -1,
		SessionStoreBytes:   32 * 1024 * 1024,
		LogLevel:            "info",
	}
}

// LoadConfigFile decodes path into c, dispatching on file extension.
// Supported extensions are .json, .toml, .yaml/.yml, and .ini, matching
// the specification's ambient configuration surface; any other
// extension is rejected.
//
// Every format is first decoded into a generic map and then funneled
// through a weakly typed `mapstructure` decoder, the same two-step "decode to map, then
// decode map to struct" shape the teacher uses for its own Air.Serve
// config loading.
func LoadConfigFile(path string, c *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fixd: read config: %w", err)
	}

	m := map[string]interface{}{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("fixd: parse json config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("fixd: parse toml config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("fixd: parse yaml config: %w", err)
		}
	case ".ini":
		im, err := decodeINIMap(raw)
		if err != nil {
			return fmt.Errorf("fixd: parse ini config: %w", err)
		}
		m = im
	default:
		return fmt.Errorf("fixd: unsupported config extension %q", filepath.Ext(path))
	}

	// Weak typing lets the string values of an .ini file decode into the
	// numeric fields of Config.
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("fixd: decode config: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("fixd: decode config: %w", err)
	}

	return nil
}

// decodeINIMap flattens an ini.File into a single-level map, merging all
// sections (the default section plus any named ones) so that
// mapstructure.Decode sees the same flat shape it would from JSON/TOML/
// YAML. A key defined in more than one section, last section wins.
func decodeINIMap(raw []byte) (map[string]interface{}, error) {
	f, err := ini.Load(raw)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{}

	for _, sec := range f.Sections() {
		for _, key := range sec.Keys() {
			out[key.Name()] = key.Value()
		}
	}

	return out, nil
}

// options adapts c into the Server construction options it maps to.
func (c *Config) options() []Option {
	l := NewLogger(nil)
	l.Level = parseLogLevel(c.LogLevel)

	return []Option{
		WithWorkerPoolSize(c.WorkerPoolSize),
		WithMaxCapturedRequests(c.MaxCapturedRequests),
		WithSessionStoreBytes(c.SessionStoreBytes),
		WithLogger(l),
	}
}

// parseLogLevel maps a config-file level name to a LogLevel, defaulting to
// LevelInfo for an empty or unrecognized value.
func parseLogLevel(name string) LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewServerFromConfig builds a Server from c, using c.Address as the bind
// address.
func NewServerFromConfig(c *Config) *Server {
	return NewServer(c.Address, c.options()...)
}
