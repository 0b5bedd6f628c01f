package syncbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Duration parses Go duration strings out of YAML ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: bad duration %q", ErrInvalidInput, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type TableConfig struct {
	Name  string     `yaml:"name"`
	Class TableClass `yaml:"class"`
}

type Config struct {
	Legacy struct {
		Path string `yaml:"path"`
	} `yaml:"legacy"`
	Cloud struct {
		DSN      string `yaml:"dsn"`
		MaxConns int    `yaml:"maxConns"`
	} `yaml:"cloud"`
	Tables  []TableConfig `yaml:"tables"`
	Capture struct {
		PollInterval Duration `yaml:"pollInterval"`
	} `yaml:"capture"`
	Queue struct {
		Workers        int      `yaml:"workers"`
		MaxAttempts    int      `yaml:"maxAttempts"`
		RetryBaseDelay Duration `yaml:"retryBaseDelay"`
	} `yaml:"queue"`
	Resolver struct {
		AutoApplyThreshold int `yaml:"autoApplyThreshold"`
	} `yaml:"resolver"`
	Health struct {
		ProbeInterval Duration `yaml:"probeInterval"`
	} `yaml:"health"`
	Alerts struct {
		Retention Duration `yaml:"retention"`
		MaxAlerts int      `yaml:"maxAlerts"`
	} `yaml:"alerts"`
	Reconnect struct {
		BaseDelay   Duration `yaml:"baseDelay"`
		MaxAttempts int      `yaml:"maxAttempts"`
	} `yaml:"reconnect"`
	HTTP struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"http"`
}

// configSchema guards the YAML shape before decoding. Structural checks only;
// semantic defaults happen in Normalize.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["legacy", "cloud", "tables"],
  "properties": {
    "legacy": {
      "type": "object",
      "required": ["path"],
      "properties": {"path": {"type": "string", "minLength": 1}}
    },
    "cloud": {
      "type": "object",
      "required": ["dsn"],
      "properties": {
        "dsn": {"type": "string", "minLength": 1},
        "maxConns": {"type": "integer", "minimum": 1}
      }
    },
    "tables": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_]*$"},
          "class": {"enum": ["identity", "workflow", "general"]}
        }
      }
    },
    "capture": {
      "type": "object",
      "properties": {"pollInterval": {"$ref": "#/$defs/duration"}}
    },
    "queue": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 1},
        "maxAttempts": {"type": "integer", "minimum": 1},
        "retryBaseDelay": {"$ref": "#/$defs/duration"}
      }
    },
    "resolver": {
      "type": "object",
      "properties": {
        "autoApplyThreshold": {"type": "integer", "minimum": 1, "maximum": 100}
      }
    },
    "health": {
      "type": "object",
      "properties": {"probeInterval": {"$ref": "#/$defs/duration"}}
    },
    "alerts": {
      "type": "object",
      "properties": {
        "retention": {"$ref": "#/$defs/duration"},
        "maxAlerts": {"type": "integer", "minimum": 1}
      }
    },
    "reconnect": {
      "type": "object",
      "properties": {
        "baseDelay": {"$ref": "#/$defs/duration"},
        "maxAttempts": {"type": "integer", "minimum": 1}
      }
    },
    "http": {
      "type": "object",
      "properties": {
        "addr": {"type": "string"},
        "token": {"type": "string"}
      }
    }
  },
  "$defs": {
    "duration": {"type": "string", "pattern": "^[0-9]+(ns|us|ms|s|m|h)$"}
  }
}`

// LoadConfig reads, schema-validates, and decodes a YAML config file, then
// applies environment overrides and defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (Config, error) {
	if err := validateConfigDocument(data); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

// validateConfigDocument round-trips the YAML document through JSON so the
// schema validator sees canonical value types.
func validateConfigDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("syncbridge.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	schema, err := compiler.Compile("syncbridge.schema.json")
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNCBRIDGE_LEGACY_PATH"); v != "" {
		c.Legacy.Path = v
	}
	if v := os.Getenv("SYNCBRIDGE_CLOUD_DSN"); v != "" {
		c.Cloud.DSN = v
	}
	if v := os.Getenv("SYNCBRIDGE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("SYNCBRIDGE_HTTP_TOKEN"); v != "" {
		c.HTTP.Token = v
	}
}

// Normalize fills defaults for everything the schema leaves optional.
func (c *Config) Normalize() {
	if c.Cloud.MaxConns <= 0 {
		c.Cloud.MaxConns = 8
	}
	if c.Capture.PollInterval <= 0 {
		c.Capture.PollInterval = Duration(10 * time.Second)
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBaseDelay <= 0 {
		c.Queue.RetryBaseDelay = Duration(500 * time.Millisecond)
	}
	if c.Resolver.AutoApplyThreshold <= 0 {
		c.Resolver.AutoApplyThreshold = 95
	}
	if c.Health.ProbeInterval <= 0 {
		c.Health.ProbeInterval = Duration(30 * time.Second)
	}
	if c.Alerts.Retention <= 0 {
		c.Alerts.Retention = Duration(24 * time.Hour)
	}
	if c.Alerts.MaxAlerts <= 0 {
		c.Alerts.MaxAlerts = 1000
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = Duration(5 * time.Second)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
	for i := range c.Tables {
		if c.Tables[i].Class == "" {
			c.Tables[i].Class = ClassGeneral
		}
	}
}

// TableNames lists the configured table names in declaration order.
func (c *Config) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}

// TableClasses maps configured tables to their class for the resolver.
func (c *Config) TableClasses() map[string]TableClass {
	classes := make(map[string]TableClass, len(c.Tables))
	for _, t := range c.Tables {
		classes[t.Name] = t.Class
	}
	return classes
}
