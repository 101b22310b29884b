package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models promptline.yml.
type Config struct {
	Models []string `yaml:"models"`
	Pool   struct {
		Path string `yaml:"path"`
	} `yaml:"pool"`
	DataDir string `yaml:"data_dir"`
	Lease   struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
		LockWaitMS     int `yaml:"lock_wait_ms"`
	} `yaml:"lease"`
	Reclaim struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"reclaim"`
	Submissions struct {
		MinWords            int     `yaml:"min_words"`
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		RequireTitlePrefix  bool    `yaml:"require_title_prefix"`
		AcceptLate          bool    `yaml:"accept_late"`
		RatePerMinute       int     `yaml:"rate_per_minute"`
	} `yaml:"submissions"`
	Admins  []string `yaml:"admins"`
	Receipt struct {
		PricePerItem float64 `yaml:"price_per_item"`
		Currency     string  `yaml:"currency"`
		Issuer       struct {
			Name    string `yaml:"name"`
			Contact string `yaml:"contact"`
		} `yaml:"issuer"`
	} `yaml:"receipt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig posts audit events to an external URL. An empty Events list
// subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config.models is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m == "" {
			return fmt.Errorf("config.models contains an empty model")
		}
		if seen[m] {
			return fmt.Errorf("config.models lists %s twice", m)
		}
		seen[m] = true
	}
	if c.Pool.Path == "" {
		return fmt.Errorf("config.pool.path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config.data_dir is required")
	}
	if c.Lease.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.lease.timeout_seconds must be positive")
	}
	if c.Lease.LockWaitMS <= 0 {
		return fmt.Errorf("config.lease.lock_wait_ms must be positive")
	}
	if c.Reclaim.IntervalSeconds <= 0 {
		return fmt.Errorf("config.reclaim.interval_seconds must be positive")
	}
	if c.Submissions.MinWords < 0 {
		return fmt.Errorf("config.submissions.min_words must not be negative")
	}
	if t := c.Submissions.SimilarityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config.submissions.similarity_threshold must be in (0, 1]")
	}
	if c.Submissions.RatePerMinute < 0 {
		return fmt.Errorf("config.submissions.rate_per_minute must not be negative")
	}
	if c.Receipt.PricePerItem < 0 {
		return fmt.Errorf("config.receipt.price_per_item must not be negative")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func (c *Config) HasModel(model string) bool {
	return slices.Contains(c.Models, model)
}

func (c *Config) IsAdmin(userID string) bool {
	return userID != "" && slices.Contains(c.Admins, userID)
}

func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Lease.TimeoutSeconds) * time.Second
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Lease.LockWaitMS) * time.Millisecond
}

func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Reclaim.IntervalSeconds) * time.Second
}

// Resolve makes relative pool and data paths relative to workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		return
	}
	if c.Pool.Path != "" && !filepath.IsAbs(c.Pool.Path) {
		c.Pool.Path = filepath.Join(workspace, c.Pool.Path)
	}
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(workspace, c.DataDir)
	}
}

func (c *Config) LedgerDir() string { return filepath.Join(c.DataDir, "ledger") }

func (c *Config) ResponsesDir() string { return filepath.Join(c.DataDir, "responses") }

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "promptline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `models: [gemini_flash, grok, chatgpt_4o_mini, claude, copilot]

pool:
  path: inputs/input.jsonl

data_dir: data

lease:
  timeout_seconds: 900
  lock_wait_ms: 2000

reclaim:
  interval_seconds: 300

submissions:
  min_words: 50
  similarity_threshold: 0.85
  require_title_prefix: true
  accept_late: true
  rate_per_minute: 30

admins: [admin]

receipt:
  price_per_item: 0.1
  currency: USD
  issuer:
    name: "Promptline Data Collection"
    contact: ""

log:
  level: info
  format: json

# webhooks:
#   - url: https://example.test/hooks/promptline
#     events: [submission.accepted]
#     secret: change-me
webhooks: []
`
