package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNetworkNotFound is returned when a requested network has no configuration entry.
var ErrNetworkNotFound = errors.New("network not found in configuration")

// Defaults applied to every network that leaves the field empty.
const (
	DefaultBatchSize         = 10
	DefaultConnectionTimeout = 15 * time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultMaxRetryDelay     = 300 * time.Second

	DefaultInitialPollDelay = 3 * time.Second
	DefaultMinPollDelay     = 1 * time.Second
	DefaultMaxPollDelay     = 10 * time.Second

	DefaultStateBackend = "file"
	DefaultStatePath    = "./data"
	DefaultRulesDir     = "./rules"
)

// Config holds the YAML configuration.
type Config struct {
	Version  int                `yaml:"version"`
	Global   GlobalConfig       `yaml:"global"`
	Networks map[string]Network `yaml:"networks"`
	Sinks    []Sink             `yaml:"sinks"`
}

type GlobalConfig struct {
	RulesDir string        `yaml:"rules_dir"`
	DBPath   string        `yaml:"db_path"`
	State    StateConfig   `yaml:"state"`
	Polling  PollingConfig `yaml:"polling"`
}

// StateConfig selects where watermarks are persisted.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Prefix  string `yaml:"prefix"`
}

type PollingConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MinDelay     Duration `yaml:"min_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// Network is the immutable per-network connection and batching setup.
type Network struct {
	Name              string   `yaml:"-"`
	URL               string   `yaml:"url"`
	EventsURL         string   `yaml:"events_url"`
	ConnectionTimeout Duration `yaml:"connection_timeout"`
	BatchSize         uint64   `yaml:"batch_size"`
	RetryDelay        Duration `yaml:"retry_delay"`
	MaxRetryDelay     Duration `yaml:"max_retry_delay"`
}

type RateLimit struct {
	Burst     float64 `yaml:"burst"`
	PerSecond float64 `yaml:"per_second"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Subject    string   `yaml:"subject"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`

	Redis RedisConfig `yaml:"redis"`

	Networks  []string   `yaml:"networks"`
	Where     []string   `yaml:"where"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
	DedupeTTL Duration   `yaml:"dedupe_ttl"`
	Timeout   Duration   `yaml:"timeout"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// searchPaths are tried in order when no config path is given.
var searchPaths = []string{
	"gov-watch.yaml",
	filepath.Join("config", "gov-watch.yaml"),
	filepath.Join("~", ".config", "gov-watch", "config.yaml"),
	filepath.Join("/etc", "gov-watch", "config.yaml"),
}

// Discover returns the first existing config file from the standard locations.
func Discover() (string, error) {
	home, _ := os.UserHomeDir()
	for _, p := range searchPaths {
		if strings.HasPrefix(p, "~") {
			if home == "" {
				continue
			}
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", errors.New("no configuration file found")
}

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		discovered, err := Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Global.RulesDir == "" {
		c.Global.RulesDir = DefaultRulesDir
	}
	if c.Global.State.Backend == "" {
		c.Global.State.Backend = DefaultStateBackend
	}
	c.Global.State.Backend = strings.ToLower(c.Global.State.Backend)
	if c.Global.State.Path == "" {
		c.Global.State.Path = DefaultStatePath
	}
	if c.Global.Polling.InitialDelay == 0 {
		c.Global.Polling.InitialDelay = Duration(DefaultInitialPollDelay)
	}
	if c.Global.Polling.MinDelay == 0 {
		c.Global.Polling.MinDelay = Duration(DefaultMinPollDelay)
	}
	if c.Global.Polling.MaxDelay == 0 {
		c.Global.Polling.MaxDelay = Duration(DefaultMaxPollDelay)
	}

	for name, n := range c.Networks {
		n.Name = name
		if n.BatchSize == 0 {
			n.BatchSize = DefaultBatchSize
		}
		if n.ConnectionTimeout == 0 {
			n.ConnectionTimeout = Duration(DefaultConnectionTimeout)
		}
		if n.RetryDelay == 0 {
			n.RetryDelay = Duration(DefaultRetryDelay)
		}
		if n.MaxRetryDelay == 0 {
			n.MaxRetryDelay = Duration(DefaultMaxRetryDelay)
		}
		c.Networks[name] = n
	}

	for i := range c.Sinks {
		c.Sinks[i].Type = strings.ToLower(c.Sinks[i].Type)
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}

	for _, name := range c.NetworkNames() {
		n := c.Networks[name]
		if err := n.Validate(); err != nil {
			return fmt.Errorf("network %s: %w", name, err)
		}
	}

	if err := c.Global.Validate(); err != nil {
		return err
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
		for _, n := range s.Networks {
			if _, ok := c.Networks[n]; !ok {
				return fmt.Errorf("sink %s: unknown network: %s", s.ID, n)
			}
		}
		if (s.Type == "store" || s.DedupeTTL > 0) && c.Global.DBPath == "" {
			return fmt.Errorf("sink %s: global.db_path is required for store sinks and dedupe", s.ID)
		}
	}

	return nil
}

func (g *GlobalConfig) Validate() error {
	p := g.Polling
	if p.MinDelay <= 0 || p.MaxDelay < p.MinDelay {
		return errors.New("polling: min_delay must be positive and not above max_delay")
	}
	if p.InitialDelay < p.MinDelay || p.InitialDelay > p.MaxDelay {
		return errors.New("polling: initial_delay must lie within [min_delay, max_delay]")
	}

	switch g.State.Backend {
	case "file", "badger":
		if g.State.Path == "" {
			return fmt.Errorf("state: path is required for %s backend", g.State.Backend)
		}
	case "sqlite":
		if g.DBPath == "" {
			return errors.New("state: global.db_path is required for sqlite backend")
		}
	case "postgres":
		if g.State.DSN == "" {
			return errors.New("state: dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("state: unsupported backend: %s", g.State.Backend)
	}
	return nil
}

func (n *Network) Validate() error {
	if n.URL == "" {
		return errors.New("url is required")
	}
	if n.ConnectionTimeout < 0 || n.RetryDelay < 0 || n.MaxRetryDelay < 0 {
		return errors.New("durations must be positive")
	}
	if n.MaxRetryDelay < n.RetryDelay {
		return errors.New("max_retry_delay must not be below retry_delay")
	}
	return nil
}

// UnmarshalYAML rejects a url that is not a YAML string before decoding the rest.
func (n *Network) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: network settings must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if key.Value == "url" && (val.Kind != yaml.ScalarNode || val.ShortTag() != "!!str") {
			return fmt.Errorf("line %d: url must be a string", val.Line)
		}
	}
	type plain Network
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = Network(p)
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch s.Type {
	case "log", "store":
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "discord":
		if s.Redis.Addr == "" {
			return errors.New("redis.addr is required for discord sink")
		}
	case "nats":
		if s.URL == "" {
			return errors.New("url is required for nats sink")
		}
		if s.Subject == "" {
			s.Subject = "gov-watch.alerts"
		}
	case "kafka":
		if len(s.Brokers) == 0 || s.Topic == "" {
			return errors.New("brokers and topic are required for kafka sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}

	if s.RateLimit != nil && (s.RateLimit.Burst < 1 || s.RateLimit.PerSecond <= 0) {
		return errors.New("rate_limit needs burst >= 1 and per_second > 0")
	}
	if s.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// Network returns the named network or ErrNetworkNotFound.
func (c *Config) Network(name string) (Network, error) {
	n, ok := c.Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	return n, nil
}

// NetworkNames lists configured networks in stable order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
