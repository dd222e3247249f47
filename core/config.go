package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the hooksd supervisor.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("hooksd"),
//	    core.WithAllowedCommands("echo", "env"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core configuration
	Name string `json:"name" env:"HOOKSD_NAME" default:"hooksd"`

	// Execution configuration for sandboxed commands
	Execution ExecutionConfig `json:"execution"`

	// CircuitBreaker configuration applied to hook executions
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`

	// Sandbox configuration
	Sandbox SandboxConfig `json:"sandbox"`

	// Batch processor configuration
	Batch BatchConfig `json:"batch"`

	// FileStore configuration
	FileStore FileStoreConfig `json:"file_store"`

	// Journal configuration for hook execution records
	Journal JournalConfig `json:"journal"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Logger instance for configuration operations (excluded from JSON)
	logger Logger `json:"-"`
}

// ExecutionConfig contains limits applied to each sandboxed command.
// MaxMemory and MaxCPU are advisory: they are recorded and logged but
// enforcement is delegated to the host OS via the process boundary.
type ExecutionConfig struct {
	Timeout   time.Duration `json:"timeout" env:"HOOKSD_EXEC_TIMEOUT" default:"30s"`
	MaxMemory string        `json:"max_memory" env:"HOOKSD_EXEC_MAX_MEMORY"`
	MaxCPU    string        `json:"max_cpu" env:"HOOKSD_EXEC_MAX_CPU"`
}

// CircuitBreakerConfig defines circuit breaker settings for hook commands.
// The breaker prevents a repeatedly failing hook from being re-spawned by
// failing fast once a threshold of consecutive errors is reached. After the
// reset timeout it allows limited requests to test recovery.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" env:"HOOKSD_CB_THRESHOLD" default:"5"`
	ResetTimeout     time.Duration `json:"reset_timeout" env:"HOOKSD_CB_RESET_TIMEOUT" default:"60s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"HOOKSD_CB_HALF_OPEN" default:"3"`
}

// SandboxConfig contains the allowlist and base environment for children.
// Env is the only environment a child inherits; the supervisor's own
// environment never leaks through.
type SandboxConfig struct {
	Enabled         bool              `json:"enabled" env:"HOOKSD_SANDBOX_ENABLED" default:"true"`
	AllowedCommands []string          `json:"allowed_commands" env:"HOOKSD_SANDBOX_ALLOWED"`
	Env             map[string]string `json:"env"`
	WorkDir         string            `json:"work_dir" env:"HOOKSD_SANDBOX_WORKDIR"`
}

// BatchConfig contains batch processor settings
type BatchConfig struct {
	BatchSize          int           `json:"batch_size" env:"HOOKSD_BATCH_SIZE" default:"10"`
	MaxQueueSize       int           `json:"max_queue_size" env:"HOOKSD_BATCH_MAX_QUEUE" default:"1000"`
	RetryLimit         int           `json:"retry_limit" env:"HOOKSD_BATCH_RETRY_LIMIT" default:"3"`
	ProcessingInterval time.Duration `json:"processing_interval" env:"HOOKSD_BATCH_INTERVAL" default:"1s"`
	FlushOnStop        bool          `json:"flush_on_stop" env:"HOOKSD_BATCH_FLUSH_ON_STOP" default:"true"`
}

// FileStoreConfig contains content-addressed store settings
type FileStoreConfig struct {
	Root    string `json:"root" env:"HOOKSD_STORE_ROOT"`
	MaxSize string `json:"max_size" env:"HOOKSD_STORE_MAX_SIZE" default:"10MB"`
}

// JournalConfig contains execution journal settings.
// Supports in-memory storage (default) or Redis when the journal should
// survive supervisor restarts.
type JournalConfig struct {
	Provider   string        `json:"provider" env:"HOOKSD_JOURNAL_PROVIDER" default:"inmemory"`
	RedisURL   string        `json:"redis_url" env:"HOOKSD_JOURNAL_REDIS_URL,REDIS_URL"`
	MaxEntries int           `json:"max_entries" env:"HOOKSD_JOURNAL_MAX_ENTRIES" default:"1000"`
	DefaultTTL time.Duration `json:"default_ttl" env:"HOOKSD_JOURNAL_TTL" default:"1h"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
type LoggingConfig struct {
	Level  string `json:"level" env:"HOOKSD_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"HOOKSD_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"HOOKSD_LOG_OUTPUT" default:"stdout"`
}

// Option is a functional option for Config
type Option func(*Config) error

// DefaultConfig returns a Config populated with default values
func DefaultConfig() *Config {
	return &Config{
		Name: "hooksd",
		Execution: ExecutionConfig{
			Timeout: 30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			HalfOpenRequests: 3,
		},
		Sandbox: SandboxConfig{
			Enabled: true,
			Env:     map[string]string{},
		},
		Batch: BatchConfig{
			BatchSize:          10,
			MaxQueueSize:       1000,
			RetryLimit:         3,
			ProcessingInterval: time.Second,
			FlushOnStop:        true,
		},
		FileStore: FileStoreConfig{
			MaxSize: "10MB",
		},
		Journal: JournalConfig{
			Provider:   "inmemory",
			MaxEntries: 1000,
			DefaultTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables onto the configuration.
// Unparseable values are skipped rather than failing the load, and are
// logged only when the config already has a logger attached (NewConfig
// attaches its logger after this step); Validate catches any resulting
// inconsistency.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("HOOKSD_NAME"); v != "" {
		c.Name = v
	}
	c.loadDuration("HOOKSD_EXEC_TIMEOUT", &c.Execution.Timeout)
	if v := os.Getenv("HOOKSD_EXEC_MAX_MEMORY"); v != "" {
		c.Execution.MaxMemory = v
	}
	if v := os.Getenv("HOOKSD_EXEC_MAX_CPU"); v != "" {
		c.Execution.MaxCPU = v
	}

	c.loadInt("HOOKSD_CB_THRESHOLD", &c.CircuitBreaker.FailureThreshold)
	c.loadDuration("HOOKSD_CB_RESET_TIMEOUT", &c.CircuitBreaker.ResetTimeout)
	c.loadInt("HOOKSD_CB_HALF_OPEN", &c.CircuitBreaker.HalfOpenRequests)

	c.loadBool("HOOKSD_SANDBOX_ENABLED", &c.Sandbox.Enabled)
	if v := os.Getenv("HOOKSD_SANDBOX_ALLOWED"); v != "" {
		parts := strings.Split(v, ",")
		allowed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				allowed = append(allowed, p)
			}
		}
		c.Sandbox.AllowedCommands = allowed
	}
	if v := os.Getenv("HOOKSD_SANDBOX_WORKDIR"); v != "" {
		c.Sandbox.WorkDir = v
	}

	c.loadInt("HOOKSD_BATCH_SIZE", &c.Batch.BatchSize)
	c.loadInt("HOOKSD_BATCH_MAX_QUEUE", &c.Batch.MaxQueueSize)
	c.loadInt("HOOKSD_BATCH_RETRY_LIMIT", &c.Batch.RetryLimit)
	c.loadDuration("HOOKSD_BATCH_INTERVAL", &c.Batch.ProcessingInterval)
	c.loadBool("HOOKSD_BATCH_FLUSH_ON_STOP", &c.Batch.FlushOnStop)

	if v := os.Getenv("HOOKSD_STORE_ROOT"); v != "" {
		c.FileStore.Root = v
	}
	if v := os.Getenv("HOOKSD_STORE_MAX_SIZE"); v != "" {
		c.FileStore.MaxSize = v
	}

	if v := os.Getenv("HOOKSD_JOURNAL_PROVIDER"); v != "" {
		c.Journal.Provider = v
	}
	if v := os.Getenv("HOOKSD_JOURNAL_REDIS_URL"); v != "" {
		c.Journal.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Journal.RedisURL = v
	}
	c.loadInt("HOOKSD_JOURNAL_MAX_ENTRIES", &c.Journal.MaxEntries)
	c.loadDuration("HOOKSD_JOURNAL_TTL", &c.Journal.DefaultTTL)

	if v := os.Getenv("HOOKSD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HOOKSD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("HOOKSD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}

	return nil
}

func (c *Config) loadInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Invalid integer in environment variable", map[string]interface{}{
				name:    v,
				"error": err.Error(),
			})
		}
		return
	}
	*dst = n
}

func (c *Config) loadBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Invalid boolean in environment variable", map[string]interface{}{
				name:    v,
				"error": err.Error(),
			})
		}
		return
	}
	*dst = b
}

func (c *Config) loadDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("Invalid duration in environment variable", map[string]interface{}{
				name:    v,
				"error": err.Error(),
			})
		}
		return
	}
	*dst = d
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfiguration)
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("%w: execution timeout must be positive, got %v", ErrInvalidConfiguration, c.Execution.Timeout)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1, got %d", ErrInvalidConfiguration, c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("%w: reset timeout must be positive, got %v", ErrInvalidConfiguration, c.CircuitBreaker.ResetTimeout)
	}
	if c.CircuitBreaker.HalfOpenRequests < 1 {
		return fmt.Errorf("%w: half-open requests must be at least 1, got %d", ErrInvalidConfiguration, c.CircuitBreaker.HalfOpenRequests)
	}
	if c.Batch.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidConfiguration, c.Batch.BatchSize)
	}
	if c.Batch.RetryLimit < 0 {
		return fmt.Errorf("%w: retry limit must be non-negative, got %d", ErrInvalidConfiguration, c.Batch.RetryLimit)
	}
	if c.Batch.ProcessingInterval <= 0 {
		return fmt.Errorf("%w: processing interval must be positive, got %v", ErrInvalidConfiguration, c.Batch.ProcessingInterval)
	}
	switch c.Journal.Provider {
	case "inmemory", "redis":
	default:
		return fmt.Errorf("%w: unknown journal provider %q", ErrInvalidConfiguration, c.Journal.Provider)
	}
	if c.Journal.Provider == "redis" && c.Journal.RedisURL == "" {
		return fmt.Errorf("%w: journal redis_url is required for the redis provider", ErrMissingConfiguration)
	}
	return nil
}

// NewConfig creates a new configuration with the provided options.
// Configuration is applied in the following order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the logger associated with the configuration
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// WithName sets the supervisor name used in logs
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithLogger sets a logger for configuration operations
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithAllowedCommands sets the sandbox allowlist
func WithAllowedCommands(commands ...string) Option {
	return func(c *Config) error {
		c.Sandbox.AllowedCommands = commands
		return nil
	}
}

// WithRedisJournal switches the execution journal to Redis
func WithRedisJournal(redisURL string) Option {
	return func(c *Config) error {
		c.Journal.Provider = "redis"
		c.Journal.RedisURL = redisURL
		return nil
	}
}

// HooksFile is the on-disk hooks configuration supplied by the host.
// YAML and JSON are both accepted (yaml.v3 parses JSON as a subset).
type HooksFile struct {
	Hooks map[string][]HookDefinition `yaml:"hooks" json:"hooks"`

	Execution struct {
		Timeout   string `yaml:"timeout" json:"timeout"`
		MaxMemory string `yaml:"maxMemory" json:"maxMemory"`
		MaxCPU    string `yaml:"maxCpu" json:"maxCpu"`
	} `yaml:"execution" json:"execution"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failureThreshold" json:"failureThreshold"`
		ResetTimeout     string `yaml:"resetTimeout" json:"resetTimeout"`
		HalfOpenRequests int    `yaml:"halfOpenRequests" json:"halfOpenRequests"`
	} `yaml:"circuitBreaker" json:"circuitBreaker"`

	Sandbox struct {
		Enabled         bool              `yaml:"enabled" json:"enabled"`
		AllowedCommands []string          `yaml:"allowedCommands" json:"allowedCommands"`
		Env             map[string]string `yaml:"env" json:"env"`
	} `yaml:"sandbox" json:"sandbox"`
}

// HookDefinition declares one hook in the hooks file
type HookDefinition struct {
	Matcher      string `yaml:"matcher" json:"matcher"`
	Command      string `yaml:"command" json:"command"`
	ID           string `yaml:"id,omitempty" json:"id,omitempty"`
	OutputFormat string `yaml:"outputFormat,omitempty" json:"outputFormat,omitempty"`
}

// LoadHooksFile reads and parses a hooks configuration file
func LoadHooksFile(path string) (*HooksFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks file %s: %w", path, err)
	}

	var hf HooksFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("%w: failed to parse hooks file %s: %v", ErrInvalidConfiguration, path, err)
	}

	for eventType, defs := range hf.Hooks {
		for i, def := range defs {
			if def.Command == "" {
				return nil, fmt.Errorf("%w: hooks.%s[%d] is missing a command", ErrInvalidConfiguration, eventType, i)
			}
			switch def.OutputFormat {
			case "", "text", "json":
			default:
				return nil, fmt.Errorf("%w: hooks.%s[%d] has unknown outputFormat %q", ErrInvalidConfiguration, eventType, i, def.OutputFormat)
			}
		}
	}

	return &hf, nil
}

// Apply overlays the hooks-file settings onto a Config. File values win
// over env and defaults for the fields the file sets, with one exception:
// sandbox.enabled is always copied, so a file that omits it sets
// Sandbox.Enabled to false.
func (hf *HooksFile) Apply(c *Config) error {
	if hf.Execution.Timeout != "" {
		d, err := time.ParseDuration(hf.Execution.Timeout)
		if err != nil {
			return fmt.Errorf("%w: execution.timeout: %v", ErrInvalidConfiguration, err)
		}
		c.Execution.Timeout = d
	}
	if hf.Execution.MaxMemory != "" {
		c.Execution.MaxMemory = hf.Execution.MaxMemory
	}
	if hf.Execution.MaxCPU != "" {
		c.Execution.MaxCPU = hf.Execution.MaxCPU
	}

	if hf.CircuitBreaker.FailureThreshold > 0 {
		c.CircuitBreaker.FailureThreshold = hf.CircuitBreaker.FailureThreshold
	}
	if hf.CircuitBreaker.ResetTimeout != "" {
		d, err := time.ParseDuration(hf.CircuitBreaker.ResetTimeout)
		if err != nil {
			return fmt.Errorf("%w: circuitBreaker.resetTimeout: %v", ErrInvalidConfiguration, err)
		}
		c.CircuitBreaker.ResetTimeout = d
	}
	if hf.CircuitBreaker.HalfOpenRequests > 0 {
		c.CircuitBreaker.HalfOpenRequests = hf.CircuitBreaker.HalfOpenRequests
	}

	c.Sandbox.Enabled = hf.Sandbox.Enabled
	if len(hf.Sandbox.AllowedCommands) > 0 {
		c.Sandbox.AllowedCommands = hf.Sandbox.AllowedCommands
	}
	if len(hf.Sandbox.Env) > 0 {
		if c.Sandbox.Env == nil {
			c.Sandbox.Env = map[string]string{}
		}
		for k, v := range hf.Sandbox.Env {
			c.Sandbox.Env[k] = v
		}
	}

	return c.Validate()
}
