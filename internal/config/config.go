package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lane execution modes. Requests routed to a serial lane run strictly
// one at a time in submission order; parallel lanes run concurrently.
const (
	LaneModeSerial   = "serial"
	LaneModeParallel = "parallel"
)

// Lane describes one execution queue.
type Lane struct {
	Mode         string   `mapstructure:"mode"`
	PolicyParams []string `mapstructure:"policy-params"`
	Gated        bool     `mapstructure:"gated"`
}

// DirectiveConfig is one ordered customization step for an organization.
type DirectiveConfig struct {
	Type         string            `mapstructure:"type"`
	Annotations  map[string]string `mapstructure:"annotations"`
	Suffix       string            `mapstructure:"suffix"`
	Replacements map[string]string `mapstructure:"replacements"`
	Template     string            `mapstructure:"template"`
	EncloseGlue  string            `mapstructure:"enclose-glue"`
	Namespace    string            `mapstructure:"namespace"`
}

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Queue routing
	Lanes       map[string]Lane   `mapstructure:"lanes"`
	UserLanes   map[string]string `mapstructure:"user-lanes"`
	DefaultLane string            `mapstructure:"default-lane"`
	PoolSize    int               `mapstructure:"pool-size"`
	QueueDepth  int               `mapstructure:"queue-depth"`

	// Organization customization pipelines, applied in listed order.
	Organizations map[string][]DirectiveConfig `mapstructure:"organizations"`

	// Registry operation budgets
	RegistryAttempts int               `mapstructure:"registry-attempts"`
	CommandTimeout   time.Duration     `mapstructure:"command-timeout"`
	AuthFile         string            `mapstructure:"auth-file"`
	RequiredLabels   map[string]string `mapstructure:"required-labels"`

	// Binary image selection, keyed by distribution scope then index version.
	BinaryImages map[string]map[string]string `mapstructure:"binary-images"`

	// Index service subprocess budgets
	ServeBasePort        int           `mapstructure:"serve-base-port"`
	ServePortAttempts    int           `mapstructure:"serve-port-attempts"`
	ServeAcquireAttempts int           `mapstructure:"serve-acquire-attempts"`
	ServeInitTimeout     time.Duration `mapstructure:"serve-init-timeout"`

	// Gating service
	GatingURL     string        `mapstructure:"gating-url"`
	GatingTimeout time.Duration `mapstructure:"gating-timeout"`

	// Notifications
	NATSURL      string `mapstructure:"nats-url"`
	StateSubject string `mapstructure:"state-subject"`
	BatchSubject string `mapstructure:"batch-subject"`

	// Build report archive (optional)
	ArchiveBucket string `mapstructure:"archive-bucket"`
	ArchiveRegion string `mapstructure:"archive-region"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/requests.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("default-lane", "default")
	viper.SetDefault("pool-size", 4)
	viper.SetDefault("queue-depth", 64)
	viper.SetDefault("registry-attempts", 5)
	viper.SetDefault("command-timeout", 5*time.Minute)
	viper.SetDefault("serve-base-port", 50051)
	viper.SetDefault("serve-port-attempts", 10)
	viper.SetDefault("serve-acquire-attempts", 3)
	viper.SetDefault("serve-init-timeout", 30*time.Second)
	viper.SetDefault("gating-timeout", 30*time.Second)
	viper.SetDefault("state-subject", "indexforge.request.state")
	viper.SetDefault("batch-subject", "indexforge.batch.state")
	viper.SetDefault("archive-region", "us-east-1")

	// Environment variables (will be INDEXFORGE_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("INDEXFORGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.indexforge")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Lanes == nil {
		cfg.Lanes = map[string]Lane{}
	}
	if _, ok := cfg.Lanes[cfg.DefaultLane]; !ok {
		cfg.Lanes[cfg.DefaultLane] = Lane{Mode: LaneModeParallel}
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool-size must be positive")
	}
	if c.RegistryAttempts <= 0 {
		return fmt.Errorf("registry-attempts must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command-timeout must be positive")
	}
	if c.ServePortAttempts <= 0 {
		return fmt.Errorf("serve-port-attempts must be positive")
	}
	if c.ServeAcquireAttempts <= 0 {
		return fmt.Errorf("serve-acquire-attempts must be positive")
	}
	if c.ServeInitTimeout <= 0 {
		return fmt.Errorf("serve-init-timeout must be positive")
	}
	for name, lane := range c.Lanes {
		if lane.Mode != LaneModeSerial && lane.Mode != LaneModeParallel {
			return fmt.Errorf("lane %q has invalid mode %q", name, lane.Mode)
		}
	}
	for user, lane := range c.UserLanes {
		if _, ok := c.Lanes[lane]; !ok {
			return fmt.Errorf("user %q mapped to undefined lane %q", user, lane)
		}
	}
	for org, directives := range c.Organizations {
		for i, d := range directives {
			switch d.Type {
			case "csv_annotations", "package_name_suffix", "registry_replacements",
				"image_name_from_labels", "enclose_repo":
			default:
				return fmt.Errorf("organization %q directive %d has unknown type %q", org, i, d.Type)
			}
		}
	}
	return nil
}
