// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kaidokert/waveshare-stservo-go/stservo"
)

// EnvPrefix is prepended to environment overrides, e.g. STSERVO_PORT_PATH.
const EnvPrefix = "STSERVO"

// Config represents the application configuration
type Config struct {
	Port      PortConfig      `mapstructure:"port"`
	Motion    MotionConfig    `mapstructure:"motion"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Registers RegistersConfig `mapstructure:"registers"`
	Capture   CaptureConfig   `mapstructure:"capture"`
}

// PortConfig represents the serial bus connection
type PortConfig struct {
	Path         string        `mapstructure:"path"`
	BaudRate     int           `mapstructure:"baud_rate"`
	LatencyTimer time.Duration `mapstructure:"latency_timer"`
	Protocol     string        `mapstructure:"protocol"`
}

// MotionConfig represents move-completion polling
type MotionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StableWindow time.Duration `mapstructure:"stable_window"`
	Settle       time.Duration `mapstructure:"settle"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Speed        int           `mapstructure:"speed"`
	Acceleration int           `mapstructure:"acceleration"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// RegistersConfig points at an optional YAML register table.
type RegistersConfig struct {
	File string `mapstructure:"file"`
}

// CaptureConfig represents bus traffic capture
type CaptureConfig struct {
	File string `mapstructure:"file"`
}

// New returns a viper instance with defaults and environment overrides set.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load reads file (if non-empty) into v and decodes the result. Without a
// file, stservo.yaml is looked up in the working directory and
// $HOME/.config/stservo; a missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("stservo")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/stservo")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Port defaults
	v.SetDefault("port.path", "/dev/ttyACM0")
	v.SetDefault("port.baud_rate", 1000000)
	v.SetDefault("port.latency_timer", "50ms")
	v.SetDefault("port.protocol", "sts")

	// Motion defaults
	v.SetDefault("motion.poll_interval", "50ms")
	v.SetDefault("motion.stable_window", "250ms")
	v.SetDefault("motion.settle", "500ms")
	v.SetDefault("motion.timeout", "10s")
	v.SetDefault("motion.speed", 2400)
	v.SetDefault("motion.acceleration", 50)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", false)

	v.SetDefault("registers.file", "")
	v.SetDefault("capture.file", "")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Port.Path == "" {
		return fmt.Errorf("port.path is required")
	}
	if config.Port.BaudRate <= 0 {
		return fmt.Errorf("port.baud_rate must be positive, got %d", config.Port.BaudRate)
	}
	if config.Port.LatencyTimer < 0 {
		return fmt.Errorf("port.latency_timer must not be negative")
	}

	validProtocols := []string{"sts", "scs"}
	if !slices.Contains(validProtocols, config.Port.Protocol) {
		return fmt.Errorf("port.protocol must be one of: %v", validProtocols)
	}

	if config.Motion.Acceleration < 0 || config.Motion.Acceleration > 254 {
		return fmt.Errorf("motion.acceleration must be 0-254, got %d", config.Motion.Acceleration)
	}
	if config.Motion.PollInterval <= 0 || config.Motion.Timeout <= 0 {
		return fmt.Errorf("motion.poll_interval and motion.timeout must be positive")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	validFormats := []string{"json", "console"}
	if !slices.Contains(validFormats, config.Logging.Format) {
		return fmt.Errorf("logging.format must be one of: %v", validFormats)
	}

	return nil
}

// ProtocolVersion maps port.protocol to the stservo protocol constant.
func (c *Config) ProtocolVersion() int {
	if c.Port.Protocol == "scs" {
		return stservo.ProtocolSCS
	}
	return stservo.ProtocolSTS
}
