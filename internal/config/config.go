package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PARKING"

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Detections DetectionsConfig `mapstructure:"detections"`
	Barrier    BarrierConfig    `mapstructure:"barrier"`
	Recognizer RecognizerConfig `mapstructure:"recognizer"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxFrameBytes   int64         `mapstructure:"max_frame_bytes"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RelayConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Pace       time.Duration `mapstructure:"pace"`
	SpoolDir   string        `mapstructure:"spool_dir"`
}

type DetectionsConfig struct {
	Capacity  int    `mapstructure:"capacity"`
	ImagesDir string `mapstructure:"images_dir"`
	InMemory  bool   `mapstructure:"in_memory"`
}

type BarrierConfig struct {
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RecognizerConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Region        string  `mapstructure:"region"`
	MinConfidence float64 `mapstructure:"min_confidence"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.max_frame_bytes", 1<<20)
	v.SetDefault("http.max_upload_bytes", 5<<20)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "parking")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("relay.stale_after", 10*time.Second)
	v.SetDefault("relay.pace", time.Second/30)
	v.SetDefault("relay.spool_dir", "")

	v.SetDefault("detections.capacity", 200)
	v.SetDefault("detections.images_dir", "data/images")
	v.SetDefault("detections.in_memory", false)

	v.SetDefault("barrier.broker", "")
	v.SetDefault("barrier.topic", "parking/barrier")
	v.SetDefault("barrier.client_id", "parking-service")
	v.SetDefault("barrier.timeout", 2*time.Second)

	v.SetDefault("recognizer.enabled", false)
	v.SetDefault("recognizer.region", "ap-southeast-1")
	v.SetDefault("recognizer.min_confidence", 0.8)
}

// Load reads configuration from defaults, an optional file and the
// environment, in increasing order of precedence. A .env file in the
// working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.HTTP.MaxFrameBytes <= 0 {
		return errors.New("http.max_frame_bytes must be positive")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if c.Relay.StaleAfter < 0 {
		return errors.New("relay.stale_after must not be negative")
	}
	if c.Detections.Capacity <= 0 {
		return errors.New("detections.capacity must be positive")
	}
	if !c.Detections.InMemory && c.Detections.ImagesDir == "" {
		return errors.New("detections.images_dir is required unless detections.in_memory is set")
	}
	if c.Recognizer.MinConfidence < 0 || c.Recognizer.MinConfidence > 1 {
		return errors.New("recognizer.min_confidence must be within [0, 1]")
	}
	return nil
}
