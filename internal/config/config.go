package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	Vehicle  VehicleConfig  `yaml:"vehicle"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	OTA      OTAConfig      `yaml:"ota"`
	Services ServicesConfig `yaml:"services"`
}

type ServerConfig struct {
	BindAddr  string `yaml:"bindAddr"`
	AuthToken string `yaml:"authToken"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type VehicleConfig struct {
	ID string `yaml:"id"`
}

type MonitorConfig struct {
	StaleAfter       string `yaml:"staleAfter"`       // e.g. "60s"
	WatchdogInterval string `yaml:"watchdogInterval"` // e.g. "10s"
}

type OTAConfig struct {
	Strategy        string `yaml:"strategy"` // auto | manual | disabled
	CheckInterval   string `yaml:"checkInterval"`
	AllowDowngrade  bool   `yaml:"allowDowngrade"`
	BackupCount     int    `yaml:"backupCount"`
	VersionCheckURL string `yaml:"versionCheckURL"`
	ArtifactSource  string `yaml:"artifactSource"`
	ConfirmTimeout  string `yaml:"confirmTimeout"`
	DownloadDir     string `yaml:"downloadDir"`
}

type ServicesConfig struct {
	Gateway ServiceConfig `yaml:"gateway"`
	Media   ServiceConfig `yaml:"media"`
}

type ServiceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Unit    string `yaml:"unit"`    // systemd unit name
	Package string `yaml:"package"` // OS package name, used by the installer
}

// Strategy values recognized in OTAConfig.Strategy.
const (
	StrategyAuto     = "auto"
	StrategyManual   = "manual"
	StrategyDisabled = "disabled"
)

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:  getEnv("SERVER_BIND_ADDR", "0.0.0.0:9080"),
			AuthToken: getEnv("SERVER_AUTH_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Vehicle: VehicleConfig{
			ID: getEnv("VEHICLE_ID", "vehicle-0"),
		},
		Monitor: MonitorConfig{
			StaleAfter:       getEnv("MONITOR_STALE_AFTER", "60s"),
			WatchdogInterval: getEnv("MONITOR_WATCHDOG_INTERVAL", "10s"),
		},
		OTA: OTAConfig{
			Strategy:        getEnv("OTA_STRATEGY", StrategyManual),
			CheckInterval:   getEnv("OTA_CHECK_INTERVAL", "300s"),
			AllowDowngrade:  getEnvBool("OTA_ALLOW_DOWNGRADE", false),
			BackupCount:     getEnvInt("OTA_BACKUP_COUNT", 3),
			VersionCheckURL: getEnv("OTA_VERSION_CHECK_URL", ""),
			ArtifactSource:  getEnv("OTA_ARTIFACT_SOURCE", ""),
			ConfirmTimeout:  getEnv("OTA_CONFIRM_TIMEOUT", "120s"),
			DownloadDir:     getEnv("OTA_DOWNLOAD_DIR", "/var/lib/launcher/packages"),
		},
		Services: ServicesConfig{
			Gateway: ServiceConfig{
				Enabled: getEnvBool("SERVICE_GATEWAY_ENABLED", true),
				Unit:    getEnv("SERVICE_GATEWAY_UNIT", "vehicle-gateway.service"),
				Package: getEnv("SERVICE_GATEWAY_PACKAGE", "vehicle-gateway"),
			},
			Media: ServiceConfig{
				Enabled: getEnvBool("SERVICE_MEDIA_ENABLED", true),
				Unit:    getEnv("SERVICE_MEDIA_UNIT", "vehicle-media.service"),
				Package: getEnv("SERVICE_MEDIA_PACKAGE", "vehicle-media"),
			},
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:9080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Monitor.StaleAfter == "" {
		cfg.Monitor.StaleAfter = "60s"
	}
	if cfg.Monitor.WatchdogInterval == "" {
		cfg.Monitor.WatchdogInterval = "10s"
	}
	if cfg.OTA.Strategy == "" {
		cfg.OTA.Strategy = StrategyManual
	}
	if cfg.OTA.CheckInterval == "" {
		cfg.OTA.CheckInterval = "300s"
	}
	if cfg.OTA.BackupCount < 1 {
		cfg.OTA.BackupCount = 3
	}
	if cfg.OTA.ConfirmTimeout == "" {
		cfg.OTA.ConfirmTimeout = "120s"
	}
	if cfg.OTA.DownloadDir == "" {
		cfg.OTA.DownloadDir = "/var/lib/launcher/packages"
	}

	switch cfg.OTA.Strategy {
	case StrategyAuto, StrategyManual, StrategyDisabled:
	default:
		return nil, fmt.Errorf("unknown OTA strategy %q", cfg.OTA.Strategy)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// Duration parses a config duration string, falling back to def when the
// value is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return def
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
