package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBackupDir       = "/var/lib/botfleet/backups"
	DefaultContainerPrefix = "tenant_"
	DefaultVerifyMinSize   = 1024
	DefaultDiskThreshold   = 85.0
)

// AgentConfig node agent configuration
type AgentConfig struct {
	PlatformURL       string        `yaml:"platform_url"`
	NodeID            string        `yaml:"node_id"`
	NodeSecret        string        `yaml:"node_secret"`
	Host              string        `yaml:"host"` // detected when empty
	CapacityMB        int64         `yaml:"capacity_mb"`
	AgentVersion      string        `yaml:"agent_version"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackupDir         string        `yaml:"backup_dir"`
	ContainerPrefix   string        `yaml:"container_prefix"`
	DiskPath          string        `yaml:"disk_path"`
	DiskThreshold     float64       `yaml:"disk_threshold"` // percent
	DiskCheckInterval time.Duration `yaml:"disk_check_interval"`
	Storage           StorageConfig `yaml:"storage"`
	Logger            LoggerConfig  `yaml:"logger"`
}

// LoadAgentConfig reads the optional agent YAML file (AGENT_CONFIG_PATH) and applies environment overrides
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{}

	if path := os.Getenv("AGENT_CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read agent config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse agent config: %w", err)
		}
	}

	if err := applyAgentEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	applyAgentDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyAgentEnv overrides file values with environment variables
func applyAgentEnv(cfg *AgentConfig, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	setString("PLATFORM_URL", &cfg.PlatformURL)
	setString("NODE_ID", &cfg.NodeID)
	setString("NODE_SECRET", &cfg.NodeSecret)
	setString("NODE_HOST", &cfg.Host)
	setString("AGENT_VERSION", &cfg.AgentVersion)
	setString("BACKUP_DIR", &cfg.BackupDir)
	setString("CONTAINER_PREFIX", &cfg.ContainerPrefix)
	setString("STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	setString("STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	setString("STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	setString("STORAGE_BUCKET", &cfg.Storage.Bucket)
	setString("STORAGE_REGION", &cfg.Storage.Region)
	setString("STORAGE_LOCAL_DIR", &cfg.Storage.LocalDir)
	setString("LOG_LEVEL", &cfg.Logger.Level)

	if v := getenv("CAPACITY_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CAPACITY_MB %q: %w", v, err)
		}
		cfg.CapacityMB = n
	}
	if v := getenv("HEARTBEAT_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid HEARTBEAT_INTERVAL %q: %w", v, err)
		}
		cfg.HeartbeatInterval = d
	}
	if v := getenv("STORAGE_USE_SSL"); v != "" {
		cfg.Storage.UseSSL = strings.EqualFold(v, "true") || v == "1"
	}
	return nil
}

// parseInterval accepts Go durations ("30s") or plain milliseconds ("30000")
func parseInterval(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = "dev"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = DefaultBackupDir
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = DefaultContainerPrefix
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.DiskThreshold <= 0 || cfg.DiskThreshold > 100 {
		cfg.DiskThreshold = DefaultDiskThreshold
	}
	if cfg.DiskCheckInterval <= 0 {
		cfg.DiskCheckInterval = time.Minute
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
}

// Validate checks required agent settings
func (c *AgentConfig) Validate() error {
	if c.PlatformURL == "" {
		return fmt.Errorf("platform url is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.NodeSecret == "" {
		return fmt.Errorf("node secret is required")
	}
	return nil
}
