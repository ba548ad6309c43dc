package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config control plane configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Queue    QueueConfig    `yaml:"queue"`
	Logger   LoggerConfig   `yaml:"logger"`
	Storage  StorageConfig  `yaml:"storage"`
	Bus      BusConfig      `yaml:"bus"`
	Nodes    NodesConfig    `yaml:"nodes"`
	Backup   BackupConfig   `yaml:"backup"`
	Recovery RecoveryConfig `yaml:"recovery"`

	Notification NotificationConfig `yaml:"notification"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // admin API key (optional, if empty, admin auth is disabled)
	// NodeBootstrapSecret lets a node that has no stored secret register for the first time.
	NodeBootstrapSecret string `yaml:"node_bootstrap_secret"`
	// InstanceID identifies this control plane replica in Redis presence keys.
	InstanceID string `yaml:"instance_id"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// QueueConfig queue configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"` // queue processing concurrency
	MaxRetry    int `yaml:"max_retry"`   // maximum retry count
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig object storage configuration, shared by the control plane and the agent
type StorageConfig struct {
	Backend   string `yaml:"backend"` // s3, local
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	LocalDir  string `yaml:"local_dir"` // root directory for the local backend
}

// BusConfig node command bus configuration
type BusConfig struct {
	CommandTimeout     time.Duration `yaml:"command_timeout"`      // default wait for a command result
	LongCommandTimeout time.Duration `yaml:"long_command_timeout"` // export/import/upload/download/nightly
}

// NodesConfig node liveness configuration
type NodesConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // expected agent heartbeat interval
	MissedHeartbeats  int           `yaml:"missed_heartbeats"`  // consecutive misses before a node is failed
}

// BackupConfig backup, restore and verification configuration
type BackupConfig struct {
	ScratchDir     string        `yaml:"scratch_dir"` // control plane scratch space for verification downloads
	RemoteDir      string        `yaml:"remote_dir"`  // directory on the node used for restore staging
	NightlyEnabled bool          `yaml:"nightly_enabled"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	VerifyPrefix   string        `yaml:"verify_prefix"`
	VerifyLimit    int           `yaml:"verify_limit"`
	VerifyMinSize  int64         `yaml:"verify_min_size"` // bytes
}

// RecoveryConfig recovery orchestrator configuration
type RecoveryConfig struct {
	Interval       time.Duration `yaml:"interval"`         // resume pass interval
	TenantMemoryMB int64         `yaml:"tenant_memory_mb"` // capacity reserved per recovered tenant
	ClaimTimeout   time.Duration `yaml:"claim_timeout"`    // an in_progress item older than this is handed back
}

// NotificationConfig operator alerting configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"` // falls back to FEISHU_WEBHOOK_URL
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads a control plane config file and fills defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults replaces zero or invalid values with their defaults
func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.InstanceID = host
		} else {
			cfg.Server.InstanceID = "controlplane"
		}
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 4
	}
	if cfg.Queue.MaxRetry < 0 {
		cfg.Queue.MaxRetry = 0
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Bus.CommandTimeout <= 0 {
		cfg.Bus.CommandTimeout = 30 * time.Second
	}
	if cfg.Bus.LongCommandTimeout <= 0 {
		cfg.Bus.LongCommandTimeout = 15 * time.Minute
	}
	if cfg.Nodes.HeartbeatInterval <= 0 {
		cfg.Nodes.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Nodes.MissedHeartbeats <= 0 {
		cfg.Nodes.MissedHeartbeats = 3
	}
	if cfg.Backup.ScratchDir == "" {
		cfg.Backup.ScratchDir = os.TempDir()
	}
	if cfg.Backup.RemoteDir == "" {
		cfg.Backup.RemoteDir = DefaultBackupDir
	}
	if cfg.Backup.VerifyInterval <= 0 {
		cfg.Backup.VerifyInterval = 6 * time.Hour
	}
	if cfg.Backup.VerifyPrefix == "" {
		cfg.Backup.VerifyPrefix = "nightly/"
	}
	if cfg.Backup.VerifyLimit <= 0 {
		cfg.Backup.VerifyLimit = 10
	}
	if cfg.Backup.VerifyMinSize <= 0 {
		cfg.Backup.VerifyMinSize = DefaultVerifyMinSize
	}
	if cfg.Recovery.Interval <= 0 {
		cfg.Recovery.Interval = time.Minute
	}
	if cfg.Recovery.TenantMemoryMB <= 0 {
		cfg.Recovery.TenantMemoryMB = 256
	}
	if cfg.Recovery.ClaimTimeout <= 0 {
		cfg.Recovery.ClaimTimeout = time.Hour
	}
}

// HeartbeatDeadline is how long a node may stay silent before it is considered failed
func (c *NodesConfig) HeartbeatDeadline() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MissedHeartbeats)
}
