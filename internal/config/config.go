package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/scanops/internal/domain/quota"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"` // postgres only
		MaxOpen  int    `yaml:"maxOpenConns"`
		MaxIdle  int    `yaml:"maxIdleConns"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"openai"`

	Executor struct {
		MaxConcurrent        int    `yaml:"maxConcurrent"`
		OutputCapBytes       int    `yaml:"outputCapBytes"`
		MaxTimeoutMinutes    int    `yaml:"maxTimeoutMinutes"`
		ReconcileIntervalSec int    `yaml:"reconcileIntervalSec"`
		CPUs                 string `yaml:"cpus"`
		MemoryMB             int    `yaml:"memoryMB"`
		Pids                 int    `yaml:"pids"`
	} `yaml:"executor"`

	Stream struct {
		SendBuffer int `yaml:"sendBuffer"`
	} `yaml:"stream"`

	// APIKeys maps an API key to the caller it authenticates.
	APIKeys map[string]struct {
		UserID string `yaml:"userId"`
		Role   string `yaml:"role"`
	} `yaml:"apiKeys"`

	// Roles maps role names to their quota limits. -1 means unlimited.
	Roles map[string]quota.RoleQuota `yaml:"roles"`

	RateLimit struct {
		Capacity   int `yaml:"capacity"`
		RefillRate int `yaml:"refillRate"`
	} `yaml:"rateLimit"`
}

// Load baca file config.yaml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Stream.SendBuffer == 0 {
		c.Stream.SendBuffer = 64
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 30
	}
	if c.RateLimit.RefillRate == 0 {
		c.RateLimit.RefillRate = 5
	}
	if c.Roles == nil {
		c.Roles = map[string]quota.RoleQuota{
			"free": {ScansPerMonth: 10, ConcurrentScans: 1, AIRequestsPerMonth: 20, ReportExports: 3},
			"pro":  {ScansPerMonth: 200, ConcurrentScans: 3, AIRequestsPerMonth: 500, ReportExports: 50},
			"admin": {
				ScansPerMonth:      quota.Unlimited,
				ConcurrentScans:    quota.Unlimited,
				AIRequestsPerMonth: quota.Unlimited,
				ReportExports:      quota.Unlimited,
			},
		}
	}
}

// ExecutorMaxTimeout returns the executor wall-clock ceiling.
func (c *Config) ExecutorMaxTimeout() time.Duration {
	return time.Duration(c.Executor.MaxTimeoutMinutes) * time.Minute
}

// ExecutorReconcileInterval returns the orphan sweep period.
func (c *Config) ExecutorReconcileInterval() time.Duration {
	return time.Duration(c.Executor.ReconcileIntervalSec) * time.Second
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	ssl := c.Database.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		ssl,
	)
}
