package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gavel/internal/judge/classify"
	"gavel/internal/judge/language"
	"gavel/internal/pkgstore"
	"gavel/internal/queue"
	"gavel/internal/sandbox/spec"
	"gavel/internal/server"
	"gavel/internal/status"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultTaskTopic      = "judge.tasks"
	defaultFinalTopic     = "judge.status.final"
	defaultConsumerGroup  = "gavel-judged"
	defaultWorkRoot       = "/var/lib/gavel/work"
	defaultPoolSize       = 4
	defaultAcquireTimeout = 2 * time.Second
	defaultJudgeTimeout   = 5 * time.Minute
	defaultStatusTimeout  = 3 * time.Second
)

// LimitsConfig expresses resource limits in config-friendly units.
type LimitsConfig struct {
	CPUTimeMs    int64 `yaml:"cpuTimeMs"`
	WallTimeMs   int64 `yaml:"wallTimeMs"`
	MemoryMB     int64 `yaml:"memoryMB"`
	StackMB      int64 `yaml:"stackMB"`
	OutputMB     int64 `yaml:"outputMB"`
	MaxProcesses int64 `yaml:"maxProcesses"`
}

func (c LimitsConfig) toLimits() spec.ResourceLimits {
	return spec.ResourceLimits{
		CPUTimeMs:    c.CPUTimeMs,
		WallTimeMs:   c.WallTimeMs,
		MemoryBytes:  c.MemoryMB << 20,
		StackBytes:   c.StackMB << 20,
		OutputBytes:  c.OutputMB << 20,
		MaxProcesses: c.MaxProcesses,
	}
}

// TasksConfig controls the judge task subscription.
type TasksConfig struct {
	Topic           string        `yaml:"topic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

// SandboxConfig controls the supervisor and syscall policies.
type SandboxConfig struct {
	HelperPath      string `yaml:"helperPath"`
	CaptureMaxBytes int64  `yaml:"captureMaxBytes"`
	CgroupRoot      string `yaml:"cgroupRoot"`
	EnableCgroup    bool   `yaml:"enableCgroup"`

	// PolicyDir holds YAML policy documents. RunPolicy and
	// CompilePolicy name documents inside it; empty names select the
	// built-in defaults.
	PolicyDir     string `yaml:"policyDir"`
	RunPolicy     string `yaml:"runPolicy"`
	CompilePolicy string `yaml:"compilePolicy"`

	DefaultRunLimits     LimitsConfig `yaml:"defaultRunLimits"`
	DefaultCompileLimits LimitsConfig `yaml:"defaultCompileLimits"`
}

// JudgeConfig controls the judging pipeline.
type JudgeConfig struct {
	WorkRoot       string        `yaml:"workRoot"`
	PoolSize       int           `yaml:"poolSize"`
	ShortCircuit   bool          `yaml:"shortCircuit"`
	CompareMode    string        `yaml:"compareMode"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	JudgeTimeout   time.Duration `yaml:"judgeTimeout"`
	StatusTimeout  time.Duration `yaml:"statusTimeout"`
}

// StatusConfig controls final status reporting.
type StatusConfig struct {
	FinalTopic string `yaml:"finalTopic"`
}

// AppConfig is the root judged configuration.
type AppConfig struct {
	Server    server.Config        `yaml:"server"`
	Logger    logger.Config        `yaml:"logger"`
	Kafka     queue.KafkaConfig    `yaml:"kafka"`
	Tasks     TasksConfig          `yaml:"tasks"`
	Redis     status.RedisConfig   `yaml:"redis"`
	MinIO     pkgstore.MinIOConfig `yaml:"minio"`
	Cache     pkgstore.CacheConfig `yaml:"cache"`
	Judge     JudgeConfig          `yaml:"judge"`
	Sandbox   SandboxConfig        `yaml:"sandbox"`
	Status    StatusConfig         `yaml:"status"`
	Languages []language.Spec      `yaml:"languages"`
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return appErr.Wrap(err, appErr.ConfigError).WithMessage("read config file")
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return appErr.Wrap(err, appErr.ConfigError).WithMessage("parse config file")
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultHTTPAddr
	}
	if c.Tasks.Topic == "" {
		c.Tasks.Topic = defaultTaskTopic
	}
	if c.Server.TaskTopic == "" {
		c.Server.TaskTopic = c.Tasks.Topic
	}
	if c.Tasks.ConsumerGroup == "" {
		c.Tasks.ConsumerGroup = defaultConsumerGroup
	}
	if c.Status.FinalTopic == "" {
		c.Status.FinalTopic = defaultFinalTopic
	}
	if c.Judge.WorkRoot == "" {
		c.Judge.WorkRoot = defaultWorkRoot
	}
	if c.Judge.PoolSize <= 0 {
		c.Judge.PoolSize = defaultPoolSize
	}
	if c.Judge.CompareMode == "" {
		c.Judge.CompareMode = string(classify.CompareTokens)
	}
	if c.Judge.AcquireTimeout <= 0 {
		c.Judge.AcquireTimeout = defaultAcquireTimeout
	}
	if c.Judge.JudgeTimeout <= 0 {
		c.Judge.JudgeTimeout = defaultJudgeTimeout
	}
	if c.Judge.StatusTimeout <= 0 {
		c.Judge.StatusTimeout = defaultStatusTimeout
	}
	if c.Tasks.Concurrency <= 0 {
		c.Tasks.Concurrency = c.Judge.PoolSize
	}
	if c.Cache.RootDir == "" {
		c.Cache.RootDir = "/var/lib/gavel/packs"
	}
}

func (c *AppConfig) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return appErr.New(appErr.ConfigError).WithMessage("kafka brokers are required")
	}
	if c.Redis.Addr == "" {
		return appErr.New(appErr.ConfigError).WithMessage("redis addr is required")
	}
	if c.MinIO.Endpoint == "" {
		return appErr.New(appErr.ConfigError).WithMessage("minio endpoint is required")
	}
	if c.MinIO.PackBucket == "" || c.MinIO.SourceBucket == "" {
		return appErr.New(appErr.ConfigError).WithMessage("minio buckets are required")
	}
	if len(c.Languages) == 0 {
		return appErr.New(appErr.ConfigError).WithMessage("at least one language is required")
	}
	return nil
}
