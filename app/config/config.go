package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Clone    ProviderConfig `mapstructure:"clone_provider"`
	Effects  ProviderConfig `mapstructure:"effects_provider"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

type ServerConfig struct {
	Port          string `mapstructure:"port"`
	PublicBaseURL string `mapstructure:"public_base_url"` // 对外访问地址，用于拼接素材URL
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`   // 上传音频大小上限（兆字节）
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite 文件路径
}

type StorageConfig struct {
	Backend  string `mapstructure:"backend"`   // local 或 nats
	LocalDir string `mapstructure:"local_dir"` // 本地存储目录
	NatsURL  string `mapstructure:"nats_url"`
	Bucket   string `mapstructure:"bucket"`
}

// ProviderConfig 外部音频服务配置
type ProviderConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	SubmitTimeout int    `mapstructure:"submit_timeout"` // 秒
	PollTimeout   int    `mapstructure:"poll_timeout"`   // 秒
}

// PipelineConfig 转换流水线的调度参数
type PipelineConfig struct {
	PollInterval        int    `mapstructure:"poll_interval"`         // 秒
	StaleAfter          int    `mapstructure:"stale_after"`           // 分钟
	EffectsPollFailures int    `mapstructure:"effects_poll_failures"` // 音效阶段允许连续轮询失败次数
	StatusPollThrottle  int    `mapstructure:"status_poll_throttle"`  // 秒
	SweepSpec           string `mapstructure:"sweep_spec"`            // cron 表达式
}

func (p ProviderConfig) SubmitTimeoutDuration() time.Duration {
	return time.Duration(p.SubmitTimeout) * time.Second
}

func (p ProviderConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(p.PollTimeout) * time.Second
}

func (p PipelineConfig) PollIntervalDuration() time.Duration {
	return time.Duration(p.PollInterval) * time.Second
}

func (p PipelineConfig) StaleAfterDuration() time.Duration {
	return time.Duration(p.StaleAfter) * time.Minute
}

func (p PipelineConfig) StatusPollThrottleDuration() time.Duration {
	return time.Duration(p.StatusPollThrottle) * time.Second
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := decode()
	if err != nil {
		log.Fatalf("%v", err)
	}

	return config
}

// decode 解码并验证当前 viper 中的配置
func decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	config.Server.PublicBaseURL = strings.TrimRight(config.Server.PublicBaseURL, "/")
	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.public_base_url", "http://127.0.0.1:5000")
	viper.SetDefault("server.max_upload_mb", 50)

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.dir", "data/logs")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "voice-fusion")

	viper.SetDefault("database.path", "data/voice-fusion.db")

	// 素材存储默认使用本地目录
	viper.SetDefault("storage.backend", "local")
	viper.SetDefault("storage.local_dir", "data/assets")
	viper.SetDefault("storage.nats_url", "nats://127.0.0.1:4222")
	viper.SetDefault("storage.bucket", "voice-assets")

	viper.SetDefault("clone_provider.submit_timeout", 30)
	viper.SetDefault("clone_provider.poll_timeout", 10)
	viper.SetDefault("effects_provider.submit_timeout", 20)
	viper.SetDefault("effects_provider.poll_timeout", 10)

	viper.SetDefault("pipeline.poll_interval", 2)
	viper.SetDefault("pipeline.stale_after", 15)
	viper.SetDefault("pipeline.effects_poll_failures", 3)
	viper.SetDefault("pipeline.status_poll_throttle", 1)
	viper.SetDefault("pipeline.sweep_spec", "@every 1m")
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	switch config.Storage.Backend {
	case "local", "nats":
	default:
		return fmt.Errorf("不支持的存储类型: %s", config.Storage.Backend)
	}
	if config.Clone.BaseURL == "" {
		return fmt.Errorf("声音克隆服务地址未设置")
	}
	if config.Effects.BaseURL == "" {
		return fmt.Errorf("音效服务地址未设置")
	}
	if config.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("轮询间隔必须大于0")
	}
	if config.Pipeline.StaleAfter <= 0 {
		return fmt.Errorf("任务超时时间必须大于0")
	}
	return nil
}
