// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	DocAI     DocAIConfig     `mapstructure:"docai"`
	Index     IndexConfig     `mapstructure:"index"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	VisionModel    string  `mapstructure:"vision_model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	ConnectTimeout int     `mapstructure:"connect_timeout_seconds"`
	ReadTimeout    int     `mapstructure:"read_timeout_seconds"`
}

// DocAIConfig 存储文档解析服务（页面渲染 / OCR / 表格识别）的配置。
type DocAIConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// IndexConfig 存储向量索引的持久化配置。
type IndexConfig struct {
	BasePath     string `mapstructure:"base_path"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	MaxTopK      int    `mapstructure:"max_top_k"`
}

// RateLimitConfig 存储外部模型调用的限流配置。
type RateLimitConfig struct {
	CallsPerSecond float64 `mapstructure:"calls_per_second"`
	CallsPerMinute int     `mapstructure:"calls_per_minute"`
	MaxRetries     int     `mapstructure:"max_retries"`
	BaseDelayMs    int     `mapstructure:"base_delay_ms"`
}

// PipelineConfig 存储文档处理管道的配置。
type PipelineConfig struct {
	HardTimeLimitSeconds int `mapstructure:"hard_time_limit_seconds"`
	SoftTimeLimitSeconds int `mapstructure:"soft_time_limit_seconds"`
	MaxAttempts          int `mapstructure:"max_attempts"`
}

// RetrievalConfig 存储多文档检索的配置。
type RetrievalConfig struct {
	TopDocuments  int     `mapstructure:"top_documents"`
	NarrowRatio   float64 `mapstructure:"narrow_ratio"`
	SummaryPrefix int     `mapstructure:"summary_prefix_runes"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	applyDefaults()
}

// applyDefaults 为未配置的关键参数填充默认值，保证核心组件在最小配置下可运行。
func applyDefaults() {
	if Conf.Index.ChunkSize == 0 {
		Conf.Index.ChunkSize = 1000
	}
	if Conf.Index.ChunkOverlap == 0 {
		Conf.Index.ChunkOverlap = 200
	}
	if Conf.Index.MaxTopK == 0 {
		Conf.Index.MaxTopK = 10
	}
	if Conf.RateLimit.CallsPerSecond == 0 {
		Conf.RateLimit.CallsPerSecond = 1.5
	}
	if Conf.RateLimit.CallsPerMinute == 0 {
		Conf.RateLimit.CallsPerMinute = 80
	}
	if Conf.RateLimit.MaxRetries == 0 {
		Conf.RateLimit.MaxRetries = 5
	}
	if Conf.RateLimit.BaseDelayMs == 0 {
		Conf.RateLimit.BaseDelayMs = 2000
	}
	if Conf.Pipeline.HardTimeLimitSeconds == 0 {
		Conf.Pipeline.HardTimeLimitSeconds = 14400
	}
	if Conf.Pipeline.SoftTimeLimitSeconds == 0 {
		Conf.Pipeline.SoftTimeLimitSeconds = 14100
	}
	if Conf.Pipeline.MaxAttempts == 0 {
		Conf.Pipeline.MaxAttempts = 3
	}
	if Conf.Retrieval.TopDocuments == 0 {
		Conf.Retrieval.TopDocuments = 2
	}
	if Conf.Retrieval.NarrowRatio == 0 {
		Conf.Retrieval.NarrowRatio = 1.5
	}
	if Conf.Retrieval.SummaryPrefix == 0 {
		Conf.Retrieval.SummaryPrefix = 2000
	}
	if Conf.LLM.ConnectTimeout == 0 {
		Conf.LLM.ConnectTimeout = 10
	}
	if Conf.LLM.ReadTimeout == 0 {
		Conf.LLM.ReadTimeout = 60
	}
	if Conf.Kafka.GroupID == "" {
		Conf.Kafka.GroupID = "traible-go-consumer"
	}
}
