package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Elastic  ElasticConfig
	AI       AIConfig
	Search   SearchConfig
	Agent    AgentConfig
	Session  SessionConfig
	Trace    TraceConfig
	Log      LogConfig
	Document DocumentConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxLifetime  int    `mapstructure:"max_lifetime"`
	// SlowQueryMs 超过该耗时的 SQL 以 warn 级别记录
	SlowQueryMs  int    `mapstructure:"slow_query_ms"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// ElasticConfig Elasticsearch配置
type ElasticConfig struct {
	Host        string
	Username    string
	Password    string
	IndexPrefix string `mapstructure:"index_prefix"`
}

// AIConfig AI配置
type AIConfig struct {
	Provider  string
	OpenAI    OpenAIConfig `mapstructure:"openai"`
	DeepSeek  OpenAIConfig `mapstructure:"deepseek"`
	Embedding EmbeddingConfig
}

// OpenAIConfig OpenAI 兼容接口配置（DeepSeek 复用）
type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	Model       string
	Timeout     int
	Temperature float32
}

// EmbeddingConfig Embedding配置
type EmbeddingConfig struct {
	Provider   string
	Model      string
	APIKey     string `mapstructure:"api_key"`
	Timeout    int
	Dimensions int
}

// SearchConfig 外部搜索配置
type SearchConfig struct {
	Provider   string // perplexity | duckduckgo
	Perplexity PerplexityConfig
	DuckDuckGo DuckDuckGoConfig `mapstructure:"duckduckgo"`
}

// PerplexityConfig Perplexity API 配置
type PerplexityConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string
}

// DuckDuckGoConfig DuckDuckGo 搜索配置
type DuckDuckGoConfig struct {
	MaxResults int `mapstructure:"max_results"`
}

// AgentConfig Agent Driver 策略
type AgentConfig struct {
	KBConfidenceThreshold float64       `mapstructure:"kb_confidence_threshold"`
	MaxToolIterations     int           `mapstructure:"max_tool_iterations"`
	TurnDeadline          time.Duration `mapstructure:"turn_deadline"`
	ExternalDeadline      time.Duration `mapstructure:"external_deadline"`
	KBCandidateDedup      bool          `mapstructure:"kb_candidate_dedup"`
	AllowExternalDefault  bool          `mapstructure:"allow_external_default"`

	// ExternalOnDiscretion 置信度足够时是否仍允许 LLM 主动调用外部搜索
	ExternalOnDiscretion bool          `mapstructure:"external_on_discretion"`
	LLMDeadline          time.Duration `mapstructure:"llm_deadline"`
	RetrievalDeadline    time.Duration `mapstructure:"retrieval_deadline"`
	HistoryWindow        int           `mapstructure:"history_window"`
	ParallelKBSearch     bool          `mapstructure:"parallel_kb_search"`
	DefaultKBID          string        `mapstructure:"default_kb_id"`
}

// SessionConfig 会话存储配置
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxMessages     int           `mapstructure:"max_messages"`
	RedisMirror     bool          `mapstructure:"redis_mirror"`
}

// TraceConfig 追踪存储配置
type TraceConfig struct {
	Enabled      bool
	BaseDir      string `mapstructure:"base_dir"`
	MaxBodyChars int    `mapstructure:"max_body_chars"`
	QueueSize    int    `mapstructure:"queue_size"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string
	File       string
	Production bool
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// DocumentConfig 文档处理配置
type DocumentConfig struct {
	ChunkSize       int   `mapstructure:"chunk_size"`
	ChunkOverlap    int   `mapstructure:"chunk_overlap"`
	MaxContentBytes int64 `mapstructure:"max_content_bytes"`
}

// Load 加载配置
// path 为空时仅使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 环境变量
	v.SetEnvPrefix("STOCKQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验策略取值范围
func (c *Config) Validate() error {
	a := c.Agent
	if a.KBConfidenceThreshold < 0 || a.KBConfidenceThreshold > 1 {
		return fmt.Errorf("agent.kb_confidence_threshold must be in [0,1], got %v", a.KBConfidenceThreshold)
	}
	if a.MaxToolIterations < 1 {
		return fmt.Errorf("agent.max_tool_iterations must be >= 1, got %d", a.MaxToolIterations)
	}
	if a.TurnDeadline <= 0 || a.ExternalDeadline <= 0 {
		return fmt.Errorf("agent deadlines must be positive")
	}
	if c.Document.MaxContentBytes <= 0 {
		return fmt.Errorf("document.max_content_bytes must be positive")
	}
	return nil
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "stockqa")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", true)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 90)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "stockqa")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_lifetime", 300)
	v.SetDefault("database.slow_query_ms", 200)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Elastic
	v.SetDefault("elastic.host", "http://localhost:9200")
	v.SetDefault("elastic.index_prefix", "stockqa")

	// AI
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.openai.timeout", 60)
	v.SetDefault("ai.deepseek.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("ai.deepseek.model", "deepseek-chat")
	v.SetDefault("ai.embedding.provider", "dashscope")
	v.SetDefault("ai.embedding.model", "text-embedding-v3")
	v.SetDefault("ai.embedding.dimensions", 1024)
	v.SetDefault("ai.embedding.timeout", 30)

	// Search
	v.SetDefault("search.provider", "perplexity")
	v.SetDefault("search.perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("search.perplexity.model", "sonar")
	v.SetDefault("search.duckduckgo.max_results", 5)

	// Agent
	v.SetDefault("agent.kb_confidence_threshold", 0.6)
	v.SetDefault("agent.max_tool_iterations", 5)
	v.SetDefault("agent.turn_deadline", "60s")
	v.SetDefault("agent.external_deadline", "20s")
	v.SetDefault("agent.kb_candidate_dedup", true)
	v.SetDefault("agent.allow_external_default", true)
	v.SetDefault("agent.external_on_discretion", true)
	v.SetDefault("agent.llm_deadline", "30s")
	v.SetDefault("agent.retrieval_deadline", "10s")
	v.SetDefault("agent.history_window", 20)
	v.SetDefault("agent.parallel_kb_search", true)
	v.SetDefault("agent.default_kb_id", "default")

	// Session
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.cleanup_interval", "10m")
	v.SetDefault("session.max_messages", 1000)
	v.SetDefault("session.redis_mirror", true)

	// Trace
	v.SetDefault("trace.enabled", true)
	v.SetDefault("trace.base_dir", "./traces")
	v.SetDefault("trace.max_body_chars", 4000)
	v.SetDefault("trace.queue_size", 256)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "./logs/stockqa.log")
	v.SetDefault("log.production", false)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	// Document
	v.SetDefault("document.chunk_size", 512)
	v.SetDefault("document.chunk_overlap", 50)
	v.SetDefault("document.max_content_bytes", 10*1024*1024)
}
