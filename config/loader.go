// =============================================================================
// 📦 citerag 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CITERAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 citerag 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Retrieval 检索配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Qdrant 向量存储配置
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`

	// Embedding 查询向量化配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Aggregator 证据聚合配置
	Aggregator AggregatorConfig `yaml:"aggregator" env:"AGGREGATOR"`

	// Guardrail 可回答性判定配置
	Guardrail GuardrailConfig `yaml:"guardrail" env:"GUARDRAIL"`

	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Cache 答案缓存配置（Redis）
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Audit 查询审计配置（数据库）
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口（0 表示不单独启动）
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（流式响应需要足够长）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端每秒请求数
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// JWT 配置，Secret 为空时不启用租户认证
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	// HMAC 密钥（HS256）
	Secret string `yaml:"secret" env:"SECRET"`
	// 签发者（可选）
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 受众（可选）
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	// 后端: qdrant, memory
	Backend string `yaml:"backend" env:"BACKEND"`
	// 默认 TopK
	DefaultTopK int `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
	// 允许的最大 TopK
	MaxTopK int `yaml:"max_top_k" env:"MAX_TOP_K"`
	// 单次检索超时（超时则整个查询失败）
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 传输错误重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始退避
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 是否扩展命中块的同级章节
	ExpandSections bool `yaml:"expand_sections" env:"EXPAND_SECTIONS"`
	// 参与扩展的命中块数量
	ExpandHits int `yaml:"expand_hits" env:"EXPAND_HITS"`
	// 每个章节扩展返回的块数
	ExpandLimit int `yaml:"expand_limit" env:"EXPAND_LIMIT"`
	// memory 后端启动时加载的块文件（YAML/JSON）
	SeedFile string `yaml:"seed_file" env:"SEED_FILE"`
}

// QdrantConfig Qdrant 向量存储配置
type QdrantConfig struct {
	// 完整地址（优先于 Host/Port）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// REST 端口
	Port int `yaml:"port" env:"PORT"`
	// API Key（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 前缀匹配策略: keyword, text, client
	PrefixStrategy string `yaml:"prefix_strategy" env:"PREFIX_STRATEGY"`
	// client 策略下的超取倍数
	OverFetch int `yaml:"over_fetch" env:"OVER_FETCH"`
	// Payload 字段映射
	Fields PayloadFields `yaml:"fields" env:"FIELDS"`
}

// PayloadFields Qdrant payload 字段名
type PayloadFields struct {
	Tenant          string `yaml:"tenant" env:"TENANT"`
	DocID           string `yaml:"doc_id" env:"DOC_ID"`
	ChunkID         string `yaml:"chunk_id" env:"CHUNK_ID"`
	SectionPath     string `yaml:"section_path" env:"SECTION_PATH"`
	SectionText     string `yaml:"section_text" env:"SECTION_TEXT"`
	SectionPrefixes string `yaml:"section_prefixes" env:"SECTION_PREFIXES"`
	Groups          string `yaml:"groups" env:"GROUPS"`
	Content         string `yaml:"content" env:"CONTENT"`
}

// EmbeddingConfig 查询向量化配置（OpenAI 兼容接口）
type EmbeddingConfig struct {
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度（0 表示模型默认）
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
}

// AggregatorConfig 证据聚合配置
type AggregatorConfig struct {
	// 预算单位: chars, tokens
	BudgetUnit string `yaml:"budget_unit" env:"BUDGET_UNIT"`
	// 上下文预算（0 表示不限制）
	MaxContextLength int `yaml:"max_context_length" env:"MAX_CONTEXT_LENGTH"`
	// 分数归一化: none, clamp, sigmoid
	Normalization string `yaml:"normalization" env:"NORMALIZATION"`
	// tokens 预算使用的分词模型
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// GuardrailPolicy 可回答性策略
type GuardrailPolicy struct {
	// 置信度阈值
	Threshold float64 `yaml:"threshold" env:"THRESHOLD"`
	// 最少证据数
	MinEvidence int `yaml:"min_evidence" env:"MIN_EVIDENCE"`
	// 最高分权重
	TopWeight float64 `yaml:"top_weight" env:"TOP_WEIGHT"`
	// 平均分权重
	MeanWeight float64 `yaml:"mean_weight" env:"MEAN_WEIGHT"`
	// 覆盖度权重
	CoverageWeight float64 `yaml:"coverage_weight" env:"COVERAGE_WEIGHT"`
	// 覆盖度饱和所需的证据数
	TargetEvidence int `yaml:"target_evidence" env:"TARGET_EVIDENCE"`
}

// GuardrailConfig 可回答性判定配置
type GuardrailConfig struct {
	GuardrailPolicy `yaml:",inline" env:""`
	// 租户级覆盖（仅 YAML）
	TenantOverrides map[string]GuardrailPolicy `yaml:"tenant_overrides" env:"-"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// Provider: openai, anthropic, openai_compat
	Provider string `yaml:"provider" env:"PROVIDER"`
	// 模型名称（空则使用 Provider 默认值）
	Model string `yaml:"model" env:"MODEL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（自托管 Provider 必填）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 温度
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大输出 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 非流式请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 是否启用流式
	StreamEnabled bool `yaml:"stream_enabled" env:"STREAM_ENABLED"`
	// 流式单块空闲超时
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout" env:"STREAM_IDLE_TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始退避
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// CacheConfig Redis 答案缓存配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 缓存过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// AuditConfig 审计数据库配置
type AuditConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 完整 DSN（优先于分项配置）
	DSN string `yaml:"dsn" env:"DSN"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ConnectionString 返回 gorm 使用的连接串，DSN 非空时直接返回
func (c AuditConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite":
		return c.Name
	default:
		return ""
	}
}

// URL 返回 Qdrant REST 地址，BaseURL 非空时优先
func (c QdrantConfig) URL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CITERAG",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag, hasTag := fieldType.Tag.Lookup("env")
		if !hasTag || envTag == "-" {
			continue
		}

		// 内嵌结构体（env:""）沿用父级前缀
		if envTag == "" {
			if fieldType.Anonymous && field.Kind() == reflect.Struct {
				if err := l.setFieldsFromEnv(field, prefix); err != nil {
					return err
				}
			}
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
