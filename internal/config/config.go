package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	AI         AIConfig
	Enrichment EnrichmentConfig
	Speech     SpeechConfig
	Storage    StorageConfig

	// DoctorCatalogPath 指向可选的 TOML 医生目录文件。
	DoctorCatalogPath string
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	enrichment, err := loadEnrichmentConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:            server,
		Log:               logCfg,
		Auth:              loadAuthConfig(),
		RateLimit:         rateLimit,
		AI:                ai,
		Enrichment:        enrichment,
		Speech:            speech,
		Storage:           storage,
		DoctorCatalogPath: strings.TrimSpace(os.Getenv("DOCTOR_CATALOG")),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 日志输出配置
type LogConfig struct {
	Level  string
	Pretty bool
}

func loadLogConfig() (LogConfig, error) {
	pretty, err := parseBoolEnv("LOG_PRETTY", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Pretty: pretty,
	}, nil
}

// AuthConfig 描述 bearer token 校验所需的密钥。
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// Enabled 表示是否配置了签名密钥。
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		Issuer:    strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
	}
}

// RateLimitConfig 每个客户端 IP 的固定窗口限流。
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	// TrustProxyHeaders 为 true 时按 X-Forwarded-For / X-Real-IP 识别客户端，
	// 仅在服务部署于会改写这些请求头的反向代理之后时开启。
	TrustProxyHeaders bool
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	cfg := RateLimitConfig{MaxRequests: 30, Window: 60 * time.Second}

	maxRequests, err := parseOptionalIntEnv("RATE_LIMIT_MAX_REQUESTS")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if maxRequests != nil {
		if *maxRequests < 1 {
			return RateLimitConfig{}, fmt.Errorf("invalid RATE_LIMIT_MAX_REQUESTS value %d: must be positive", *maxRequests)
		}
		cfg.MaxRequests = *maxRequests
	}

	window, err := parseDurationEnv("RATE_LIMIT_WINDOW", cfg.Window)
	if err != nil {
		return RateLimitConfig{}, err
	}
	cfg.Window = window

	trust, err := parseBoolEnv("TRUST_PROXY_HEADERS", false)
	if err != nil {
		return RateLimitConfig{}, err
	}
	cfg.TrustProxyHeaders = trust
	return cfg, nil
}

// LLM provider names.
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider string

	// Ark
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string

	// OpenAI
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	ReportModel   string

	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	CompletionTimeout time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == ProviderOpenAI {
		return c.OpenAIAPIKey != ""
	}
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderArk))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return AIConfig{}, fmt.Errorf("invalid LLM_PROVIDER value %q: expected %q or %q", provider, ProviderArk, ProviderOpenAI)
	}

	temperature, err := parseOptionalFloatEnv("LLM_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("LLM_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("LLM_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDurationEnv("COMPLETION_TIMEOUT", 30*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	openAIModel := getEnvOrDefault("OPENAI_MODEL_CHAT", "gpt-4o-mini")

	return AIConfig{
		Provider:          provider,
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		OpenAIAPIKey:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:       openAIModel,
		OpenAIBaseURL:     strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		ReportModel:       getEnvOrDefault("OPENAI_MODEL_REPORT", openAIModel),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		CompletionTimeout: timeout,
	}, nil
}

// EnrichmentConfig 外部医学关键词分析服务配置
type EnrichmentConfig struct {
	URL         string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Enabled 表示是否配置了分析服务地址。
func (c EnrichmentConfig) Enabled() bool {
	return c.URL != ""
}

// Budget 返回一次分析的总时限：全部尝试的超时加上各次重试前的退避。
func (c EnrichmentConfig) Budget() time.Duration {
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	total := time.Duration(attempts) * c.Timeout
	delay := c.Backoff
	for i := 1; i < attempts; i++ {
		total += delay
		delay *= 2
	}
	return total
}

func loadEnrichmentConfig() (EnrichmentConfig, error) {
	timeout, err := parseDurationEnv("ENRICHMENT_TIMEOUT", 15*time.Second)
	if err != nil {
		return EnrichmentConfig{}, err
	}

	backoff, err := parseDurationEnv("ENRICHMENT_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return EnrichmentConfig{}, err
	}

	attempts := 2
	if override, err := parseOptionalIntEnv("ENRICHMENT_MAX_ATTEMPTS"); err != nil {
		return EnrichmentConfig{}, err
	} else if override != nil {
		if *override < 1 {
			attempts = 1
		} else {
			attempts = *override
		}
	}

	return EnrichmentConfig{
		URL:         strings.TrimSpace(os.Getenv("ENRICHMENT_URL")),
		APIKey:      strings.TrimSpace(os.Getenv("ENRICHMENT_API_KEY")),
		Timeout:     timeout,
		MaxAttempts: attempts,
		Backoff:     backoff,
	}, nil
}

// SpeechConfig 描述语音识别与合成服务配置
type SpeechConfig struct {
	STTURL       string
	TTSURL       string
	APIKey       string
	STTTimeout   time.Duration
	TTSTimeout   time.Duration
	TTSMaxChars  int
	DefaultVoice string
}

// STTEnabled 表示是否配置了语音识别服务。
func (c SpeechConfig) STTEnabled() bool {
	return c.STTURL != ""
}

// TTSEnabled 表示是否配置了语音合成服务。
func (c SpeechConfig) TTSEnabled() bool {
	return c.TTSURL != ""
}

func loadSpeechConfig() (SpeechConfig, error) {
	sttTimeout, err := parseDurationEnv("STT_TIMEOUT", 10*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	ttsTimeout, err := parseDurationEnv("TTS_TIMEOUT", 45*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	maxChars := 600
	if override, err := parseOptionalIntEnv("TTS_MAX_CHARS"); err != nil {
		return SpeechConfig{}, err
	} else if override != nil && *override > 0 {
		maxChars = *override
	}

	return SpeechConfig{
		STTURL:       strings.TrimSpace(os.Getenv("STT_URL")),
		TTSURL:       strings.TrimSpace(os.Getenv("TTS_URL")),
		APIKey:       strings.TrimSpace(os.Getenv("SPEECH_API_KEY")),
		STTTimeout:   sttTimeout,
		TTSTimeout:   ttsTimeout,
		TTSMaxChars:  maxChars,
		DefaultVoice: getEnvOrDefault("TTS_DEFAULT_VOICE", "en-NG-female-1"),
	}, nil
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// StorageConfig 会话存储配置
type StorageConfig struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
}

func loadStorageConfig() (StorageConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", StorageMemory))
	cfg := StorageConfig{
		Backend:     backend,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:  getEnvOrDefault("SQLITE_PATH", "medivoice.db"),
	}

	switch backend {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			return StorageConfig{}, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=%s", StoragePostgres)
		}
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_BACKEND value %q", backend)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 同时接受 Go duration 字符串与纯秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
