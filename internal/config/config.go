package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"orchestra/internal/llm"
)

type Config struct {
	Port     string
	Env      string
	Log      LogConfig
	LLM      llm.ProviderConfig
	Workflow WorkflowConfig
	Router   RouterConfig
	Learning LearningConfig
	Trust    TrustConfig
	Artifact ArtifactConfig
	Metrics  MetricsConfig
	// AgentsFile and PatternsFile optionally override the embedded defaults.
	AgentsFile   string
	PatternsFile string
}

type LogConfig struct {
	Level string
	JSON  bool
}

type WorkflowConfig struct {
	MaxIterations   int
	ConfidenceFloor float64
	TimeBudget      time.Duration
}

type RouterConfig struct {
	ClearWinner float64
	BidTimeout  time.Duration
}

type LearningConfig struct {
	MinConfidence   float64
	SuccessCapacity int
	FailureCapacity int
	PostgresDSN     string
}

type TrustConfig struct {
	MongoURI        string
	MongoDB         string
	MongoCollection string
	MaxIdentities   int
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MetricsConfig selects the OpenTelemetry exporter: "stdout" or "none".
type MetricsConfig struct {
	Exporter string
	Interval time.Duration
}

// Load reads .env when present, then the environment. Malformed numbers are
// reported rather than silently defaulted.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := envReader{get: getenv}
	env := firstNonEmpty(e.str("APP_ENV"), "local")

	cfg := &Config{
		Port: NormalizePort(firstNonEmpty(e.str("PORT"), "8081")),
		Env:  env,
		Log: LogConfig{
			Level: firstNonEmpty(e.str("LOG_LEVEL"), "info"),
			JSON:  e.boolean("LOG_JSON", !strings.EqualFold(env, "local")),
		},
		LLM: llm.ProviderConfig{
			Provider:        strings.ToLower(e.str("LLM_PROVIDER")),
			Model:           e.str("LLM_MODEL"),
			GeminiAPIKey:    e.str("GEMINI_API_KEY"),
			AnthropicAPIKey: e.str("ANTHROPIC_API_KEY"),
			RPS:             e.float("LLM_RPS", 0),
			Burst:           e.integer("LLM_BURST", 1),
			Retries:         e.integer("LLM_RETRIES", 3),
			RetryBase:       e.duration("LLM_RETRY_BASE", 300*time.Millisecond),
			Timeout:         e.duration("LLM_TIMEOUT", 60*time.Second),
		},
		Workflow: WorkflowConfig{
			MaxIterations:   e.integer("WORKFLOW_MAX_ITERATIONS", 3),
			ConfidenceFloor: e.float("WORKFLOW_CONFIDENCE_FLOOR", 0),
			TimeBudget:      e.duration("WORKFLOW_TIME_BUDGET", 3*time.Minute),
		},
		Router: RouterConfig{
			ClearWinner: e.float("ROUTER_CLEAR_WINNER", 0.8),
			BidTimeout:  e.duration("ROUTER_BID_TIMEOUT", 20*time.Second),
		},
		Learning: LearningConfig{
			MinConfidence:   e.float("LEARNING_MIN_CONFIDENCE", 0.7),
			SuccessCapacity: e.integer("LEARNING_SUCCESS_CAPACITY", 100),
			FailureCapacity: e.integer("LEARNING_FAILURE_CAPACITY", 50),
			PostgresDSN:     e.str("LEARNING_PG_DSN"),
		},
		Trust: TrustConfig{
			MongoURI:        e.str("TRUST_MONGO_URI"),
			MongoDB:         firstNonEmpty(e.str("TRUST_MONGO_DB"), "orchestra"),
			MongoCollection: firstNonEmpty(e.str("TRUST_MONGO_COLLECTION"), "trust_contexts"),
			MaxIdentities:   e.integer("TRUST_MAX_IDENTITIES", 10000),
		},
		Artifact:     loadArtifactConfig(e, env),
		Metrics: MetricsConfig{
			Exporter: strings.ToLower(firstNonEmpty(e.str("METRICS_EXPORTER"), "stdout")),
			Interval: e.duration("METRICS_INTERVAL", time.Minute),
		},
		AgentsFile:   e.str("AGENTS_FILE"),
		PatternsFile: e.str("PATTERNS_FILE"),
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = defaultProvider(cfg.LLM)
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	return cfg, nil
}

// defaultProvider picks the first backend with a key, else the offline fake.
func defaultProvider(c llm.ProviderConfig) string {
	switch {
	case c.GeminiAPIKey != "":
		return llm.ProviderGemini
	case c.AnthropicAPIKey != "":
		return llm.ProviderAnthropic
	default:
		return llm.ProviderFake
	}
}

func loadArtifactConfig(e envReader, env string) ArtifactConfig {
	local := strings.EqualFold(env, "local")
	endpoint := e.str("ARTIFACT_S3_ENDPOINT")
	if local {
		endpoint = firstNonEmpty(e.str("ARTIFACT_MINIO_ENDPOINT"), endpoint)
	}
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(e.str("ARTIFACT_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(e.str("ARTIFACT_S3_ACCESS_KEY"), e.str("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(e.str("ARTIFACT_S3_SECRET_KEY"), e.str("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(e.str("ARTIFACT_S3_BUCKET"), "orchestra-artifacts"),
		UseSSL:    !local && e.boolean("ARTIFACT_S3_USE_SSL", true),
	}
}

// NormalizePort turns "8080" into ":8080".
func NormalizePort(p string) string {
	if strings.HasPrefix(p, ":") {
		return p
	}
	return ":" + p
}

type envReader struct {
	get  func(string) string
	errs []string
}

func (e *envReader) str(key string) string { return strings.TrimSpace(e.get(key)) }

func (e *envReader) integer(key string, def int) int {
	raw := e.str(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not an integer", key, raw))
		return def
	}
	return v
}

func (e *envReader) float(key string, def float64) float64 {
	raw := e.str(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a number", key, raw))
		return def
	}
	return v
}

func (e *envReader) boolean(key string, def bool) bool {
	raw := e.str(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a boolean", key, raw))
		return def
	}
	return v
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a duration", key, raw))
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
