package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Directory DirectoryConfig
	Redis     RedisConfig
	Vector    VectorConfig
	Blob      BlobConfig
	LLM       LLMConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

// OpsToken guards the control-plane tenant endpoints. Tenant-scoped
// routes use JWT bearer tokens instead.
type AuthConfig struct {
	JWTSecret string
	OpsToken  string
}

// DirectoryConfig locates the control-plane database and the directory
// under which tenant partition files are provisioned.
type DirectoryConfig struct {
	Path         string
	PartitionDir string
	CacheTTLSec  int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type VectorConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type BlobConfig struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	PresignTTLSec  int
}

type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type IngestionConfig struct {
	Workers        int
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	MaxAttempts    int
	MaxFileSize    int64
	RangeSize      int
	AllowedMimes   []string
}

type RetrievalConfig struct {
	TopK            int
	FetchK          int
	TokenBudget     int
	MinConfidence   float64
	MaxDocShare     float64
	LatencyBudgetMS int
	RedactPII       bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/raghub")

	viper.SetEnvPrefix("RAGHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("auth.jwtSecret", "change-me-in-production")
	viper.SetDefault("auth.opsToken", "")

	viper.SetDefault("directory.path", "./data/directory.db")
	viper.SetDefault("directory.partitionDir", "./data/tenants")
	viper.SetDefault("directory.cacheTTLSec", 300)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("vector.endpoint", "localhost:19530")
	viper.SetDefault("vector.collectionName", "raghub_chunks")
	viper.SetDefault("vector.vectorDim", 1536)

	viper.SetDefault("blob.bucket", "raghub-documents")
	viper.SetDefault("blob.region", "us-east-1")
	viper.SetDefault("blob.forcePathStyle", false)
	viper.SetDefault("blob.presignTTLSec", 900)

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)

	viper.SetDefault("ingestion.workers", 4)
	viper.SetDefault("ingestion.chunkSize", 1000)
	viper.SetDefault("ingestion.chunkOverlap", 200)
	viper.SetDefault("ingestion.embedBatchSize", 16)
	viper.SetDefault("ingestion.maxAttempts", 3)
	viper.SetDefault("ingestion.maxFileSize", 52428800)
	viper.SetDefault("ingestion.rangeSize", 200)
	viper.SetDefault("ingestion.allowedMimes", []string{
		"text/plain",
		"text/markdown",
		"text/html",
		"application/pdf",
	})

	viper.SetDefault("retrieval.topK", 5)
	viper.SetDefault("retrieval.fetchK", 20)
	viper.SetDefault("retrieval.tokenBudget", 3000)
	viper.SetDefault("retrieval.minConfidence", 0.7)
	viper.SetDefault("retrieval.maxDocShare", 0.6)
	viper.SetDefault("retrieval.latencyBudgetMS", 30000)
	viper.SetDefault("retrieval.redactPII", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
