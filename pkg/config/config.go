package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Rerank    RerankConfig
	Parser    ParserConfig
	Chunker   ChunkerConfig
	Retrieval RetrievalConfig
	Stance    StanceConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type LLMConfig struct {
	APIKey         string
	JudgmentModel  string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type RerankConfig struct {
	Endpoint   string
	Model      string
	TimeoutSec int
}

// ParserConfig selects the parsing strategy and the external backends it
// wraps. Strategy is "layout" or "plain"; the layout backend falls back to
// the plain one on internal failure.
type ParserConfig struct {
	Strategy        string
	LayoutEndpoint  string
	PlainEndpoint   string
	Device          string
	ThreadCount     int
	TimeoutSec      int
	LargeFileMB     float64
	SaveParsed      bool
	OutputDir       string
	DefaultLanguage string
}

type ChunkerConfig struct {
	TokenBudget         int
	SimilarityThreshold float64
	DoublePassMerge     bool
}

type RetrievalConfig struct {
	TopKDefault     int
	OverfetchFactor int
}

type StanceConfig struct {
	Concurrency int
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
	viper.AddConfigPath("/etc/lobbyscope")

	viper.SetEnvPrefix("LOBBYSCOPE")
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
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 52428800)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "pdf_documents")
	viper.SetDefault("milvus.vectorDim", 1024)

	viper.SetDefault("sqlite.path", "./data/lobbyscope.db")

	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("llm.judgmentModel", "gpt-4o-mini")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1024)
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.maxTokens", 512)
	viper.SetDefault("llm.timeoutSec", 30)

	viper.SetDefault("rerank.endpoint", "http://localhost:9100/rerank")
	viper.SetDefault("rerank.model", "bge-reranker-v2-m3")
	viper.SetDefault("rerank.timeoutSec", 15)

	viper.SetDefault("parser.strategy", "layout")
	viper.SetDefault("parser.layoutEndpoint", "http://localhost:9200/parse/layout")
	viper.SetDefault("parser.plainEndpoint", "http://localhost:9200/parse/plain")
	viper.SetDefault("parser.device", "cpu")
	viper.SetDefault("parser.threadCount", 8)
	viper.SetDefault("parser.timeoutSec", 300)
	viper.SetDefault("parser.largeFileMB", 5.0)
	viper.SetDefault("parser.saveParsed", false)
	viper.SetDefault("parser.outputDir", "./data/parsed")
	viper.SetDefault("parser.defaultLanguage", "latin-based")

	viper.SetDefault("chunker.tokenBudget", 512)
	viper.SetDefault("chunker.similarityThreshold", 0.75)
	viper.SetDefault("chunker.doublePassMerge", true)

	viper.SetDefault("retrieval.topKDefault", 5)
	viper.SetDefault("retrieval.overfetchFactor", 3)

	viper.SetDefault("stance.concurrency", 4)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
