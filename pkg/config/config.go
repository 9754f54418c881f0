// Package config loads process configuration from the environment.
// All values are read once at startup; key rotation requires a restart.
package config

import (
	"errors"
	"os"
	"strconv"
)

// Config holds ingestion service configuration.
type Config struct {
	DBPath           string // state store (sqlite) path
	EncryptionKey    string // 32-byte AEAD key for the credential store
	ChromaPersistDir string // vector store path
	EmbeddingModel   string // embedding model selector
	AnthropicAPIKey  string // rerank LLM credential
	OpenAIAPIKey     string // embedding credential
	RulesDataDir     string // reference dataset directory
	WorkerPoolSize   int
	LogLevel         string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "ingest.db"
	}

	key := os.Getenv("CREDENTIAL_ENCRYPTION_KEY")
	if key == "" {
		return nil, errors.New("CREDENTIAL_ENCRYPTION_KEY is required")
	}
	if len(key) != 32 {
		return nil, errors.New("CREDENTIAL_ENCRYPTION_KEY must be exactly 32 bytes")
	}

	persistDir := os.Getenv("CHROMA_PERSIST_DIR")
	if persistDir == "" {
		persistDir = "./chroma"
	}

	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "local"
	}

	rulesDir := os.Getenv("RULES_DATA_DIR")
	if rulesDir == "" {
		rulesDir = "./data/rules"
	}

	poolSize := 5
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.New("WORKER_POOL_SIZE must be a positive integer")
		}
		poolSize = n
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		DBPath:           dbPath,
		EncryptionKey:    key,
		ChromaPersistDir: persistDir,
		EmbeddingModel:   model,
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		RulesDataDir:     rulesDir,
		WorkerPoolSize:   poolSize,
		LogLevel:         logLevel,
	}, nil
}
