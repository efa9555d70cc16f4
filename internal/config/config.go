package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir             string // Base directory for the databases (defaults to "./data")
	EncryptionSecret    string // Key material for the credential vault
	MarketDataBaseURL   string
	MarketDataAPIKey    string
	EvaluatorServiceURL string
	BrokerPaperBaseURL  string // Default base URL for paper accounts without an override
	BrokerLiveBaseURL   string
	LogLevel            string
	Port                int
	DevMode             bool
	Backup              *BackupConfig
}

// BackupConfig holds S3-compatible backup configuration.
// Backup is disabled when the bucket is empty.
type BackupConfig struct {
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATABASE_PATH", "")
	if dataDir == "" {
		dataDir = getEnv("DATA_DIR", "./data")
	}

	// ENCRYPTION_SECRET is the canonical name; BROKER_ENCRYPTION_KEY is the
	// legacy alias and wins only when the canonical one is unset.
	secret := getEnv("ENCRYPTION_SECRET", "")
	if secret == "" {
		secret = getEnv("BROKER_ENCRYPTION_KEY", "")
	}

	cfg := &Config{
		DataDir:             dataDir,
		EncryptionSecret:    secret,
		MarketDataBaseURL:   getEnv("MARKETDATA_BASE_URL", "https://api.tiingo.com"),
		MarketDataAPIKey:    getEnv("MARKETDATA_API_KEY", ""),
		EvaluatorServiceURL: getEnv("EVALUATOR_SERVICE_URL", "http://localhost:9000"),
		BrokerPaperBaseURL:  getEnv("BROKER_PAPER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerLiveBaseURL:   getEnv("BROKER_LIVE_BASE_URL", "https://api.alpaca.markets"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Port:                getEnvAsInt("GO_PORT", 8001),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		Backup:              loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET is required (credential vault cannot start without key material)")
	}
	return nil
}

// loadBackupConfig reads optional backup settings
func loadBackupConfig() *BackupConfig {
	bucket := getEnv("BACKUP_S3_BUCKET", "")
	if bucket == "" {
		return nil
	}

	return &BackupConfig{
		Bucket:          bucket,
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
