// Package config loads kernel configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	DBPath           string
	SessionTimeout   time.Duration
	DriftClassifier  bool
	LLMServiceURL    string
	LLMAPIKey        string
	RedisAddr        string
	OTLPEndpoint     string
	ArtifactS3Bucket string
	ArtifactDir      string
	FilesDir         string
	RiskPolicyFile   string
	Env              string
}

// Production reports whether the kernel runs with fail-closed startup.
func (c *Config) Production() bool { return c.Env == "production" }

// Load reads configuration from the environment with safe dev defaults.
func Load() *Config {
	port := os.Getenv("KERNEL_PORT")
	if port == "" {
		port = "18888"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "clawos.db"
	}

	timeout := 30 * time.Minute
	if v := os.Getenv("SESSION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Minute
		}
	}

	artifactDir := os.Getenv("ARTIFACT_DIR")
	if artifactDir == "" {
		artifactDir = "artifacts"
	}

	filesDir := os.Getenv("FILES_DIR")
	if filesDir == "" {
		filesDir = "files"
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DBPath:           dbPath,
		SessionTimeout:   timeout,
		DriftClassifier:  os.Getenv("ENABLE_SESSION_DRIFT_CLASSIFIER") == "true",
		LLMServiceURL:    os.Getenv("LLM_SERVICE_URL"),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		ArtifactS3Bucket: os.Getenv("ARTIFACT_S3_BUCKET"),
		ArtifactDir:      artifactDir,
		FilesDir:         filesDir,
		RiskPolicyFile:   os.Getenv("RISK_POLICY_FILE"),
		Env:              os.Getenv("KERNEL_ENV"),
	}
}
