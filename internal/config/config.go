package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// EVMChain is one entry of EVM_CHAINS.
type EVMChain struct {
	Name   string
	RPCURL string
}

// Config holds process configuration. Per-user state (collections,
// policies) lives in the store, not here.
type Config struct {
	// Storage
	StorageBackend string
	PostgresDSN    string
	AutoMigrate    bool

	// Envelope encryption of stored ciphertext
	KMSProvider        string
	KMSLocalMasterKey  string
	KMSAWSKeyID        string
	KMSAWSRegion       string
	KMSVaultAddress    string
	KMSVaultToken      string
	KMSVaultTransitKey string

	// Balance cache; disabled when RedisAddr is empty
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	BalanceCacheTTL time.Duration

	// Chains
	EVMChains        []EVMChain
	EtherscanAPIURL  string
	EtherscanAPIKey  string
	SandboxChain     bool
	ChainReadRPS     float64
	ChainReadRetries int
	SubmitTimeout    time.Duration
	AwaitTimeout     time.Duration

	// Audit archival; disabled when AuditArchiveBucket is empty
	AuditArchiveBucket   string
	AuditArchiveRegion   string
	AuditArchiveEndpoint string
	AuditArchiveInterval time.Duration

	// Ops listener (/healthz, /metrics)
	OpsPort int
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	chains, err := parseEVMChains(getEnv("EVM_CHAINS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		StorageBackend: getEnv("STORAGE_BACKEND", BackendPostgres),
		PostgresDSN:    getEnv("POSTGRES_DSN", ""),
		AutoMigrate:    getEnvBool("AUTO_MIGRATE", false),

		KMSProvider:        getEnv("KMS_PROVIDER", "local"),
		KMSLocalMasterKey:  getEnv("KMS_LOCAL_MASTER_KEY", ""),
		KMSAWSKeyID:        getEnv("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:       getEnv("KMS_AWS_REGION", ""),
		KMSVaultAddress:    getEnv("KMS_VAULT_ADDRESS", ""),
		KMSVaultToken:      getEnv("KMS_VAULT_TOKEN", ""),
		KMSVaultTransitKey: getEnv("KMS_VAULT_TRANSIT_KEY", ""),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		BalanceCacheTTL: getEnvDuration("BALANCE_CACHE_TTL", 15*time.Second),

		EVMChains:        chains,
		EtherscanAPIURL:  getEnv("ETHERSCAN_API_URL", ""),
		EtherscanAPIKey:  getEnv("ETHERSCAN_API_KEY", ""),
		SandboxChain:     getEnvBool("SANDBOX_CHAIN", false),
		ChainReadRPS:     getEnvFloat("CHAIN_READ_RPS", 10),
		ChainReadRetries: getEnvInt("CHAIN_READ_MAX_RETRIES", 4),
		SubmitTimeout:    getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		AwaitTimeout:     getEnvDuration("AWAIT_TIMEOUT", 60*time.Second),

		AuditArchiveBucket:   getEnv("AUDIT_ARCHIVE_BUCKET", ""),
		AuditArchiveRegion:   getEnv("AUDIT_ARCHIVE_REGION", ""),
		AuditArchiveEndpoint: getEnv("AUDIT_ARCHIVE_ENDPOINT", ""),
		AuditArchiveInterval: getEnvDuration("AUDIT_ARCHIVE_INTERVAL", 10*time.Minute),

		OpsPort: getEnvInt("OPS_PORT", 9090),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_BACKEND is 'postgres'")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'postgres' or 'memory', got: %s", c.StorageBackend)
	}

	switch c.KMSProvider {
	case "local":
		key, err := hex.DecodeString(c.KMSLocalMasterKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY must be 64 hex characters (32 bytes)")
		}
	case "aws-kms":
		if c.KMSAWSKeyID == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID is required when KMS_PROVIDER is 'aws-kms'")
		}
		if c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_REGION is required when KMS_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.KMSVaultAddress == "" || c.KMSVaultToken == "" || c.KMSVaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS, KMS_VAULT_TOKEN and KMS_VAULT_TRANSIT_KEY are required when KMS_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("KMS_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.KMSProvider)
	}

	if len(c.EVMChains) == 0 && !c.SandboxChain {
		return fmt.Errorf("no chains configured: set EVM_CHAINS or SANDBOX_CHAIN")
	}
	if c.ChainReadRetries < 0 {
		return fmt.Errorf("CHAIN_READ_MAX_RETRIES must not be negative")
	}
	if c.SubmitTimeout <= 0 || c.AwaitTimeout <= 0 {
		return fmt.Errorf("SUBMIT_TIMEOUT and AWAIT_TIMEOUT must be positive")
	}
	if c.AuditArchiveBucket != "" && c.AuditArchiveInterval <= 0 {
		return fmt.Errorf("AUDIT_ARCHIVE_INTERVAL must be positive when AUDIT_ARCHIVE_BUCKET is set")
	}
	if c.OpsPort <= 0 || c.OpsPort > 65535 {
		return fmt.Errorf("OPS_PORT must be a valid port, got: %d", c.OpsPort)
	}

	return nil
}

// parseEVMChains parses "name=rpc_url,name=rpc_url".
func parseEVMChains(raw string) ([]EVMChain, error) {
	var out []EVMChain
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("EVM_CHAINS entry %q must be name=rpc_url", entry)
		}
		if seen[name] {
			return nil, fmt.Errorf("EVM_CHAINS names %q twice", name)
		}
		seen[name] = true
		out = append(out, EVMChain{Name: name, RPCURL: url})
	}
	return out, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("30s") or whole seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
