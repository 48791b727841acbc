package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BackendGemini = "gemini"
	BackendHTTP   = "http"
)

// Config holds application configuration values loaded from the environment.
type Config struct {
	HTTPPort       string
	Debug          bool
	AllowedOrigins []string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ChainRPCURL     string
	ContractAddress string
	ChainID         int64
	OracleRateLimit float64 // Requests per second against the RPC node
	TokenMapping    models.TokenMapping

	EntitlementTimeout  time.Duration
	EntitlementCacheTTL time.Duration

	GenerationBackend string
	GoogleAPIKey      string
	GeminiModel       string
	Temperature       float32
	GenerationURL     string
	StreamChunkSize   int

	JWTSecret       string
	TokenExpiration time.Duration
	SignInMaxAge    time.Duration
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DEBUG", false)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("STORE_DRIVER", StoreSQLite)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "data/chat.db")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CHAIN_RPC_URL", "")
	v.SetDefault("CONTRACT_ADDRESS", "0xFa41D7a572152878F2bdBA7B4Dbe6D391042D4F9")
	v.SetDefault("CHAIN_ID", 11155111)
	v.SetDefault("ORACLE_RATE_LIMIT", 10)
	v.SetDefault("MODEL_TOKEN_IDS", "auditor=0,developer=1")
	v.SetDefault("ENTITLEMENT_TIMEOUT", "10s")
	v.SetDefault("ENTITLEMENT_CACHE_TTL", "60s")
	v.SetDefault("GENERATION_BACKEND", BackendGemini)
	v.SetDefault("GOOGLE_GENERATIVE_AI_API_KEY", "")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash-exp")
	v.SetDefault("GENERATION_TEMPERATURE", 0.7)
	v.SetDefault("GENERATION_URL", "")
	v.SetDefault("STREAM_CHUNK_SIZE", 4096)
	v.SetDefault("JWT_SECRET", "default-super-secret-key") // CHANGE THIS IN PRODUCTION!
	v.SetDefault("JWT_EXPIRATION_HOURS", 24)
	v.SetDefault("SIGNIN_MAX_AGE", "5m")
}

// LoadConfig loads configuration from a .env file, if any, and the environment.
func LoadConfig(v *viper.Viper, logger *zap.SugaredLogger) (*Config, error) {
	// Don't fail if .env is not present, might be in production
	if err := godotenv.Load(); err != nil {
		logger.Debugw("no .env file loaded, using environment only", "error", err)
	}
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.AutomaticEnv()

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	logger.Infow("loaded config",
		"port", cfg.HTTPPort,
		"store", cfg.StoreDriver,
		"generation", cfg.GenerationBackend,
		"oracle", cfg.ChainRPCURL != "",
		"redis", cfg.RedisAddr != "",
		"token_expiration", cfg.TokenExpiration,
	)
	return cfg, nil
}

// FromViper reads and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	mapping, err := ParseTokenMapping(v.GetString("MODEL_TOKEN_IDS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:            v.GetString("HTTP_PORT"),
		Debug:               v.GetBool("DEBUG"),
		AllowedOrigins:      splitList(v.GetString("ALLOWED_ORIGINS")),
		StoreDriver:         strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		SQLitePath:          v.GetString("SQLITE_PATH"),
		RedisAddr:           v.GetString("REDIS_ADDR"),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisDB:             v.GetInt("REDIS_DB"),
		ChainRPCURL:         v.GetString("CHAIN_RPC_URL"),
		ContractAddress:     v.GetString("CONTRACT_ADDRESS"),
		ChainID:             v.GetInt64("CHAIN_ID"),
		OracleRateLimit:     v.GetFloat64("ORACLE_RATE_LIMIT"),
		TokenMapping:        mapping,
		EntitlementTimeout:  v.GetDuration("ENTITLEMENT_TIMEOUT"),
		EntitlementCacheTTL: v.GetDuration("ENTITLEMENT_CACHE_TTL"),
		GenerationBackend:   strings.ToLower(v.GetString("GENERATION_BACKEND")),
		GoogleAPIKey:        v.GetString("GOOGLE_GENERATIVE_AI_API_KEY"),
		GeminiModel:         v.GetString("GEMINI_MODEL"),
		Temperature:         float32(v.GetFloat64("GENERATION_TEMPERATURE")),
		GenerationURL:       v.GetString("GENERATION_URL"),
		StreamChunkSize:     v.GetInt("STREAM_CHUNK_SIZE"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		TokenExpiration:     time.Duration(v.GetInt("JWT_EXPIRATION_HOURS")) * time.Hour,
		SignInMaxAge:        v.GetDuration("SIGNIN_MAX_AGE"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidConfig, c.StoreDriver)
	}
	switch c.GenerationBackend {
	case BackendGemini, BackendHTTP:
	default:
		return fmt.Errorf("%w: unknown GENERATION_BACKEND %q", ErrInvalidConfig, c.GenerationBackend)
	}
	if c.ChainRPCURL != "" && !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("%w: CONTRACT_ADDRESS %q is not a hex address", ErrInvalidConfig, c.ContractAddress)
	}
	if c.EntitlementTimeout <= 0 || c.EntitlementCacheTTL < 0 {
		return fmt.Errorf("%w: entitlement timeout must be positive", ErrInvalidConfig)
	}
	if c.StreamChunkSize <= 0 {
		return fmt.Errorf("%w: STREAM_CHUNK_SIZE must be positive", ErrInvalidConfig)
	}
	if c.TokenExpiration <= 0 {
		return fmt.Errorf("%w: JWT_EXPIRATION_HOURS must be positive", ErrInvalidConfig)
	}
	return nil
}

// ParseTokenMapping parses "model=tokenId" pairs separated by commas.
func ParseTokenMapping(s string) (models.TokenMapping, error) {
	mapping := models.TokenMapping{}
	for _, pair := range splitList(s) {
		id, tok, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: MODEL_TOKEN_IDS entry %q is not model=tokenId", ErrInvalidConfig, pair)
		}
		tokenID, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
		if err != nil || tokenID < models.FreeTokenID {
			return nil, fmt.Errorf("%w: MODEL_TOKEN_IDS entry %q has a bad token id", ErrInvalidConfig, pair)
		}
		if _, dup := mapping[id]; dup {
			return nil, fmt.Errorf("%w: MODEL_TOKEN_IDS maps %q twice", ErrInvalidConfig, id)
		}
		mapping[id] = tokenID
	}
	return mapping, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
