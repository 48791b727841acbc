package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contractai/chat-gateway/internal/api"
	"github.com/contractai/chat-gateway/internal/chain"
	"github.com/contractai/chat-gateway/internal/config"
	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/generation"
	"github.com/contractai/chat-gateway/internal/handlers"
	"github.com/contractai/chat-gateway/internal/logging"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/orchestrator"
	"github.com/contractai/chat-gateway/internal/services"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/contractai/chat-gateway/internal/store/memory"
	"github.com/contractai/chat-gateway/internal/store/postgres"
	"github.com/contractai/chat-gateway/internal/store/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	v = viper.New()

	rootCmd = &cobra.Command{
		Use:   "chat-gateway",
		Short: "Entitlement-gated chat backend with streamed replies.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := openStore(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			logger.Infow("schema is up to date", "store", cfg.StoreDriver)
			return st.Close()
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("port", "8080", "port of the HTTP server")
	flags.String("store", config.StoreSQLite, `conversation store, one of "sqlite", "postgres" or "memory"`)
	flags.Bool("debug", false, "human-readable debug logging")
	flags.Bool("auto-migrate", true, "apply the postgres schema on startup")

	for key, flag := range map[string]string{
		"HTTP_PORT":    "port",
		"STORE_DRIVER": "store",
		"DEBUG":        "debug",
		"AUTO_MIGRATE": "auto-migrate",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.SugaredLogger, error) {
	bootstrap := logging.New(v.GetBool("DEBUG"))
	cfg, err := config.LoadConfig(v, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(cfg.Debug)
	zap.ReplaceGlobals(logger.Desugar())
	return cfg, logger, nil
}

func serve(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting chat gateway")

	// 1. Store
	st, err := openStore(ctx, cfg, logger, v.GetBool("AUTO_MIGRATE"))
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Entitlement gate
	catalog := models.DefaultCatalog()
	oracle, closeOracle, err := openOracle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOracle()

	var cache entitlement.Cache
	if cfg.RedisAddr != "" {
		client, err := entitlement.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		cache = entitlement.NewRedisCache(client, "chat-gateway:entitlement:", cfg.EntitlementCacheTTL)
		logger.Infow("entitlement cache on redis", "addr", cfg.RedisAddr)
	}

	gate := entitlement.NewGate(catalog, cfg.TokenMapping, oracle, cache, entitlement.Config{
		Timeout:  cfg.EntitlementTimeout,
		CacheTTL: cfg.EntitlementCacheTTL,
	}, logger)

	// 3. Generation backend
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 4. Services and orchestrator
	conversationService := services.NewConversationService(st, catalog, logger)
	authService := services.NewAuthService(cfg, logger)
	orch := orchestrator.New(conversationService, gate, backend, orchestrator.Config{
		GateTimeout: cfg.EntitlementTimeout,
		ChunkSize:   cfg.StreamChunkSize,
		Temperature: cfg.Temperature,
	}, logger)

	// 5. Router
	router := api.NewRouter(api.RouterDependencies{
		AuthHandler:         handlers.NewAuthHandler(authService, logger),
		ChatHandler:         handlers.NewChatHandlers(orch, logger),
		ConversationHandler: handlers.NewConversationHandlers(conversationService, orch, logger),
		ModelHandler:        handlers.NewModelHandlers(catalog, gate),
		Config:              cfg,
		Logger:              logger,
	})

	// 6. HTTP server. Replies stream for as long as the backend produces them, so no
	// WriteTimeout is set.
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", cfg.HTTPPort, err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, migrate bool) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using the in-memory store, conversations are lost on restart")
		return memory.NewMemoryStore(), nil

	case config.StorePostgres:
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.New(dbCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to create database connection pool: %w", err)
		}
		if err := pool.Ping(dbCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("unable to ping database: %w", err)
		}
		pgStore := postgres.NewPostgresStore(pool, logger)
		if migrate {
			if err := pgStore.Migrate(dbCtx); err != nil {
				pgStore.Close()
				return nil, err
			}
		}
		logger.Info("postgres store initialized")
		return pgStore, nil

	default:
		sqliteStore, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Infow("sqlite store initialized", "path", cfg.SQLitePath)
		return sqliteStore, nil
	}
}

// openOracle dials the chain when an RPC endpoint is configured. Without one the gate
// fails every paid check closed.
func openOracle(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (chain.BalanceOracle, func(), error) {
	if cfg.ChainRPCURL == "" {
		logger.Warn("CHAIN_RPC_URL not set, paid models cannot be unlocked")
		return nil, func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, cfg.ChainRPCURL, cfg.ChainID)
	if err != nil {
		return nil, nil, err
	}

	var limiter *rate.Limiter
	if cfg.OracleRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OracleRateLimit), max(1, int(cfg.OracleRateLimit)))
	}
	oracle, err := chain.NewERC1155Oracle(client, cfg.ContractAddress, limiter, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Infow("balance oracle ready", "chain_id", cfg.ChainID, "contract", cfg.ContractAddress)
	return oracle, client.Close, nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (generation.Backend, error) {
	if cfg.GenerationBackend == config.BackendHTTP {
		logger.Infow("generation over http", "url", cfg.GenerationURL)
		return generation.NewHTTPBackend(cfg.GenerationURL, &http.Client{}), nil
	}

	gemini, err := generation.NewGeminiBackend(ctx, cfg.GoogleAPIKey, cfg.GeminiModel, logger)
	if errors.Is(err, generation.ErrNotConfigured) {
		// Not fatal: every turn reports the missing key instead.
		logger.Warn("GOOGLE_GENERATIVE_AI_API_KEY not set, replies are disabled")
		return generation.Unconfigured{Reason: "Google API key not configured"}, nil
	}
	if err != nil {
		return nil, err
	}
	return gemini, nil
}
