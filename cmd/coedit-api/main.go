package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/logging"
	"github.com/MarcoPoloResearchLab/coedit/internal/metrics"
	"github.com/MarcoPoloResearchLab/coedit/internal/realtime"
	"github.com/MarcoPoloResearchLab/coedit/internal/server"
	"github.com/MarcoPoloResearchLab/coedit/internal/users"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "Realtime collaborative document service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL enabling the cross-instance realtime bridge")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		SendBuffer: appConfig.Realtime.SendBuffer,
		Logger:     logger,
	})
	// Hijacked websocket connections are not tracked by http.Server.Shutdown; hang them up before the database closes.
	defer registry.DisconnectAll()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serviceMetrics := metrics.NewCollectors(promRegistry, metrics.Gauges{
		Sessions: registry.SessionCount,
		Rooms:    registry.RoomCount,
	})

	bridge, redisClient, err := newRedisBridge(appConfig.Redis, logger)
	if err != nil {
		return err
	}
	relayConfig := realtime.RelayConfig{
		Registry: registry,
		Observer: serviceMetrics,
		Logger:   logger,
	}
	if bridge != nil {
		relayConfig.Forwarder = bridge
	}
	relay, err := realtime.NewRelay(relayConfig)
	if err != nil {
		return err
	}
	if bridge != nil {
		bridgeCtx, cancelBridge := context.WithCancel(signalCtx)
		bridgeDone := make(chan struct{})
		go func() {
			defer close(bridgeDone)
			if err := bridge.Run(bridgeCtx, relay); err != nil {
				logger.Error("realtime bridge stopped", zap.Error(err))
			}
		}()
		defer func() {
			cancelBridge()
			<-bridgeDone
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis client close failed", zap.Error(err))
			}
		}()
	}

	store, err := documents.NewStore(documents.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := documents.NewCoordinator(documents.CoordinatorConfig{
		Store:    store,
		Recorder: serviceMetrics,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}
	tickets, err := auth.NewTicketIssuer(auth.TicketIssuerConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		TTL:           appConfig.Realtime.TicketTTL,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Tickets:          tickets,
		Store:            store,
		Coordinator:      coordinator,
		Registry:         registry,
		Relay:            relay,
		Realtime: server.RealtimeSettings{
			EventsPerSecond: appConfig.Realtime.EventsPerSecond,
			EventBurst:      appConfig.Realtime.EventBurst,
			PingInterval:    appConfig.Realtime.PingInterval,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		FrameLimits:    serviceMetrics,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newRedisBridge returns nils when no Redis URL is configured. The caller owns the returned client.
func newRedisBridge(cfg config.RedisConfig, logger *zap.Logger) (*realtime.RedisBridge, *redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil, nil
	}
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	bridge, err := realtime.NewRedisBridge(realtime.RedisBridgeConfig{
		Client:     client,
		Channel:    cfg.Channel,
		InstanceID: uuid.NewString(),
		Logger:     logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return bridge, client, nil
}
