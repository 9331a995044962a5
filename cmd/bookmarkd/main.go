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

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/batchupdate"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/config"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/database"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/lockmgr"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/server"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/stagekey"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/staging"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	rootCmd := &cobra.Command{
		Use:   "bookmarkd",
		Short: "Bookmark service with deferred, coalesced updates",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newDrainCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("staging-key-hex", "", "AES-256 staging key, 64 hex characters (overrides env)")
	cmd.PersistentFlags().String("staging-backend", defaults.GetString("staging.backend"), "Staging backend (sql, memory)")
	cmd.PersistentFlags().Duration("drain-interval", defaults.GetDuration("drain.interval"), "Interval between drain passes")
	cmd.PersistentFlags().Bool("drain-enabled", defaults.GetBool("drain.enabled"), "Run the drainer alongside the HTTP server")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "staging.key_hex", "staging-key-hex")
	bindFlag(cmd, "staging.backend", "staging-backend")
	bindFlag(cmd, "drain.interval", "drain-interval")
	bindFlag(cmd, "drain.enabled", "drain-enabled")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run a single drain pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrainOnce(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to place in the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional user email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// application holds the components shared by the serve and drain commands.
type application struct {
	registry  *prometheus.Registry
	service   *bookmarks.Service
	sessions  *auth.SessionValidator
	stager    *batchupdate.Stager
	drainer   *batchupdate.Drainer
	realtime  *server.RealtimeDispatcher
	closeFunc func()
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { _ = sqlDB.Close() }}
	closeAll := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			closers[index]()
		}
	}

	store, locks, err := buildStaging(appConfig, db)
	if err != nil {
		closeAll()
		return nil, err
	}
	if memoryStore, ok := store.(*staging.MemoryStore); ok {
		closers = append(closers, memoryStore.Close)
	}

	codec, err := stagekey.NewAESCodec(stagekey.Config{
		KeyHex:    appConfig.StagingKeyHex,
		Namespace: appConfig.StagingNamespace,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	service, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: bookmarks.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := batchupdate.NewMetrics(registry)

	stager, err := batchupdate.NewStager(batchupdate.StagerConfig{
		Store:   store,
		Codec:   codec,
		TTL:     appConfig.StagingTTL,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	applier, err := batchupdate.NewApplier(batchupdate.ApplierConfig{
		Validator: sessions,
		Bookmarks: service,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher()
	drainer, err := batchupdate.NewDrainer(batchupdate.DrainerConfig{
		Store:     store,
		Locks:     locks,
		Codec:     codec,
		Applier:   applier,
		LockTTL:   appConfig.DrainLockTTL,
		Interval:  appConfig.DrainInterval,
		PageSize:  appConfig.DrainPageSize,
		Metrics:   metrics,
		OnApplied: realtime.PublishApplied,
		Logger:    logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	return &application{
		registry:  registry,
		service:   service,
		sessions:  sessions,
		stager:    stager,
		drainer:   drainer,
		realtime:  realtime,
		closeFunc: closeAll,
	}, nil
}

func buildStaging(appConfig config.AppConfig, db *gorm.DB) (staging.Store, lockmgr.Manager, error) {
	switch appConfig.StagingBackend {
	case config.StagingBackendMemory:
		store := staging.NewMemoryStore(staging.MemoryStoreConfig{FallbackTTL: appConfig.StagingTTL})
		return store, lockmgr.NewMemoryManager(time.Now), nil
	default:
		store, err := staging.NewSQLStore(staging.SQLStoreConfig{Database: db, FallbackTTL: appConfig.StagingTTL})
		if err != nil {
			return nil, nil, err
		}
		locks, err := lockmgr.NewSQLManager(db, time.Now)
		if err != nil {
			return nil, nil, err
		}
		return store, locks, nil
	}
}

func (a *application) Close() {
	if a.closeFunc != nil {
		a.closeFunc()
	}
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runDrainOnce(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.drainer.RunOnce(ctx)
	if err != nil {
		return err
	}
	logger.Info("drain finished",
		zap.Bool("lock_granted", report.LockGranted),
		zap.Int("scanned", report.Scanned),
		zap.Int("applied", report.Applied),
		zap.Any("dropped", report.Dropped))
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	limiter := server.NewCallerLimiter(appConfig.IngressRatePerSecond, appConfig.IngressBurst)
	defer limiter.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       app.sessions,
		Scheduler:      app.stager,
		Bookmarks:      app.service,
		Realtime:       app.realtime,
		Limiter:        limiter,
		Metrics:        promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if appConfig.DrainEnabled {
		group.Go(func() error {
			return app.drainer.Run(groupCtx)
		})
	}

	return group.Wait()
}
