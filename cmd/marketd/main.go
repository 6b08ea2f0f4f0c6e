package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/marketledger/internal/notify"
	"github.com/MarkoPoloResearchLab/marketledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/settlement"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix = "MARKETD"

	flagDatabaseURL       = "database-url"
	flagLedgerStore       = "ledger-store"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagAdminUserIDs      = "admin-user-ids"
	flagDeliveryDelay     = "delivery-delay"
	flagSweepInterval     = "sweep-interval"
	flagRedisAddr         = "redis-addr"
	flagKafkaBrokers      = "kafka-brokers"
	flagKafkaTopic        = "kafka-topic"

	ledgerStoreGorm = "gorm"
	ledgerStorePgx  = "pgx"

	defaultDatabaseURL   = "sqlite:///tmp/marketledger.db"
	defaultListenAddr    = ":8080"
	defaultDeliveryDelay = time.Hour
	defaultSweepInterval = time.Minute
	defaultKafkaTopic    = "marketledger.changes"
)

type runtimeConfig struct {
	DatabaseURL   string
	LedgerStore   string
	DeliveryDelay time.Duration
	SweepInterval time.Duration
	RedisAddr     string
	KafkaBrokers  []string
	KafkaTopic    string
	HTTP          httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "marketd",
		Short:         "Marketplace order settlement daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres:// or sqlite:// URL, a sqlite path, or memory://")
	flags.String(flagLedgerStore, ledgerStoreGorm, "ledger persistence on postgres: gorm or pgx")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "", "tauth session issuer")
	flags.String(flagSessionCookie, "", "tauth session cookie name")
	flags.String(flagAdminUserIDs, "", "comma-separated admin user ids")
	flags.Duration(flagDeliveryDelay, defaultDeliveryDelay, "time after shipping before delivery is assumed")
	flags.Duration(flagSweepInterval, defaultSweepInterval, "how often overdue deliveries are swept")
	flags.String(flagRedisAddr, "", "redis address for cache invalidation (optional)")
	flags.String(flagKafkaBrokers, "", "comma-separated kafka brokers for change events (optional)")
	flags.String(flagKafkaTopic, defaultKafkaTopic, "kafka topic for change events")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.LedgerStore = strings.ToLower(strings.TrimSpace(settings.GetString(flagLedgerStore)))
	if cfg.LedgerStore != ledgerStoreGorm && cfg.LedgerStore != ledgerStorePgx {
		return fmt.Errorf("ledger store must be %q or %q, got %q", ledgerStoreGorm, ledgerStorePgx, cfg.LedgerStore)
	}
	cfg.DeliveryDelay = settings.GetDuration(flagDeliveryDelay)
	if cfg.DeliveryDelay <= 0 {
		return fmt.Errorf("delivery delay must be positive")
	}
	cfg.SweepInterval = settings.GetDuration(flagSweepInterval)
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	cfg.RedisAddr = strings.TrimSpace(settings.GetString(flagRedisAddr))
	cfg.KafkaBrokers = httpapi.ParseList(settings.GetString(flagKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(settings.GetString(flagKafkaTopic))
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}

	cfg.HTTP = httpapi.Config{
		ListenAddr:        settings.GetString(flagListenAddr),
		AllowedOrigins:    httpapi.ParseList(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey: settings.GetString(flagSessionSigningKey),
		SessionIssuer:     settings.GetString(flagSessionIssuer),
		SessionCookieName: settings.GetString(flagSessionCookie),
		AdminUserIDs:      httpapi.ParseList(settings.GetString(flagAdminUserIDs)),
	}
	return cfg.HTTP.Validate()
}

func run(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	notifier, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(stores.ledger, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	coordinator, err := settlement.NewCoordinator(ledgerService, stores.orders, clock,
		settlement.WithLogger(logger.Named("settlement")),
		settlement.WithChangeNotifier(notifier),
		settlement.WithDeliveryDelay(cfg.DeliveryDelay),
	)
	if err != nil {
		return fmt.Errorf("coordinator init: %w", err)
	}
	defer coordinator.Close()

	validator, err := httpapi.NewSessionValidator(cfg.HTTP)
	if err != nil {
		return err
	}
	handler := httpapi.NewHandler(cfg.HTTP, ledgerService, coordinator, logger.Named("http"))
	router := httpapi.NewRouter(cfg.HTTP, handler, httpapi.SessionMiddleware(validator))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Serve(groupCtx, cfg.HTTP, router, logger)
	})
	group.Go(func() error {
		return coordinator.RunDeliverySweeper(groupCtx, cfg.SweepInterval)
	})
	logger.Info("marketd started",
		zap.String("ledger_store", stores.description),
		zap.Duration("delivery_delay", cfg.DeliveryDelay),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)
	return group.Wait()
}

func buildNotifier(cfg *runtimeConfig, logger *zap.Logger) (settlement.ChangeNotifier, func()) {
	var (
		subscribers []settlement.ChangeNotifier
		closers     []func() error
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		subscribers = append(subscribers, notify.NewRedisInvalidator(client, logger.Named("redis")))
		closers = append(closers, client.Close)
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		clock := func() int64 { return time.Now().UTC().Unix() }
		subscribers = append(subscribers, notify.NewKafkaPublisher(writer, clock, logger.Named("kafka")))
		closers = append(closers, writer.Close)
	}
	return notify.NewFanout(subscribers...), func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("notifier close failed", zap.Error(err))
			}
		}
	}
}
