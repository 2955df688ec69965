package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/example/carpool/internal/carpool"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("carpool-server", pflag.ContinueOnError)
	configFile := flags.String("config", "", "YAML config file (overrides CONFIG_FILE)")
	addr := flags.String("addr", "", "listen address (overrides HTTP_ADDR)")
	migrate := flags.Bool("migrate", false, "apply database migrations before serving")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *migrate {
		cfg.RunMigrations = true
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, pg.DB(), logger); err != nil {
				return err
			}
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set; using in-memory store")
		store = storage.NewMemoryStore()
	}

	var ledger storage.ReminderLedger = storage.NewMemoryLedger()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; reminders may repeat across replicas", "addr", cfg.RedisAddr, "error", err)
		}
		ledger = storage.NewRedisLedger(rc)
	}

	var mailer dispatch.Mailer
	switch {
	case len(cfg.KafkaBrokers) > 0:
		q := dispatch.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaMailTopic)
		defer q.Close()
		mailer = q
		logger.Info("mail queued to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaMailTopic)
	case cfg.SMTP.Host != "":
		mailer = dispatch.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From)
		logger.Info("mail sent over smtp", "host", cfg.SMTP.Host)
	default:
		mailer = &dispatch.LogMailer{Logger: logger}
		logger.Warn("no mail transport configured; emails are logged only")
	}

	secret := cfg.TokenSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("TOKEN_SECRET not set; links will not survive a restart")
	}

	feed := dispatch.NewFeedHub(logger)
	svc := &carpool.Service{
		Store:          store,
		Router:         routing.NewClient(cfg.RoutingMirrors, cfg.RoutingTimeout, logger),
		Mailer:         mailer,
		Tokens:         token.NewSigner(secret),
		Clock:          clock.Real(cfg.Location),
		Feed:           feed,
		Ledger:         ledger,
		Logger:         logger,
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		ProbeTimeout:   cfg.RoutingProbeTimeout,
		TokenTTL:       cfg.TokenTTL,
	}
	handler := httpapi.NewServer(svc, feed, httpapi.Options{
		CronKey:     cfg.CronKey,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool listening", "addr", cfg.HTTPAddr, "timezone", cfg.Timezone)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func randomSecret() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
