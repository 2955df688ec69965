// Command consumer delivers the emails the API server queues on Kafka.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total mail messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total undecodable mail messages",
	})
	mailsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_emails_sent_total",
		Help:      "Emails delivered over SMTP",
	}, []string{"kind"})
	mailErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carpool",
		Name:      "consumer_email_errors_total",
		Help:      "Emails dropped after exhausting retries",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, mailsSent, mailErrors)
}

func main() {
	flags := pflag.NewFlagSet("carpool-consumer", pflag.ContinueOnError)
	metricsAddr := flags.String("metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	sender := dispatch.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: the first broker accepts connections
			conn, err := kafka.DialContext(r.Context(), "tcp", cfg.KafkaBrokers[0])
			if err != nil {
				http.Error(w, "kafka not ready", http.StatusServiceUnavailable)
				return
			}
			_ = conn.Close()
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaMailTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaMailTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		e, err := dispatch.DecodeEmail(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := sendWithRetry(ctx, sender, e, cfg.SendAttempts, cfg.SendBackoff); err != nil {
			mailErrors.WithLabelValues(e.Kind).Inc()
			logger.Error("email dropped", "kind", e.Kind, "to", e.To, "error", err)
			continue
		}
		mailsSent.WithLabelValues(e.Kind).Inc()
	}
}

// sendWithRetry delivers e, doubling delay between attempts.
func sendWithRetry(ctx context.Context, m dispatch.Mailer, e dispatch.Email, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.Send(ctx, e); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("send %s to %s after %d attempts: %w", e.Kind, e.To, attempts, err)
}
