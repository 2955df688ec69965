package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve in minimal images

	"gopkg.in/yaml.v3"
)

const DefaultRoutingMirror = "https://router.project-osrm.org"

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from an optional YAML file named by CONFIG_FILE, then from
// environment variables, over the defaults below.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout"`

	BaseURL     string        `yaml:"base_url"`
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	CronKey     string        `yaml:"cron_key"`
	CORSOrigins []string      `yaml:"cors_origins"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`
	Debug         bool   `yaml:"debug"`

	RoutingMirrors      []string      `yaml:"routing_mirrors"`
	RoutingTimeout      time.Duration `yaml:"routing_timeout"`
	RoutingProbeTimeout time.Duration `yaml:"routing_probe_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaMailTopic string   `yaml:"kafka_mail_topic"`

	SMTP SMTPConfig `yaml:"smtp"`

	Timezone string         `yaml:"timezone"`
	Location *time.Location `yaml:"-"`

	LogLevel string `yaml:"log_level"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        35 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		BaseURL:             "http://localhost:8080",
		TokenTTL:            7 * 24 * time.Hour,
		RoutingMirrors:      []string{DefaultRoutingMirror},
		RoutingTimeout:      10 * time.Second,
		RoutingProbeTimeout: 5 * time.Second,
		RequestTimeout:      30 * time.Second,
		KafkaMailTopic:      "carpool-mail",
		SMTP:                SMTPConfig{Port: 587, From: "covoiturage@localhost"},
		Timezone:            "Europe/Paris",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.BaseURL, "BASE_URL")
	setStringFromEnv(&cfg.TokenSecret, "TOKEN_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)
	setStringFromEnv(&cfg.CronKey, "CRON_KEY")
	setListFromEnv(&cfg.CORSOrigins, "CORS_ORIGINS")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setBoolFromEnv(&cfg.Debug, "DEBUG", &errs)

	setListFromEnv(&cfg.RoutingMirrors, "ROUTING_MIRRORS")
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RoutingProbeTimeout, "ROUTING_PROBE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "REQUEST_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}

	setListFromEnv(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setStringFromEnv(&cfg.KafkaMailTopic, "KAFKA_MAIL_TOPIC")

	loadSMTPFromEnv(&cfg.SMTP, &errs)

	setStringFromEnv(&cfg.Timezone, "TIMEZONE")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE: %w", err))
	}
	cfg.Location = loc

	if !cfg.Debug {
		if cfg.TokenSecret == "" {
			errs = append(errs, errors.New("TOKEN_SECRET is required"))
		}
		if cfg.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required"))
		}
	}
	if len(cfg.RoutingMirrors) == 0 {
		errs = append(errs, errors.New("ROUTING_MIRRORS must list at least one mirror"))
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the mail consumer process.
type ConsumerConfig struct {
	MetricsAddr    string        `yaml:"metrics_addr"`
	KafkaBrokers   []string      `yaml:"kafka_brokers"`
	KafkaMailTopic string        `yaml:"kafka_mail_topic"`
	KafkaGroup     string        `yaml:"kafka_group"`
	SMTP           SMTPConfig    `yaml:"smtp"`
	SendAttempts   int           `yaml:"send_attempts"`
	SendBackoff    time.Duration `yaml:"send_backoff"`
	LogLevel       string        `yaml:"log_level"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaMailTopic: "carpool-mail",
		KafkaGroup:     "carpool-mailer",
		SMTP:           SMTPConfig{Host: "localhost", Port: 587, From: "covoiturage@localhost"},
		SendAttempts:   3,
		SendBackoff:    500 * time.Millisecond,
		LogLevel:       "info",
	}
	var errs []error
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setListFromEnv(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	setStringFromEnv(&cfg.KafkaMailTopic, "KAFKA_MAIL_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	loadSMTPFromEnv(&cfg.SMTP, &errs)
	setIntFromEnv(&cfg.SendAttempts, "SEND_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SendBackoff, "SEND_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.SMTP.Host == "" {
		errs = append(errs, errors.New("SMTP_HOST is required"))
	}
	if cfg.SendAttempts <= 0 {
		errs = append(errs, errors.New("SEND_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func loadYAML(path string, target any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(b, target); err != nil {
		return fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func loadSMTPFromEnv(s *SMTPConfig, errs *[]error) {
	setStringFromEnv(&s.Host, "SMTP_HOST")
	setIntFromEnv(&s.Port, "SMTP_PORT", errs)
	setStringFromEnv(&s.User, "SMTP_USER")
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		s.Password = v
	}
	setStringFromEnv(&s.From, "MAIL_FROM")
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setListFromEnv(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = splitAndTrim(v)
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
