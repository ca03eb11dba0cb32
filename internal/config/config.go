// Package config loads service configuration from a YAML file and the
// environment.  Environment variables always win over file values so the
// service can run from env alone.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Session       SessionConfig       `yaml:"session"`
	LLM           LLMConfig           `yaml:"llm"`
	Twilio        TwilioConfig        `yaml:"twilio"`
	TTS           TTSConfig           `yaml:"tts"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	SMTP          SMTPConfig          `yaml:"smtp"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Finalize      FinalizeConfig      `yaml:"finalize"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	// Firms seeds the in-memory repository.  Ignored by the postgres driver.
	Firms []FirmConfig `yaml:"firms"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// PublicURL is the externally reachable base URL used in callback URLs.
	PublicURL string `yaml:"public_url"`
	// AdminToken guards the call deletion endpoint; empty disables it.
	AdminToken string `yaml:"admin_token"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	// NotifyChannel is the Postgres NOTIFY channel for call status events.
	NotifyChannel string `yaml:"notify_channel"`
}

type SessionConfig struct {
	// Store is "memory" or "postgres".
	Store       string        `yaml:"store"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type LLMConfig struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	ChatModel          string  `yaml:"chat_model"`
	SummaryModel       string  `yaml:"summary_model"`
	TurnTemperature    float32 `yaml:"turn_temperature"`
	SummaryTemperature float32 `yaml:"summary_temperature"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	// VerifySignatures rejects webhooks without a valid X-Twilio-Signature.
	VerifySignatures bool   `yaml:"verify_signatures"`
	Voice            string `yaml:"voice"`
	Language         string `yaml:"language"`
}

type TTSConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Region     string        `yaml:"region"`
	VoiceID    string        `yaml:"voice_id"`
	Engine     string        `yaml:"engine"`
	CacheSize  int           `yaml:"cache_size"`
	Timeout    time.Duration `yaml:"timeout"`
	PrewarmAll bool          `yaml:"prewarm"`
}

type TranscriptionConfig struct {
	APIKey   string        `yaml:"api_key"`
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type FinalizeConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	Timeout       time.Duration `yaml:"timeout"`
	ClaimTTL      time.Duration `yaml:"claim_ttl"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// FirmConfig describes a firm for single-node development.
type FirmConfig struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Greeting      string   `yaml:"greeting"`
	KnowledgeBase string   `yaml:"knowledge_base"`
	NotifyEmails  []string `yaml:"notify_emails"`
	PhoneNumber   string   `yaml:"phone_number"`
	Timezone      string   `yaml:"timezone"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "postgres", NotifyChannel: "call_events"},
		Session: SessionConfig{
			Store:       "memory",
			IdleTimeout: 10 * time.Minute,
			LockTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			ChatModel:          "gpt-4o-mini",
			TurnTemperature:    0.7,
			SummaryTemperature: 0.3,
		},
		Twilio: TwilioConfig{Voice: "alice", Language: "en-US"},
		TTS: TTSConfig{
			Region:    "us-east-1",
			VoiceID:   "Joanna",
			Engine:    "neural",
			CacheSize: 100,
			Timeout:   15 * time.Second,
		},
		Transcription: TranscriptionConfig{
			Endpoint: "https://api.deepgram.com/v1/listen",
			Model:    "nova-2",
			Timeout:  60 * time.Second,
		},
		SMTP:    SMTPConfig{Port: 587},
		Archive: ArchiveConfig{Prefix: "calls/", Region: "us-east-1"},
		Finalize: FinalizeConfig{
			Workers:       4,
			QueueSize:     64,
			Timeout:       2 * time.Minute,
			ClaimTTL:      10 * time.Minute,
			StaleAfter:    15 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{SamplingRate: 1.0},
	}
}

// Load reads the YAML file at path (optional; empty means defaults only),
// expands ${VAR} references, and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decode([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("expected a single YAML document")
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL")
	setString(&cfg.Server.AdminToken, "ADMIN_TOKEN")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Session.Store, "SESSION_STORE")
	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.LLM.ChatModel, "OPENAI_MODEL_CHAT")
	setString(&cfg.LLM.SummaryModel, "OPENAI_MODEL_SUMMARY")
	setString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.TTS.Region, "AWS_REGION")
	setString(&cfg.TTS.VoiceID, "POLLY_VOICE")
	setString(&cfg.Transcription.APIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.SMTP.Port, "SMTP_PORT")
	setString(&cfg.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	setString(&cfg.SMTP.From, "SMTP_FROM")
	setString(&cfg.Archive.Bucket, "ARCHIVE_BUCKET")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if cfg.LLM.SummaryModel == "" {
		cfg.LLM.SummaryModel = cfg.LLM.ChatModel
	}
	if v := getenv("TTS_ENABLED"); v != "" {
		cfg.TTS.Enabled, _ = strconv.ParseBool(v)
	}
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	switch c.Session.Store {
	case "memory":
	case "postgres":
		if c.Database.Driver != "postgres" {
			errs = append(errs, errors.New("postgres session store requires the postgres database driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session store %q", c.Session.Store))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if c.Finalize.Workers <= 0 {
		errs = append(errs, errors.New("finalize.workers must be positive"))
	}
	if c.Finalize.QueueSize <= 0 {
		errs = append(errs, errors.New("finalize.queue_size must be positive"))
	}
	if c.Finalize.Timeout <= 0 || c.Finalize.ClaimTTL <= 0 || c.Finalize.StaleAfter <= 0 {
		errs = append(errs, errors.New("finalize durations must be positive"))
	} else if c.Finalize.Timeout >= c.Finalize.ClaimTTL {
		errs = append(errs, fmt.Errorf("finalize.timeout (%s) must be shorter than finalize.claim_ttl (%s)",
			c.Finalize.Timeout, c.Finalize.ClaimTTL))
	}
	for i, f := range c.Firms {
		if strings.TrimSpace(f.ID) == "" || strings.TrimSpace(f.Name) == "" {
			errs = append(errs, fmt.Errorf("firms[%d]: id and name are required", i))
		}
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// CallbackURL joins the public base URL with path.  Relative paths are
// returned unchanged when no public URL is configured.
func (c Config) CallbackURL(path string) string {
	base := strings.TrimRight(c.Server.PublicURL, "/")
	if base == "" {
		return path
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + path
}
