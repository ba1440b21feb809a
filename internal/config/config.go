// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SalesforceConfig holds the CRM connection settings.
type SalesforceConfig struct {
	LoginURL           string
	ClientID           string
	ClientSecret       string
	Username           string
	Password           string
	SecurityToken      string
	APIVersion         string
	GenericProductCode string
}

// Enabled reports whether enough credentials are present to connect.
func (c SalesforceConfig) Enabled() bool {
	return c.ClientID != "" && c.Username != "" && c.Password != ""
}

// BusinessCentralConfig holds the ERP connection settings.
type BusinessCentralConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Environment  string
	CompanyID    string
	GLAccount    string
}

func (c BusinessCentralConfig) Enabled() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// SupabaseConfig selects Supabase Storage for attachment blobs.
type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
}

func (c SupabaseConfig) Enabled() bool {
	return c.URL != "" && c.ServiceKey != ""
}

// OpenAIConfig configures the extraction model client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Models     []string
	Timeout    time.Duration
	MaxRetries int
}

// IMAPConfig configures the mailbox poller. It is off when Addr is empty.
type IMAPConfig struct {
	Addr      string
	Username  string
	Password  string
	Folder    string
	Insecure  bool
	Interval  time.Duration
	ItemDelay time.Duration
	DedupTTL  time.Duration
}

func (c IMAPConfig) Enabled() bool {
	return c.Addr != ""
}

// SyncConfig tunes the external sync orchestrator and its sweeper.
type SyncConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration
}

// Config holds all configuration for the order intake service.
type Config struct {
	// Server
	Port      int
	LogLevel  slog.Level
	SentryDSN string
	Env       string
	// APIToken protects the admin API. Empty leaves it open.
	APIToken string

	// Storage. An empty DatabaseURL selects the in-memory store and an
	// empty RedisURL the in-process queue.
	DatabaseURL string
	RedisURL    string
	TasksQueue  string
	Workers     int
	SpoolDir    string
	BlobDir     string
	Supabase    SupabaseConfig

	// Inbound limits
	MaxFileSize int64
	MaxFiles    int

	OpenAI          OpenAIConfig
	Salesforce      SalesforceConfig
	BusinessCentral BusinessCentralConfig
	IMAP            IMAPConfig
	Sync            SyncConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Tasks string `yaml:"tasks"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Storage struct {
		Dir      string `yaml:"dir"`
		Supabase struct {
			URL        string `yaml:"url"`
			ServiceKey string `yaml:"service_key"`
			Bucket     string `yaml:"bucket"`
		} `yaml:"supabase"`
	} `yaml:"storage"`
	OpenAI struct {
		APIKey  string   `yaml:"api_key"`
		BaseURL string   `yaml:"base_url"`
		Models  []string `yaml:"models"`
	} `yaml:"openai"`
	Salesforce struct {
		LoginURL           string `yaml:"login_url"`
		ClientID           string `yaml:"client_id"`
		ClientSecret       string `yaml:"client_secret"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		SecurityToken      string `yaml:"security_token"`
		APIVersion         string `yaml:"api_version"`
		GenericProductCode string `yaml:"generic_product_code"`
	} `yaml:"salesforce"`
	BusinessCentral struct {
		TenantID     string `yaml:"tenant_id"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		Environment  string `yaml:"environment"`
		CompanyID    string `yaml:"company_id"`
		GLAccount    string `yaml:"gl_account"`
	} `yaml:"business_central"`
	IMAP struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Folder   string `yaml:"folder"`
	} `yaml:"imap"`
	Sentry struct {
		DSN string `yaml:"dsn"`
	} `yaml:"sentry"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A .env file in the working
// directory is loaded first when present; a missing config file leaves
// every value to the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("no config file, using environment only", "path", configPath)
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		Port:      envOrDefaultInt("PORT", 8080),
		LogLevel:  parseLevel(envOrDefault("LOG_LEVEL", "info")),
		SentryDSN: firstNonEmpty(raw.Sentry.DSN, os.Getenv("SENTRY_DSN")),
		Env:       envOrDefault("APP_ENV", "development"),
		APIToken:  os.Getenv("API_TOKEN"),

		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		TasksQueue:  firstNonEmpty(raw.Redis.Queues.Tasks, envOrDefault("TASKS_QUEUE", "orderintake:tasks")),
		Workers:     envOrDefaultInt("WORKERS", 4),
		SpoolDir:    envOrDefault("SPOOL_DIR", os.TempDir()+"/orderintake-spool"),
		BlobDir:     firstNonEmpty(raw.Storage.Dir, envOrDefault("BLOB_DIR", "data/blobs")),
		Supabase: SupabaseConfig{
			URL:        firstNonEmpty(raw.Storage.Supabase.URL, os.Getenv("SUPABASE_URL")),
			ServiceKey: firstNonEmpty(raw.Storage.Supabase.ServiceKey, os.Getenv("SUPABASE_SERVICE_KEY")),
			Bucket:     firstNonEmpty(raw.Storage.Supabase.Bucket, envOrDefault("SUPABASE_BUCKET", "attachments")),
		},

		MaxFileSize: int64(envOrDefaultInt("MAX_FILE_SIZE", 10<<20)),
		MaxFiles:    envOrDefaultInt("MAX_FILES", 10),

		OpenAI: OpenAIConfig{
			APIKey:     firstNonEmpty(raw.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
			BaseURL:    firstNonEmpty(raw.OpenAI.BaseURL, os.Getenv("OPENAI_BASE_URL")),
			Models:     raw.OpenAI.Models,
			Timeout:    envOrDefaultDuration("OPENAI_TIMEOUT", 60*time.Second),
			MaxRetries: envOrDefaultInt("OPENAI_MAX_RETRIES", 3),
		},
		Salesforce: SalesforceConfig{
			LoginURL:           firstNonEmpty(raw.Salesforce.LoginURL, os.Getenv("SF_LOGIN_URL")),
			ClientID:           firstNonEmpty(raw.Salesforce.ClientID, os.Getenv("SF_CLIENT_ID")),
			ClientSecret:       firstNonEmpty(raw.Salesforce.ClientSecret, os.Getenv("SF_CLIENT_SECRET")),
			Username:           firstNonEmpty(raw.Salesforce.Username, os.Getenv("SF_USERNAME")),
			Password:           firstNonEmpty(raw.Salesforce.Password, os.Getenv("SF_PASSWORD")),
			SecurityToken:      firstNonEmpty(raw.Salesforce.SecurityToken, os.Getenv("SF_SECURITY_TOKEN")),
			APIVersion:         raw.Salesforce.APIVersion,
			GenericProductCode: raw.Salesforce.GenericProductCode,
		},
		BusinessCentral: BusinessCentralConfig{
			TenantID:     firstNonEmpty(raw.BusinessCentral.TenantID, os.Getenv("BC_TENANT_ID")),
			ClientID:     firstNonEmpty(raw.BusinessCentral.ClientID, os.Getenv("BC_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.BusinessCentral.ClientSecret, os.Getenv("BC_CLIENT_SECRET")),
			Environment:  firstNonEmpty(raw.BusinessCentral.Environment, envOrDefault("BC_ENVIRONMENT", "production")),
			CompanyID:    firstNonEmpty(raw.BusinessCentral.CompanyID, os.Getenv("BC_COMPANY_ID")),
			GLAccount:    firstNonEmpty(raw.BusinessCentral.GLAccount, os.Getenv("BC_GL_ACCOUNT")),
		},
		IMAP: IMAPConfig{
			Addr:      firstNonEmpty(raw.IMAP.Addr, os.Getenv("IMAP_ADDR")),
			Username:  firstNonEmpty(raw.IMAP.Username, os.Getenv("IMAP_USERNAME")),
			Password:  firstNonEmpty(raw.IMAP.Password, os.Getenv("IMAP_PASSWORD")),
			Folder:    firstNonEmpty(raw.IMAP.Folder, envOrDefault("IMAP_FOLDER", "INBOX")),
			Insecure:  envOrDefaultBool("IMAP_INSECURE", false),
			Interval:  envOrDefaultDuration("IMAP_POLL_INTERVAL", 60*time.Second),
			ItemDelay: envOrDefaultDuration("IMAP_ITEM_DELAY", 4500*time.Millisecond),
			DedupTTL:  envOrDefaultDuration("DEDUP_TTL", 72*time.Hour),
		},
		Sync: SyncConfig{
			MaxAttempts:   envOrDefaultInt("SYNC_MAX_ATTEMPTS", 3),
			BaseDelay:     envOrDefaultDuration("SYNC_BASE_DELAY", 2*time.Second),
			MaxDelay:      envOrDefaultDuration("SYNC_MAX_DELAY", time.Minute),
			SweepInterval: envOrDefaultDuration("SYNC_SWEEP_INTERVAL", 5*time.Minute),
			SweepGrace:    envOrDefaultDuration("SYNC_SWEEP_GRACE", 10*time.Minute),
		},
	}

	if len(cfg.OpenAI.Models) == 0 {
		if v := os.Getenv("OPENAI_MODELS"); v != "" {
			cfg.OpenAI.Models = splitList(v)
		} else {
			cfg.OpenAI.Models = []string{"gpt-4o-mini", "gpt-4o"}
		}
	}

	return cfg, nil
}

// Validate reports every structural problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1"))
	}
	if c.MaxFileSize < 1 {
		errs = append(errs, fmt.Errorf("max file size must be positive"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync max attempts must be at least 1"))
	}
	if (c.Supabase.URL == "") != (c.Supabase.ServiceKey == "") {
		errs = append(errs, fmt.Errorf("supabase needs both url and service key"))
	}
	if c.IMAP.Enabled() && c.IMAP.Username == "" {
		errs = append(errs, fmt.Errorf("imap username is required when imap addr is set"))
	}
	if c.BusinessCentral.ClientID != "" && !c.BusinessCentral.Enabled() {
		errs = append(errs, fmt.Errorf("business central needs tenant id, client id and client secret"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
