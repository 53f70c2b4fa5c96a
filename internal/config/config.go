package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	Bedrock  BedrockConfig  `yaml:"bedrock"`
	SES      SESConfig      `yaml:"ses"`
	Browser  BrowserConfig  `yaml:"browser"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	IMAP     IMAPConfig     `yaml:"imap"`
	Report   ReportConfig   `yaml:"report"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"` // public case URL prefix, e.g. https://phishing.support
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// BusConfig selects the event-bus transport.
type BusConfig struct {
	// Transport is "memory" for single-process deployments or "redis"
	// when the API and the pipeline run in separate processes.
	Transport string `yaml:"transport"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// BedrockConfig holds the analysis-engine model settings.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	AnalysisModel   string `yaml:"analysis_model"`
	ClassifyModel   string `yaml:"classify_model"`
	DraftModel      string `yaml:"draft_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-stream timeout as a duration.
func (c BedrockConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds outbound report-mail settings.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	From      string `yaml:"from"` // e.g. Phishing Support <report@phishing.support>
}

// BrowserConfig holds headless-browser settings for the archival service.
type BrowserConfig struct {
	ExecPath          string `yaml:"exec_path"`
	Headless          bool   `yaml:"headless"`
	NoSandbox         bool   `yaml:"no_sandbox"`
	ProxyURL          string `yaml:"proxy_url"`
	NavTimeoutSeconds int    `yaml:"nav_timeout_seconds"`
}

// NavTimeout returns the navigation timeout as a duration.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// EnrichConfig holds WHOIS/RDAP lookup settings.
type EnrichConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

// Timeout returns the per-lookup timeout as a duration.
func (c EnrichConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IMAPConfig holds the mailbox-listener settings.
type IMAPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Pass          string `yaml:"pass"`
	Mailbox       string `yaml:"mailbox"`
	ListenAddress string `yaml:"listen_address"` // monitored address, e.g. report@phishing.support
}

// ReportConfig holds abuse-reporting channel settings.
type ReportConfig struct {
	ContactName          string `yaml:"contact_name"`
	ContactEmail         string `yaml:"contact_email"`
	WebRiskProjectNumber string `yaml:"webrisk_project_number"`
	CloudflareEnabled    bool   `yaml:"cloudflare_enabled"`
	MaxAttempts          int    `yaml:"max_attempts"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Redact *bool  `yaml:"redact"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "https://phishing.support"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = "memory"
	}
	if cfg.Bus.RedisAddr == "" {
		cfg.Bus.RedisAddr = "localhost:6379"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.AnalysisModel == "" {
		cfg.Bedrock.AnalysisModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}
	if cfg.Bedrock.ClassifyModel == "" {
		cfg.Bedrock.ClassifyModel = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}
	if cfg.Bedrock.DraftModel == "" {
		cfg.Bedrock.DraftModel = cfg.Bedrock.AnalysisModel
	}
	if cfg.Bedrock.MaxOutputTokens == 0 {
		cfg.Bedrock.MaxOutputTokens = 8192
	}
	if cfg.Bedrock.TimeoutSeconds == 0 {
		cfg.Bedrock.TimeoutSeconds = 300
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.From == "" {
		cfg.SES.From = "Phishing Support <report@phishing.support>"
	}
	if cfg.Browser.NavTimeoutSeconds == 0 {
		cfg.Browser.NavTimeoutSeconds = 30
	}
	if cfg.Enrich.TimeoutSeconds == 0 {
		cfg.Enrich.TimeoutSeconds = 15
	}
	if cfg.Enrich.MaxRetries == 0 {
		cfg.Enrich.MaxRetries = 2
	}
	if cfg.IMAP.Port == 0 {
		cfg.IMAP.Port = 993
	}
	if cfg.IMAP.Mailbox == "" {
		cfg.IMAP.Mailbox = "INBOX"
	}
	if cfg.Report.ContactName == "" {
		cfg.Report.ContactName = "Phishing Support"
	}
	if cfg.Report.ContactEmail == "" {
		cfg.Report.ContactEmail = "report@phishing.support"
	}
	if cfg.Report.MaxAttempts == 0 {
		cfg.Report.MaxAttempts = 3
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real environment variables in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file is fine; run on defaults + env.
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("BUS_TRANSPORT"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Bus.RedisAddr = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Bedrock.Region = v
		cfg.SES.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Bedrock.AccessKey = v
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Bedrock.SecretKey = v
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.SES.From = v
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		cfg.Browser.ExecPath = v
	}
	if v := os.Getenv("PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if os.Getenv("PUPPETEER_NO_SANDBOX") == "true" || os.Getenv("DOCKER") == "true" {
		cfg.Browser.NoSandbox = true
	}
	if v := os.Getenv("IMAP_HOST"); v != "" {
		cfg.IMAP.Host = v
		cfg.IMAP.Enabled = true
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.IMAP.Port = port
		}
	}
	if v := os.Getenv("IMAP_USER"); v != "" {
		cfg.IMAP.User = v
	}
	if v := os.Getenv("IMAP_PASS"); v != "" {
		cfg.IMAP.Pass = v
	}
	if v := os.Getenv("IMAP_MAILBOX"); v != "" {
		cfg.IMAP.Mailbox = v
	}
	if v := os.Getenv("IMAP_LISTEN_ADDRESS"); v != "" {
		cfg.IMAP.ListenAddress = v
	}
	if v := os.Getenv("WEBRISK_PROJECT_NUMBER"); v != "" {
		cfg.Report.WebRiskProjectNumber = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
