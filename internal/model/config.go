package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment override,
// e.g. PHISHTRIAGE_MAILBOX_HOST overrides mailbox.host.
const envPrefix = "PHISHTRIAGE"

// Reputation strategies control which URLs of a message are sent to the
// reputation service.
const (
	ReputationFirstURL = "first-url"
	ReputationAllURLs  = "all-urls"
	ReputationSampled  = "sampled"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MailboxConfig holds the IMAP connection settings.
type MailboxConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty; it is then read from the keyring.
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`

	// Folder is the mailbox that is scanned for candidates.
	Folder string `mapstructure:"folder" yaml:"folder"`

	// RejectFolder receives messages without a usable stable identifier.
	// When it cannot be used the message is flagged \Deleted instead.
	RejectFolder string `mapstructure:"reject_folder" yaml:"reject_folder"`

	// StableIDHeader names a header carrying the provider's numeric message
	// identifier (e.g. X-GM-MSGID relays). When empty the identifier is
	// derived from UIDVALIDITY and UID. Only set it for a header the
	// provider always stamps: a sender who can forge the value can reuse
	// a stored identifier and have the message skipped unscored. Messages
	// carrying the header more than once are rejected.
	StableIDHeader string `mapstructure:"stable_id_header" yaml:"stable_id_header"`

	ConnectRetries int           `mapstructure:"connect_retries" yaml:"connect_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StoreConfig selects and configures the message store backend.
type StoreConfig struct {
	Driver             string `mapstructure:"driver" yaml:"driver"`
	DSN                string `mapstructure:"dsn" yaml:"dsn"`
	MaxAttachmentBytes int64  `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
}

// VerifyConfig controls the verification workflow.
type VerifyConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
}

// HeaderWeights are the contributions of each header check.
type HeaderWeights struct {
	SenderMismatch    float64 `mapstructure:"sender_mismatch" yaml:"sender_mismatch"`
	AuthFailure       float64 `mapstructure:"auth_failure" yaml:"auth_failure"`
	RawIPRelay        float64 `mapstructure:"raw_ip_relay" yaml:"raw_ip_relay"`
	ReplyToMismatch   float64 `mapstructure:"reply_to_mismatch" yaml:"reply_to_mismatch"`
	MessageIDMismatch float64 `mapstructure:"message_id_mismatch" yaml:"message_id_mismatch"`
	SuspiciousHeader  float64 `mapstructure:"suspicious_header" yaml:"suspicious_header"`
	GeoMismatch       float64 `mapstructure:"geo_mismatch" yaml:"geo_mismatch"`
	GeoUncertain      float64 `mapstructure:"geo_uncertain" yaml:"geo_uncertain"`
}

// ScoringConfig holds thresholds, weights and the literal lists used by the
// heuristic checks. Lists are loaded once at startup.
type ScoringConfig struct {
	HeaderThreshold float64       `mapstructure:"header_threshold" yaml:"header_threshold"`
	URLThreshold    float64       `mapstructure:"url_threshold" yaml:"url_threshold"`
	HeaderWeights   HeaderWeights `mapstructure:"header_weights" yaml:"header_weights"`

	// SuspiciousHeaders maps a lower-cased header name to values that are
	// suspicious when contained (case-insensitively) in that header.
	SuspiciousHeaders map[string][]string `mapstructure:"suspicious_headers" yaml:"suspicious_headers"`

	MaxURLs          int      `mapstructure:"max_urls" yaml:"max_urls"`
	MaxURLLength     int      `mapstructure:"max_url_length" yaml:"max_url_length"`
	MinDomainAgeDays int      `mapstructure:"min_domain_age_days" yaml:"min_domain_age_days"`
	SuspiciousTLDs   []string `mapstructure:"suspicious_tlds" yaml:"suspicious_tlds"`
	SubdomainBrands  []string `mapstructure:"subdomain_brands" yaml:"subdomain_brands"`
	Keywords         []string `mapstructure:"keywords" yaml:"keywords"`
	SensitivePaths   []string `mapstructure:"sensitive_paths" yaml:"sensitive_paths"`

	// Misspellings maps a brand to known lookalike spellings of it.
	Misspellings map[string][]string `mapstructure:"misspellings" yaml:"misspellings"`

	// Blacklist entries match a full URL, a host or a registrable domain.
	Blacklist []string `mapstructure:"blacklist" yaml:"blacklist"`

	ReputationStrategy   string `mapstructure:"reputation_strategy" yaml:"reputation_strategy"`
	ReputationSampleSize int    `mapstructure:"reputation_sample_size" yaml:"reputation_sample_size"`
}

// IntelConfig configures the external threat-intelligence lookups.
type IntelConfig struct {
	// VirusTotalKey may be left empty; it is then read from the keyring.
	// Without a key the reputation check is unavailable.
	VirusTotalKey     string        `mapstructure:"virustotal_key" yaml:"virustotal_key"`
	VirusTotalURL     string        `mapstructure:"virustotal_url" yaml:"virustotal_url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`

	WhoisEnabled   bool          `mapstructure:"whois_enabled" yaml:"whois_enabled"`
	WhoisTimeout   time.Duration `mapstructure:"whois_timeout" yaml:"whois_timeout"`
	WhoisCacheSize int           `mapstructure:"whois_cache_size" yaml:"whois_cache_size"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// WatchConfig configures the scheduled (watch) mode.
type WatchConfig struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 10m".
	Schedule    string `mapstructure:"schedule" yaml:"schedule"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mailbox MailboxConfig `mapstructure:"mailbox" yaml:"mailbox"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Verify  VerifyConfig  `mapstructure:"verify" yaml:"verify"`
	Scoring ScoringConfig `mapstructure:"scoring" yaml:"scoring"`
	Intel   IntelConfig   `mapstructure:"intel" yaml:"intel"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/phishtriage/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "phishtriage", "config.yaml")
}

// DefaultDataPath returns the default SQLite database location.
func DefaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "phishtriage.db")
	}
	return filepath.Join(home, ".local", "share", "phishtriage", "phishtriage.db")
}

// DefaultScoringConfig returns the stock heuristic configuration.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		HeaderThreshold: 3,
		URLThreshold:    5,
		HeaderWeights: HeaderWeights{
			SenderMismatch:    1,
			AuthFailure:       1,
			RawIPRelay:        0.5,
			ReplyToMismatch:   1,
			MessageIDMismatch: 1,
			SuspiciousHeader:  0.5,
			GeoMismatch:       1,
			GeoUncertain:      0.5,
		},
		SuspiciousHeaders: map[string][]string{
			"x-mailer":    {"unknown", "spam", "fake"},
			"x-priority":  {"1", "high"},
			"x-spam-flag": {"yes"},
		},
		MaxURLs:          3,
		MaxURLLength:     100,
		MinDomainAgeDays: 365,
		SuspiciousTLDs:   []string{".xyz", ".top", ".gq", ".tk", ".ml", ".cf", ".ga", ".buzz"},
		SubdomainBrands:  []string{"paypal", "amazon", "ebay", "bank", "security", "login"},
		Keywords: []string{
			"verify", "login", "secure", "account", "update", "confirm",
			"urgent", "suspended", "limited", "action", "required",
		},
		SensitivePaths: []string{
			"/login.php", "/verify", "/secure", "/account",
			"/admin", "/wp-admin", "/wp-login",
		},
		Misspellings: map[string][]string{
			"paypal": {"paypall", "payypal", "paipal"},
			"amazon": {"amaz0n", "amazoon", "amazn"},
			"ebay":   {"eebay", "ebbay"},
		},
		ReputationStrategy:   ReputationFirstURL,
		ReputationSampleSize: 3,
	}
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Mailbox: MailboxConfig{
			Port:           "993",
			TLS:            true,
			Folder:         "INBOX",
			RejectFolder:   "Rejected",
			ConnectRetries: 3,
			RetryDelay:     2 * time.Second,
			Timeout:        30 * time.Second,
		},
		Store: StoreConfig{
			Driver:             DriverSQLite,
			DSN:                DefaultDataPath(),
			MaxAttachmentBytes: 10 << 20,
		},
		Verify:  VerifyConfig{BatchSize: 5},
		Scoring: DefaultScoringConfig(),
		Intel: IntelConfig{
			VirusTotalURL:     "https://www.virustotal.com/api/v3",
			Timeout:           15 * time.Second,
			RequestsPerMinute: 4,
			WhoisEnabled:      true,
			WhoisTimeout:      10 * time.Second,
			WhoisCacheSize:    1024,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Watch: WatchConfig{
			Schedule:    "@every 10m",
			MetricsAddr: ":9090",
		},
	}
}

// setDefaults registers every scalar default with v so that environment
// overrides resolve even when the key is absent from the file.
func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("mailbox.host", d.Mailbox.Host)
	v.SetDefault("mailbox.port", d.Mailbox.Port)
	v.SetDefault("mailbox.username", d.Mailbox.Username)
	v.SetDefault("mailbox.password", d.Mailbox.Password)
	v.SetDefault("mailbox.tls", d.Mailbox.TLS)
	v.SetDefault("mailbox.folder", d.Mailbox.Folder)
	v.SetDefault("mailbox.reject_folder", d.Mailbox.RejectFolder)
	v.SetDefault("mailbox.stable_id_header", d.Mailbox.StableIDHeader)
	v.SetDefault("mailbox.connect_retries", d.Mailbox.ConnectRetries)
	v.SetDefault("mailbox.retry_delay", d.Mailbox.RetryDelay)
	v.SetDefault("mailbox.timeout", d.Mailbox.Timeout)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_attachment_bytes", d.Store.MaxAttachmentBytes)

	v.SetDefault("verify.batch_size", d.Verify.BatchSize)

	v.SetDefault("scoring.header_threshold", d.Scoring.HeaderThreshold)
	v.SetDefault("scoring.url_threshold", d.Scoring.URLThreshold)
	w := d.Scoring.HeaderWeights
	v.SetDefault("scoring.header_weights.sender_mismatch", w.SenderMismatch)
	v.SetDefault("scoring.header_weights.auth_failure", w.AuthFailure)
	v.SetDefault("scoring.header_weights.raw_ip_relay", w.RawIPRelay)
	v.SetDefault("scoring.header_weights.reply_to_mismatch", w.ReplyToMismatch)
	v.SetDefault("scoring.header_weights.message_id_mismatch", w.MessageIDMismatch)
	v.SetDefault("scoring.header_weights.suspicious_header", w.SuspiciousHeader)
	v.SetDefault("scoring.header_weights.geo_mismatch", w.GeoMismatch)
	v.SetDefault("scoring.header_weights.geo_uncertain", w.GeoUncertain)
	v.SetDefault("scoring.max_urls", d.Scoring.MaxURLs)
	v.SetDefault("scoring.max_url_length", d.Scoring.MaxURLLength)
	v.SetDefault("scoring.min_domain_age_days", d.Scoring.MinDomainAgeDays)
	v.SetDefault("scoring.reputation_strategy", d.Scoring.ReputationStrategy)
	v.SetDefault("scoring.reputation_sample_size", d.Scoring.ReputationSampleSize)

	v.SetDefault("intel.virustotal_key", d.Intel.VirusTotalKey)
	v.SetDefault("intel.virustotal_url", d.Intel.VirusTotalURL)
	v.SetDefault("intel.timeout", d.Intel.Timeout)
	v.SetDefault("intel.requests_per_minute", d.Intel.RequestsPerMinute)
	v.SetDefault("intel.whois_enabled", d.Intel.WhoisEnabled)
	v.SetDefault("intel.whois_timeout", d.Intel.WhoisTimeout)
	v.SetDefault("intel.whois_cache_size", d.Intel.WhoisCacheSize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.log_file", d.Log.LogFile)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("watch.schedule", d.Watch.Schedule)
	v.SetDefault("watch.metrics_addr", d.Watch.MetricsAddr)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A .env file in the working directory is loaded first, and PHISHTRIAGE_*
// environment variables override file values. If the file does not exist,
// defaults (plus environment overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, defaultAppConfig())

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyListDefaults(&cfg.Scoring, DefaultScoringConfig())
	normalizeScoring(&cfg.Scoring)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// applyListDefaults fills list and table settings that were absent from
// the configuration. An explicitly empty list in the file stays empty.
func applyListDefaults(s *ScoringConfig, d ScoringConfig) {
	if s.SuspiciousHeaders == nil {
		s.SuspiciousHeaders = d.SuspiciousHeaders
	}
	if s.SuspiciousTLDs == nil {
		s.SuspiciousTLDs = d.SuspiciousTLDs
	}
	if s.SubdomainBrands == nil {
		s.SubdomainBrands = d.SubdomainBrands
	}
	if s.Keywords == nil {
		s.Keywords = d.Keywords
	}
	if s.SensitivePaths == nil {
		s.SensitivePaths = d.SensitivePaths
	}
	if s.Misspellings == nil {
		s.Misspellings = d.Misspellings
	}
}

// normalizeScoring lower-cases every literal list entry so that matching
// can be done against lower-cased input.
func normalizeScoring(s *ScoringConfig) {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, x := range in {
			if x = strings.ToLower(strings.TrimSpace(x)); x != "" {
				out = append(out, x)
			}
		}
		return out
	}

	s.SuspiciousTLDs = lower(s.SuspiciousTLDs)
	s.SubdomainBrands = lower(s.SubdomainBrands)
	s.Keywords = lower(s.Keywords)
	s.SensitivePaths = lower(s.SensitivePaths)
	s.Blacklist = lower(s.Blacklist)

	headers := make(map[string][]string, len(s.SuspiciousHeaders))
	for name, values := range s.SuspiciousHeaders {
		headers[strings.ToLower(name)] = lower(values)
	}
	s.SuspiciousHeaders = headers

	misspellings := make(map[string][]string, len(s.Misspellings))
	for brand, variants := range s.Misspellings {
		misspellings[strings.ToLower(brand)] = lower(variants)
	}
	s.Misspellings = misspellings
}

// Validate reports the first configuration problem that would make a run
// meaningless.
func (c *AppConfig) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Store.MaxAttachmentBytes <= 0 {
		return errors.New("store.max_attachment_bytes must be positive")
	}
	if c.Verify.BatchSize <= 0 {
		return errors.New("verify.batch_size must be positive")
	}
	if c.Mailbox.ConnectRetries < 1 {
		return errors.New("mailbox.connect_retries must be at least 1")
	}
	return c.Scoring.Validate()
}

// RequireMailbox reports an error when the mailbox connection settings
// are incomplete.
func (c *AppConfig) RequireMailbox() error {
	if c.Mailbox.Host == "" {
		return errors.New("mailbox.host is required")
	}
	if c.Mailbox.Username == "" {
		return errors.New("mailbox.username is required")
	}
	return nil
}

// Validate checks thresholds and the reputation strategy.
func (s ScoringConfig) Validate() error {
	if s.HeaderThreshold < 0 || s.URLThreshold < 0 {
		return errors.New("scoring thresholds must not be negative")
	}
	switch s.ReputationStrategy {
	case ReputationFirstURL, ReputationAllURLs:
	case ReputationSampled:
		if s.ReputationSampleSize <= 0 {
			return errors.New("scoring.reputation_sample_size must be positive")
		}
	default:
		return fmt.Errorf("unknown reputation strategy %q", s.ReputationStrategy)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. Secrets are never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	mailbox := cfg.Mailbox
	mailbox.Password = ""
	intel := cfg.Intel
	intel.VirusTotalKey = ""

	v.Set("mailbox", mailbox)
	v.Set("store", cfg.Store)
	v.Set("verify", cfg.Verify)
	v.Set("scoring", cfg.Scoring)
	v.Set("intel", intel)
	v.Set("log", cfg.Log)
	v.Set("watch", cfg.Watch)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
