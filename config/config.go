// Package config loads the notifier configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // Reference timezone must load on minimal images.

	"gopkg.in/yaml.v3"

	"review-notifier/pkg/reviews"
)

// Defaults applied by Load when a value is not set.
const (
	DefaultTimezone    = "Europe/Moscow"
	DefaultHTTPTimeout = 30 * time.Second
	DefaultPageLimit   = 100
	DefaultMaxPages    = 1
	DefaultLocalPath   = "./data"
	DefaultRedisPrefix = "review-notifier:"
	DefaultRedisTTL    = 72 * time.Hour
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
	BackendRedis = "redis"
)

// Notification providers.
const (
	ProviderTelegram = "telegram"
	ProviderGmail    = "gmail"
	ProviderMock     = "mock"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the whole notifier configuration. It is built once at startup and passed down.
type Config struct {
	Timezone        string          `yaml:"timezone"`
	ActiveThreshold int             `yaml:"active_threshold"`
	HTTPTimeout     Duration        `yaml:"http_timeout"`
	ReviewAPI       ReviewAPIConfig `yaml:"review_api"`
	Google          GoogleConfig    `yaml:"google"`
	Notify          NotifyConfig    `yaml:"notify"`
	Storage         StorageConfig   `yaml:"storage"`
	Groups          []GroupConfig   `yaml:"groups"`
}

// ReviewAPIConfig configures the marketplace review API client.
type ReviewAPIConfig struct {
	BaseURL   string `yaml:"base_url"`
	PageLimit int    `yaml:"page_limit"`
	MaxPages  int    `yaml:"max_pages"`
}

// GoogleConfig holds service account credentials for Sheets and Gmail.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
}

// NotifyConfig selects the provider for the team and admin channels.
type NotifyConfig struct {
	Provider string         `yaml:"provider"`
	Telegram TelegramConfig `yaml:"telegram"`
	Gmail    GmailConfig    `yaml:"gmail"`
}

// TelegramConfig configures the Bot API provider.
type TelegramConfig struct {
	APIURL   string `yaml:"api_url"`
	BotToken string `yaml:"bot_token"`
	Team     Chat   `yaml:"team"`
	Admin    Chat   `yaml:"admin"`
}

// Chat is a Telegram destination. TopicID selects a forum topic.
type Chat struct {
	ChatID  string `yaml:"chat_id"`
	TopicID int64  `yaml:"topic_id"`
}

// GmailConfig configures the email provider.
type GmailConfig struct {
	TeamTo  string `yaml:"team_to"`
	AdminTo string `yaml:"admin_to"`
}

// StorageConfig selects where snapshots are kept.
type StorageConfig struct {
	Backend   string      `yaml:"backend"`
	LocalPath string      `yaml:"local_path"`
	Bucket    string      `yaml:"bucket"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis snapshot backend.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
}

// GroupConfig is a set of projects sharing one reference data source.
type GroupConfig struct {
	Name      string          `yaml:"name"`
	Reference ReferenceConfig `yaml:"reference"`
	Projects  []ProjectConfig `yaml:"projects"`
}

// ReferenceConfig locates the product names and sales worksheets of a group.
type ReferenceConfig struct {
	NamesSpreadsheetID string `yaml:"names_spreadsheet_id"`
	NamesWorksheet     string `yaml:"names_worksheet"`
	NameIDColumn       string `yaml:"name_id_column"`
	NameColumn         string `yaml:"name_column"`
	SalesSpreadsheetID string `yaml:"sales_spreadsheet_id"`
	SalesWorksheet     string `yaml:"sales_worksheet"`
	SalesIDColumn      string `yaml:"sales_id_column"`
	QuantityColumn     string `yaml:"quantity_column"`
}

// ProjectConfig is one seller account.
type ProjectConfig struct {
	Name     string `yaml:"name"`
	ClientID string `yaml:"client_id"`
	APIKey   string `yaml:"api_key"`
}

// Load reads the YAML file at path, applies environment overrides and defaults, and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	return load(path, (*Config).Validate)
}

// LoadStorage is Load for commands that only read snapshots.
// Notification and group settings are not validated.
func LoadStorage(path string) (*Config, error) {
	return load(path, (*Config).ValidateStorage)
}

func load(path string, validate func(*Config) error) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.overrideFromEnv()
	cfg.applyDefaults()

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LOCAL_STORAGE wins over STORAGE_BUCKET, which wins over REDIS_ADDR.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv("GOOGLE_CREDENTIALS_FILE"); v != "" {
		c.Google.CredentialsFile = v
	}
	if v := os.Getenv("GOOGLE_CREDENTIALS_JSON"); v != "" {
		c.Google.CredentialsJSON = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Backend = BackendRedis
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Backend = BackendGCS
		c.Storage.Bucket = v
	}
	if v := os.Getenv("LOCAL_STORAGE"); v != "" {
		c.Storage.Backend = BackendLocal
		c.Storage.LocalPath = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.Redis.DB = db
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.ActiveThreshold == 0 {
		c.ActiveThreshold = reviews.ActiveThreshold
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(DefaultHTTPTimeout)
	}
	if c.ReviewAPI.PageLimit == 0 {
		c.ReviewAPI.PageLimit = DefaultPageLimit
	}
	if c.ReviewAPI.MaxPages == 0 {
		c.ReviewAPI.MaxPages = DefaultMaxPages
	}
	if c.Notify.Provider == "" {
		c.Notify.Provider = ProviderTelegram
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = DefaultLocalPath
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Storage.Redis.TTL == 0 {
		c.Storage.Redis.TTL = Duration(DefaultRedisTTL)
	}
}

// Validate checks that the configuration is complete enough to run.
func (c *Config) Validate() error {
	errs := []error{c.ValidateStorage()}

	if c.ActiveThreshold < 0 {
		errs = append(errs, errors.New("active_threshold must not be negative"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}

	switch c.Notify.Provider {
	case ProviderTelegram:
		if c.Notify.Telegram.BotToken == "" {
			errs = append(errs, errors.New("notify.telegram.bot_token is required (or TELEGRAM_BOT_TOKEN)"))
		}
		if c.Notify.Telegram.Team.ChatID == "" || c.Notify.Telegram.Admin.ChatID == "" {
			errs = append(errs, errors.New("notify.telegram.team.chat_id and notify.telegram.admin.chat_id are required"))
		}
	case ProviderGmail:
		if c.Notify.Gmail.TeamTo == "" || c.Notify.Gmail.AdminTo == "" {
			errs = append(errs, errors.New("notify.gmail.team_to and notify.gmail.admin_to are required"))
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown notify.provider %q", c.Notify.Provider))
	}

	projects := make(map[string]bool)
	for i, g := range c.Groups {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: name is required", i))
		}
		if g.Reference.NamesSpreadsheetID == "" || g.Reference.SalesSpreadsheetID == "" {
			errs = append(errs, fmt.Errorf("group %s: names_spreadsheet_id and sales_spreadsheet_id are required", g.Name))
		}
		if g.Reference.NamesWorksheet == "" {
			errs = append(errs, fmt.Errorf("group %s: names_worksheet is required", g.Name))
		}
		if len(g.Projects) == 0 {
			errs = append(errs, fmt.Errorf("group %s: at least one project is required", g.Name))
		}
		for j, p := range g.Projects {
			if p.Name == "" {
				errs = append(errs, fmt.Errorf("group %s: projects[%d]: name is required", g.Name, j))
				continue
			}
			if !reviews.ValidProjectName(p.Name) {
				errs = append(errs, fmt.Errorf("project %q: name must not contain / or \\ and must be at most %d bytes", p.Name, reviews.MaxProjectNameLen))
			}
			if projects[p.Name] {
				errs = append(errs, fmt.Errorf("project %s is configured twice", p.Name))
			}
			projects[p.Name] = true
			if p.ClientID == "" || p.APIKey == "" {
				errs = append(errs, fmt.Errorf("project %s: client_id and api_key are required", p.Name))
			}
		}
	}

	return errors.Join(errs...)
}

// ValidateStorage checks the settings needed to read snapshots.
func (c *Config) ValidateStorage() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}

	switch c.Storage.Backend {
	case BackendLocal:
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}

// Location returns the reference timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
