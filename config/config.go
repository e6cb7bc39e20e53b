package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Telegram   TelegramConfig
	Notion     NotionConfig
	Zoho       ZohoConfig
	AI         AIConfig
	Processing ProcessingConfig
	Scheduler  SchedulerConfig
	Postgres   PostgresConfig
	AMQP       AMQPConfig
	Fluent     FluentConfig
	Log        LogConfig
	DBPath     string
	APIAddr    string
	// CatalogPath overrides the embedded lookup tables when set.
	CatalogPath string
}

type TelegramConfig struct {
	BotToken             string
	NotificationBotToken string
	ChannelID            string
	ArchiveChannelID     string
	NotificationChatID   string
}

type NotionConfig struct {
	Secret       string
	PropertiesDB string
	OwnersDB     string
}

func (c NotionConfig) Enabled() bool {
	return c.Secret != "" && c.PropertiesDB != "" && c.OwnersDB != ""
}

type ZohoConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	ModuleName   string
	AccountsURL  string
	APIURL       string
}

// Enabled reports whether CRM writes are configured. Missing credentials
// disable the CRM without failing the pipeline.
func (c ZohoConfig) Enabled() bool {
	return c.AccessToken != "" || (c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != "")
}

// AIProvider is one configured extraction provider.
type AIProvider struct {
	Name   string
	APIKey string
	Model  string
}

type AIConfig struct {
	Providers   []AIProvider
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

type FailPolicy string

const (
	FailOpen   FailPolicy = "open"
	FailClosed FailPolicy = "closed"
)

type ProcessingConfig struct {
	Interval          time.Duration
	MaxRetryAttempts  int
	CycleErrorBackoff time.Duration
	RecordPause       time.Duration
	MessagePause      time.Duration
	FetchLimit        int
	ApplyDateFilter   bool
	LastSuccessDate   time.Time
	ClassifyPolicy    FailPolicy
}

type SchedulerConfig struct {
	Cron            string
	DailyReportCron string
}

type PostgresConfig struct {
	MirrorURL string
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type FluentConfig struct {
	Host      string
	Port      int
	TagPrefix string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// providerOrder is the extraction priority. Only providers with a key are used.
var providerOrder = []struct {
	name, keyEnv, modelEnv string
}{
	{"gemini", "GEMINI_API_KEY", "GEMINI_MODEL"},
	{"openai", "OPENAI_API_KEY", "OPENAI_MODEL"},
	{"copilot", "COPILOT_API_KEY", "COPILOT_MODEL"},
	{"mistral", "MISTRAL_API_KEY", "MISTRAL_MODEL"},
	{"groq", "GROQ_API_KEY", "GROQ_MODEL"},
	{"anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL"},
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Telegram: TelegramConfig{
			BotToken:             os.Getenv("TELEGRAM_BOT_TOKEN"),
			NotificationBotToken: os.Getenv("TELEGRAM_NOTIFICATION_BOT_TOKEN"),
			ChannelID:            os.Getenv("TELEGRAM_CHANNEL_ID"),
			ArchiveChannelID:     os.Getenv("TELEGRAM_ARCHIVE_CHANNEL_ID"),
			NotificationChatID:   os.Getenv("TELEGRAM_NOTIFICATION_CHAT_ID"),
		},
		Notion: NotionConfig{
			Secret:       os.Getenv("NOTION_INTEGRATION_SECRET"),
			PropertiesDB: os.Getenv("NOTION_PROPERTIES_DB_ID"),
			OwnersDB:     os.Getenv("NOTION_OWNERS_DB_ID"),
		},
		Zoho: ZohoConfig{
			ClientID:     os.Getenv("ZOHO_CLIENT_ID"),
			ClientSecret: os.Getenv("ZOHO_CLIENT_SECRET"),
			RefreshToken: os.Getenv("ZOHO_REFRESH_TOKEN"),
			AccessToken:  os.Getenv("ZOHO_ACCESS_TOKEN"),
			ModuleName:   getEnv("ZOHO_MODULE_NAME", "Aqar"),
			AccountsURL:  getEnv("ZOHO_ACCOUNTS_URL", "https://accounts.zoho.com"),
			APIURL:       getEnv("ZOHO_API_URL", "https://www.zohoapis.com"),
		},
		AI: AIConfig{
			MaxAttempts: getEnvInt("AI_MAX_ATTEMPTS", 3),
			RetryDelay:  getEnvSeconds("AI_RETRY_DELAY", 15*time.Second),
			Timeout:     getEnvSeconds("AI_TIMEOUT", 90*time.Second),
		},
		Processing: ProcessingConfig{
			Interval:          getEnvSeconds("PROCESSING_INTERVAL", 300*time.Second),
			MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 3),
			CycleErrorBackoff: getEnvSeconds("CYCLE_ERROR_BACKOFF", 60*time.Second),
			RecordPause:       getEnvDuration("RECORD_PAUSE", time.Second),
			MessagePause:      getEnvDuration("MESSAGE_PAUSE", 2*time.Second),
			FetchLimit:        getEnvInt("FETCH_LIMIT", 50),
			ApplyDateFilter:   getEnvBool("APPLY_DATE_FILTER", false),
			ClassifyPolicy:    FailPolicy(strings.ToLower(getEnv("CLASSIFY_FAIL_POLICY", string(FailOpen)))),
		},
		Scheduler: SchedulerConfig{
			Cron:            os.Getenv("SCHEDULE_CRON"),
			DailyReportCron: os.Getenv("DAILY_REPORT_CRON"),
		},
		Postgres: PostgresConfig{
			MirrorURL: os.Getenv("POSTGRES_MIRROR_URL"),
		},
		AMQP: AMQPConfig{
			URL:        os.Getenv("AMQP_URL"),
			Exchange:   getEnv("AMQP_EXCHANGE", "aqar.events"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "listing.processed"),
		},
		Fluent: FluentConfig{
			Host:      os.Getenv("FLUENT_HOST"),
			Port:      getEnvInt("FLUENT_PORT", 24224),
			TagPrefix: getEnv("FLUENT_TAG_PREFIX", "aqar"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
			File:   getEnv("LOG_FILE", "aqar.log"),
		},
		DBPath:      getEnv("DATABASE_PATH", "real_estate.db"),
		APIAddr:     os.Getenv("API_ADDR"),
		CatalogPath: os.Getenv("CATALOG_PATH"),
	}

	for _, p := range providerOrder {
		key := os.Getenv(p.keyEnv)
		if key == "" {
			continue
		}
		cfg.AI.Providers = append(cfg.AI.Providers, AIProvider{
			Name:   p.name,
			APIKey: key,
			Model:  os.Getenv(p.modelEnv),
		})
	}

	if date := os.Getenv("LAST_SUCCESS_DATE"); date != "" {
		t, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("LAST_SUCCESS_DATE: %w", err)
		}
		cfg.Processing.LastSuccessDate = t
	}

	return cfg, nil
}

// Validate reports every missing mandatory setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.ChannelID == "" {
		missing = append(missing, "TELEGRAM_CHANNEL_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.Processing.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be >= 1")
	}
	if c.AI.MaxAttempts < 1 {
		return fmt.Errorf("AI_MAX_ATTEMPTS must be >= 1")
	}
	switch c.Processing.ClassifyPolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("CLASSIFY_FAIL_POLICY must be %q or %q", FailOpen, FailClosed)
	}
	if c.Processing.ApplyDateFilter && c.Processing.LastSuccessDate.IsZero() {
		return fmt.Errorf("APPLY_DATE_FILTER requires LAST_SUCCESS_DATE")
	}
	return nil
}

// ProviderNames lists configured AI providers in priority order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.AI.Providers))
	for _, p := range c.AI.Providers {
		names = append(names, p.Name)
	}
	return names
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvSeconds accepts a plain number of seconds or a Go duration string.
func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
