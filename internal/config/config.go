package config

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	SeedPassword   string        `mapstructure:"SEED_PASSWORD"`

	EnrichmentProvider string `mapstructure:"ENRICHMENT_PROVIDER"`
	GeminiAPIKey       string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel        string `mapstructure:"GEMINI_MODEL"`
	OpenAIAPIKey       string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel        string `mapstructure:"OPENAI_MODEL"`

	NotifyDriver           string   `mapstructure:"NOTIFY_DRIVER"`
	ResendAPIKey           string   `mapstructure:"RESEND_API_KEY"`
	FromEmail              string   `mapstructure:"FROM_EMAIL"`
	AdminNotificationEmail string   `mapstructure:"ADMIN_NOTIFICATION_EMAIL"`
	SQSQueueURL            string   `mapstructure:"SQS_QUEUE_URL"`
	SQSQueueName           string   `mapstructure:"SQS_QUEUE_NAME"`
	KafkaBrokers           []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic             string   `mapstructure:"KAFKA_TOPIC"`

	BlobDriver  string `mapstructure:"BLOB_DRIVER"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle bool   `mapstructure:"S3_PATH_STYLE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "TRUSTED_PROXIES",
	"AUTH_SIGNING_KEY", "TOKEN_TTL", "SEED_PASSWORD",
	"ENRICHMENT_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL",
	"NOTIFY_DRIVER", "RESEND_API_KEY", "FROM_EMAIL", "ADMIN_NOTIFICATION_EMAIL",
	"SQS_QUEUE_URL", "SQS_QUEUE_NAME", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"BLOB_DRIVER", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	// base64 inflates a 5 MB attachment by a third, plus the form fields.
	v.SetDefault("BODY_LIMIT", "8M")
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("ENRICHMENT_PROVIDER", "gemini")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("NOTIFY_DRIVER", "log")
	v.SetDefault("ADMIN_NOTIFICATION_EMAIL", "easygo@easygopharm.com")
	v.SetDefault("KAFKA_TOPIC", "intake-notifications")
	v.SetDefault("BLOB_DRIVER", "memory")
	v.SetDefault("S3_REGION", "us-east-1")

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper leaves comma lists as a single element when they come from env
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.TrustedProxies = splitList(v.GetString("TRUSTED_PROXIES"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// ENV has no default: the fallback key needs an explicit ENV=development.
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: AUTH_SIGNING_KEY is not set; using an insecure development key.")
		cfg.AuthSigningKey = "development-only-signing-key-change-me!"
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TrustedProxyNets parses TRUSTED_PROXIES. Bare addresses become single-host
// ranges.
func (c *Config) TrustedProxyNets() ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range c.TrustedProxies {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the selected drivers have what they need to start.
// Missing AI keys are not an error: enrichment reports the gap per call.
func (c *Config) Validate() error {
	if len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}

	switch c.EnrichmentProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("ENRICHMENT_PROVIDER must be \"gemini\" or \"openai\", got %q", c.EnrichmentProvider)
	}

	switch c.NotifyDriver {
	case "log":
		if c.IsProduction() {
			return fmt.Errorf("NOTIFY_DRIVER=log is not allowed in production")
		}
	case "resend":
		if c.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required when NOTIFY_DRIVER is \"resend\"")
		}
	case "sqs":
		if c.SQSQueueURL == "" && c.SQSQueueName == "" {
			return fmt.Errorf("SQS_QUEUE_URL or SQS_QUEUE_NAME is required when NOTIFY_DRIVER is \"sqs\"")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required when NOTIFY_DRIVER is \"kafka\"")
		}
	default:
		return fmt.Errorf("NOTIFY_DRIVER must be one of resend, sqs, kafka, log; got %q", c.NotifyDriver)
	}

	switch c.BlobDriver {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("BLOB_DRIVER=memory is not allowed in production")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_DRIVER is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be \"memory\" or \"s3\", got %q", c.BlobDriver)
	}

	return nil
}
