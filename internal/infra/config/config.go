package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "TWOFACTOR"

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Argon2    Argon2Settings    `mapstructure:"argon2"`
	TwoFactor TwoFactorSettings `mapstructure:"twofactor"`
	Mail      MailSettings      `mapstructure:"mail"`
	Auth      AuthSettings      `mapstructure:"auth"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AllowedOrigins enables CORS for browser callers of the setup endpoints.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is honoured. Empty trusts none.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

// RedisSettings configures Redis connection, TLS and key prefixes
type RedisSettings struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	DB                int    `mapstructure:"db"`
	Password          string `mapstructure:"password"`
	TLSEnabled        bool   `mapstructure:"tls_enabled"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	SetupSecretPrefix string `mapstructure:"setup_secret_prefix"`
	EmailPrefix       string `mapstructure:"email_prefix"`
	LockPrefix        string `mapstructure:"lock_prefix"`
}

// KafkaSettings configures the audit event producer
type KafkaSettings struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// RateLimitSettings configures request throttling in front of the challenge endpoints
type RateLimitSettings struct {
	WindowDuration    time.Duration `mapstructure:"window_duration"`
	VerifyMaxRequests int           `mapstructure:"verify_max_requests"`
	SetupMaxRequests  int           `mapstructure:"setup_max_requests"`
}

// Argon2Settings configures Argon2id recovery code hashing parameters
type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Enabled      bool    `mapstructure:"enabled"`
}

// TwoFactorSettings drives the second factor flow.
type TwoFactorSettings struct {
	Enabled            bool          `mapstructure:"enabled"`
	RequiredRoles      []string      `mapstructure:"required_roles"`
	Issuer             string        `mapstructure:"issuer"`
	AppPeriod          time.Duration `mapstructure:"app_period"`
	EmailPeriod        time.Duration `mapstructure:"email_period"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	EmailCooldown      time.Duration `mapstructure:"email_cooldown"`
	SetupSecretTTL     time.Duration `mapstructure:"setup_secret_ttl"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	CleanupLockTimeout time.Duration `mapstructure:"cleanup_lock_timeout"`
	CleanupBatchSize   int           `mapstructure:"cleanup_batch_size"`
	LockBackend        string        `mapstructure:"lock_backend"`
	MigrateOnStart     bool          `mapstructure:"migrate_on_start"`
}

// AuthSettings configures verification of the host's bearer access tokens.
// HS256 uses JWTSecret, RS256 uses the PEM key at JWTPublicKeyPath. Both may be set.
type AuthSettings struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTPublicKeyPath string        `mapstructure:"jwt_public_key_path"`
	JWTIssuer        string        `mapstructure:"jwt_issuer"`
	JWTAudience      []string      `mapstructure:"jwt_audience"`
	JWTLeeway        time.Duration `mapstructure:"jwt_leeway"`
}

// MailSettings selects and configures the code delivery channel.
type MailSettings struct {
	Provider      string `mapstructure:"provider"`
	ServerToken   string `mapstructure:"server_token"`
	AccountToken  string `mapstructure:"account_token"`
	SenderEmail   string `mapstructure:"sender_email"`
	SupportEmail  string `mapstructure:"support_email"`
	SiteName      string `mapstructure:"site_name"`
	MessageStream string `mapstructure:"message_stream"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	setDefaults(v)

	if err := bindEnvs(v, v.AllKeys()); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the second factor flow cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	tf := c.TwoFactor
	if tf.AppPeriod < time.Second || tf.EmailPeriod < time.Second {
		errs = append(errs, errors.New("twofactor periods must be at least one second"))
	}
	if tf.SessionTTL <= 0 {
		errs = append(errs, errors.New("twofactor.session_ttl must be positive"))
	}
	if tf.CleanupBatchSize <= 0 {
		errs = append(errs, errors.New("twofactor.cleanup_batch_size must be positive"))
	}
	switch tf.LockBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("twofactor.lock_backend %q is not supported", tf.LockBackend))
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" && strings.TrimSpace(c.Auth.JWTPublicKeyPath) == "" {
		errs = append(errs, errors.New("auth.jwt_secret or auth.jwt_public_key_path is required"))
	}
	if secret := c.Auth.JWTSecret; secret != "" && len(secret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	for _, proxy := range c.App.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Errorf("app.trusted_proxies entry %q is not an IP or CIDR", proxy))
		}
	}

	switch c.Mail.Provider {
	case "log":
	case "postmark":
		if c.Mail.ServerToken == "" || c.Mail.SenderEmail == "" {
			errs = append(errs, errors.New("mail.server_token and mail.sender_email are required for postmark"))
		}
	default:
		errs = append(errs, fmt.Errorf("mail.provider %q is not supported", c.Mail.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validProxy(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "twofactor-service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.allowed_origins", []string{})
	v.SetDefault("app.trusted_proxies", []string{})

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "twofactor")
	v.SetDefault("postgres.password", "twofactor_password")
	v.SetDefault("postgres.database", "twofactor")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "2fa:rate_limit")
	v.SetDefault("redis.setup_secret_prefix", "2fa:setup_secret")
	v.SetDefault("redis.email_prefix", "2fa:email_able_send_time")
	v.SetDefault("redis.lock_prefix", "2fa:lock")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "twofactor")
	v.SetDefault("kafka.async", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "twofactor-service")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.verify_max_requests", 30)
	v.SetDefault("rate_limit.setup_max_requests", 20)

	v.SetDefault("argon2.memory", 65536) // 64 MB
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("twofactor.enabled", true)
	v.SetDefault("twofactor.required_roles", []string{"administrator"})
	v.SetDefault("twofactor.issuer", "twofactor-service")
	v.SetDefault("twofactor.app_period", "30s")
	v.SetDefault("twofactor.email_period", "60s")
	v.SetDefault("twofactor.session_ttl", "300s")
	v.SetDefault("twofactor.email_cooldown", "30s")
	v.SetDefault("twofactor.setup_secret_ttl", "180s")
	v.SetDefault("twofactor.cleanup_interval", "5m")
	v.SetDefault("twofactor.cleanup_lock_timeout", "60s")
	v.SetDefault("twofactor.cleanup_batch_size", 1000)
	v.SetDefault("twofactor.lock_backend", "redis")
	v.SetDefault("twofactor.migrate_on_start", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_public_key_path", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.jwt_audience", []string{})
	v.SetDefault("auth.jwt_leeway", "30s")

	v.SetDefault("mail.provider", "log")
	v.SetDefault("mail.server_token", "")
	v.SetDefault("mail.account_token", "")
	v.SetDefault("mail.sender_email", "no-reply@example.com")
	v.SetDefault("mail.support_email", "")
	v.SetDefault("mail.site_name", "Example")
	v.SetDefault("mail.message_stream", "outbound")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
