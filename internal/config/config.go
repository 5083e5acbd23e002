package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	TLS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// TrustedNetworks parses TrustedProxies. A bare address is a single-host
// network.
func (s ServerConfig) TrustedNetworks() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("server.trusted_proxies: invalid address %q", entry)
			}
			bits := 8 * net.IPv6len
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: invalid range %q", entry)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Password     PasswordConfig     `mapstructure:"password"`
	Tokens       TokenConfig        `mapstructure:"tokens"`
	Lockout      LockoutConfig      `mapstructure:"lockout"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// PasswordConfig holds password hashing and policy configuration
type PasswordConfig struct {
	MinLength         int    `mapstructure:"min_length"`
	RequireUpper      bool   `mapstructure:"require_upper"`
	RequireLower      bool   `mapstructure:"require_lower"`
	RequireDigit      bool   `mapstructure:"require_digit"`
	RequireSpecial    bool   `mapstructure:"require_special"`
	HistorySize       int    `mapstructure:"history_size"`
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
	// HashWorkers bounds how many argon2 computations run at once.
	HashWorkers int `mapstructure:"hash_workers"`
}

// TokenConfig holds JWT token configuration
type TokenConfig struct {
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `mapstructure:"refresh_token_ttl"`
	SigningAlgorithm string        `mapstructure:"signing_algorithm"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
}

// LockoutConfig controls the login rate and lockout guard.
type LockoutConfig struct {
	AccountMaxFailures int           `mapstructure:"account_max_failures"`
	IPMaxFailures      int           `mapstructure:"ip_max_failures"`
	Window             time.Duration `mapstructure:"window"`
	// WarningRatio is the fraction of the maximum at which a key enters the warning state.
	WarningRatio float64       `mapstructure:"warning_ratio"`
	BaseDuration time.Duration `mapstructure:"base_duration"`
	Progressive  bool          `mapstructure:"progressive"`
	Multiplier   int           `mapstructure:"multiplier"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	// RollingPeriod is how long previous lockouts count towards the progressive multiplier.
	RollingPeriod time.Duration `mapstructure:"rolling_period"`
}

// RateLimitingConfig holds HTTP rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DefaultLimit  int           `mapstructure:"default_limit"`
	DefaultWindow time.Duration `mapstructure:"default_window"`
}

// SessionsConfig holds session registry configuration
type SessionsConfig struct {
	MaxPerAccount    int           `mapstructure:"max_per_account"`
	AbsoluteTTL      time.Duration `mapstructure:"absolute_ttl"`
	TrustedDeviceTTL time.Duration `mapstructure:"trusted_device_ttl"`
	Retention        time.Duration `mapstructure:"retention"`
	MaintenanceEvery time.Duration `mapstructure:"maintenance_every"`
}

// MFAConfig holds MFA configuration
type MFAConfig struct {
	TOTP        TOTPConfig        `mapstructure:"totp"`
	BackupCodes BackupCodesConfig `mapstructure:"backup_codes"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer string `mapstructure:"issuer"`
	Digits int    `mapstructure:"digits"`
	Period int    `mapstructure:"period"`
	Skew   int    `mapstructure:"skew"`
}

// BackupCodesConfig holds backup code configuration
type BackupCodesConfig struct {
	Count int `mapstructure:"count"`
}

// AuditConfig controls audit event delivery
type AuditConfig struct {
	BufferSize     int    `mapstructure:"buffer_size"`
	DropIfFull     bool   `mapstructure:"drop_if_full"`
	PublishChannel string `mapstructure:"publish_channel"`
}

// MonitorConfig controls the periodic metrics and alerting task
type MonitorConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	FailureAlertThreshold int           `mapstructure:"failure_alert_threshold"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/reconauth")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("RECONAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the security core cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Server.TrustedNetworks(); err != nil {
		errs = append(errs, err)
	}

	if c.Sessions.MaxPerAccount < 1 {
		errs = append(errs, errors.New("sessions.max_per_account must be at least 1"))
	}
	if c.Security.Tokens.AccessTokenTTL <= 0 || c.Security.Tokens.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.Security.Tokens.AccessTokenTTL >= c.Security.Tokens.RefreshTokenTTL {
		errs = append(errs, errors.New("access_token_ttl must be shorter than refresh_token_ttl"))
	}
	if c.Sessions.AbsoluteTTL < c.Security.Tokens.RefreshTokenTTL {
		errs = append(errs, errors.New("sessions.absolute_ttl must cover refresh_token_ttl"))
	}
	if c.Security.Lockout.AccountMaxFailures < 1 || c.Security.Lockout.IPMaxFailures < 1 {
		errs = append(errs, errors.New("lockout max failures must be at least 1"))
	}
	if c.Security.Lockout.Window <= 0 || c.Security.Lockout.BaseDuration <= 0 {
		errs = append(errs, errors.New("lockout window and base_duration must be positive"))
	}
	if c.Security.Lockout.MaxDuration < c.Security.Lockout.BaseDuration {
		errs = append(errs, errors.New("lockout max_duration must be >= base_duration"))
	}
	if c.Sessions.MaintenanceEvery <= 0 {
		errs = append(errs, errors.New("sessions.maintenance_every must be positive"))
	}
	if c.Security.Password.HashWorkers < 1 {
		errs = append(errs, errors.New("security.password.hash_workers must be at least 1"))
	}
	switch c.Security.Tokens.SigningAlgorithm {
	case "ed25519", "hybrid":
	default:
		errs = append(errs, fmt.Errorf("unsupported signing algorithm %q", c.Security.Tokens.SigningAlgorithm))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "reconauth")
	v.SetDefault("database.user", "reconauth")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Password defaults
	v.SetDefault("security.password.min_length", 12)
	v.SetDefault("security.password.require_upper", true)
	v.SetDefault("security.password.require_lower", true)
	v.SetDefault("security.password.require_digit", true)
	v.SetDefault("security.password.require_special", true)
	v.SetDefault("security.password.history_size", 5)
	v.SetDefault("security.password.argon2_memory", 65536)
	v.SetDefault("security.password.argon2_iterations", 3)
	v.SetDefault("security.password.argon2_parallelism", 4)
	v.SetDefault("security.password.hash_workers", 8)

	// Token defaults
	v.SetDefault("security.tokens.access_token_ttl", "15m")
	v.SetDefault("security.tokens.refresh_token_ttl", "168h")
	v.SetDefault("security.tokens.signing_algorithm", "ed25519")
	v.SetDefault("security.tokens.issuer", "reconauth")
	v.SetDefault("security.tokens.audience", "reconciliation-api")

	// Lockout defaults
	v.SetDefault("security.lockout.account_max_failures", 5)
	v.SetDefault("security.lockout.ip_max_failures", 50)
	v.SetDefault("security.lockout.window", "15m")
	v.SetDefault("security.lockout.warning_ratio", 0.6)
	v.SetDefault("security.lockout.base_duration", "5m")
	v.SetDefault("security.lockout.progressive", true)
	v.SetDefault("security.lockout.multiplier", 2)
	v.SetDefault("security.lockout.max_duration", "24h")
	v.SetDefault("security.lockout.rolling_period", "24h")

	// HTTP rate limiting defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.default_limit", 100)
	v.SetDefault("security.rate_limiting.default_window", "1m")

	// Session defaults
	v.SetDefault("sessions.max_per_account", 5)
	v.SetDefault("sessions.absolute_ttl", "720h")
	v.SetDefault("sessions.trusted_device_ttl", "720h")
	v.SetDefault("sessions.retention", "2160h")
	v.SetDefault("sessions.maintenance_every", "1h")

	// MFA defaults
	v.SetDefault("mfa.totp.issuer", "Ledgerline")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 1)
	v.SetDefault("mfa.backup_codes.count", 10)

	// Audit defaults
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.drop_if_full", false)
	v.SetDefault("audit.publish_channel", "reconauth:audit")

	// Monitor defaults
	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.failure_alert_threshold", 100)
}

// Defaults returns a Config populated only from built-in defaults.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of defaults cannot fail for the types above.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
