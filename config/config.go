// Package config loads the gateway configuration from command line
// flags, an optional YAML file and environment variable overrides, in
// that order of precedence (flags win).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	// Listener
	ListenPort int `yaml:"listen_port"`

	// Token verification
	SecretKey          string `yaml:"secret_key"`
	TokenAlgorithm     string `yaml:"token_algorithm"`
	IdentityServiceURL string `yaml:"identity_service_url"`
	AdminRole          string `yaml:"admin_role"`

	// Persistent store
	StoreDSN     string `yaml:"store_dsn"`
	DevBootstrap bool   `yaml:"dev_bootstrap"`

	// Dispatch defaults
	GatewayTimeoutMs  int `yaml:"gateway_timeout_ms"`
	GatewayRetryCount int `yaml:"gateway_retry_count"`
	MaxInFlight       int `yaml:"max_in_flight"`

	// Rate limiting
	RateLimitEnabled bool   `yaml:"rate_limit_enabled"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`

	// Circuit breaker
	CircuitBreakerEnabled bool `yaml:"circuit_breaker_enabled"`
	FailureThreshold      int  `yaml:"failure_threshold"`
	SuccessThreshold      int  `yaml:"success_threshold"`
	OpenTimeoutSeconds    int  `yaml:"open_timeout_seconds"`

	// Health supervisor
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
	HealthCheckTimeoutSeconds  int `yaml:"health_check_timeout_seconds"`

	// Request logging
	LogRetentionDays int     `yaml:"log_retention_days"`
	LogBufferSize    int     `yaml:"log_buffer_size"`
	LogSamplingRatio float64 `yaml:"log_sampling_ratio"`

	// Trusted proxies
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`

	// CORS
	CORSOrigins          []string `yaml:"cors_origins"`
	CORSMethods          []string `yaml:"cors_methods"`
	CORSHeaders          []string `yaml:"cors_headers"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`

	// Application logging
	ApplicationLogLevel  string `yaml:"application_log_level"`
	ApplicationLogJSON   bool   `yaml:"application_log_json"`
	AccessLogDisabled    bool   `yaml:"access_log_disabled"`
	AccessLogJSONEnabled bool   `yaml:"access_log_json"`

	configFile string
}

// ValidationError marks a configuration problem; the process exits
// with code 1 on it.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// New returns the configuration defaults.
func New() *Config {
	return &Config{
		ListenPort:                 8000,
		TokenAlgorithm:             "HS256",
		AdminRole:                  "admin",
		StoreDSN:                   "portcullis.db",
		GatewayTimeoutMs:           30000,
		GatewayRetryCount:          3,
		RateLimitEnabled:           true,
		CircuitBreakerEnabled:      true,
		FailureThreshold:           5,
		SuccessThreshold:           2,
		OpenTimeoutSeconds:         60,
		HealthCheckIntervalSeconds: 60,
		HealthCheckTimeoutSeconds:  5,
		LogRetentionDays:           30,
		LogBufferSize:              1000,
		LogSamplingRatio:           1,
		ApplicationLogLevel:        "info",
	}
}

type commaList struct{ value *[]string }

func (l commaList) String() string {
	if l.value == nil {
		return ""
	}
	return strings.Join(*l.value, ",")
}

func (l commaList) Set(s string) error {
	if s == "" {
		*l.value = nil
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	*l.value = parts
	return nil
}

// RegisterFlags binds the configuration fields to flags.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config-file", "", "yaml file to load the configuration from")

	fs.IntVar(&c.ListenPort, "listen-port", c.ListenPort, "port of the public listener")

	fs.StringVar(&c.SecretKey, "secret-key", c.SecretKey, "shared secret for local token verification")
	fs.StringVar(&c.TokenAlgorithm, "token-algorithm", c.TokenAlgorithm, "signing algorithm of local tokens")
	fs.StringVar(&c.IdentityServiceURL, "identity-service-url", c.IdentityServiceURL, "base url of the identity service validate endpoint")
	fs.StringVar(&c.AdminRole, "admin-role", c.AdminRole, "role claim required for management access")

	fs.StringVar(&c.StoreDSN, "store-dsn", c.StoreDSN, "connection string of the persistent store")
	fs.BoolVar(&c.DevBootstrap, "dev-bootstrap", c.DevBootstrap, "create the schema on startup instead of requiring migrations")

	fs.IntVar(&c.GatewayTimeoutMs, "gateway-timeout-ms", c.GatewayTimeoutMs, "default per-attempt upstream timeout")
	fs.IntVar(&c.GatewayRetryCount, "gateway-retry-count", c.GatewayRetryCount, "default upstream retry count")
	fs.IntVar(&c.MaxInFlight, "max-in-flight", c.MaxInFlight, "maximum concurrently served requests, 0 for unlimited")

	fs.BoolVar(&c.RateLimitEnabled, "rate-limit-enabled", c.RateLimitEnabled, "master switch of the rate limit engine")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for shared rate limit counters, empty for in-process counters")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database index")

	fs.BoolVar(&c.CircuitBreakerEnabled, "circuit-breaker-enabled", c.CircuitBreakerEnabled, "master switch of the circuit breakers")
	fs.IntVar(&c.FailureThreshold, "failure-threshold", c.FailureThreshold, "consecutive failures opening a breaker")
	fs.IntVar(&c.SuccessThreshold, "success-threshold", c.SuccessThreshold, "successful probes closing a breaker")
	fs.IntVar(&c.OpenTimeoutSeconds, "open-timeout-seconds", c.OpenTimeoutSeconds, "seconds an open breaker refuses dispatch")

	fs.IntVar(&c.HealthCheckIntervalSeconds, "health-check-interval-seconds", c.HealthCheckIntervalSeconds, "seconds between health probe sweeps")
	fs.IntVar(&c.HealthCheckTimeoutSeconds, "health-check-timeout-seconds", c.HealthCheckTimeoutSeconds, "timeout of a single health probe")

	fs.IntVar(&c.LogRetentionDays, "log-retention-days", c.LogRetentionDays, "request log retention horizon for the sweeper")
	fs.IntVar(&c.LogBufferSize, "log-buffer-size", c.LogBufferSize, "request log sink buffer size")
	fs.Float64Var(&c.LogSamplingRatio, "log-sampling-ratio", c.LogSamplingRatio, "fraction of non-error request logs to keep")

	fs.Var(commaList{&c.TrustedProxyCIDRs}, "trusted-proxy-cidrs", "comma separated CIDRs allowed to set X-Forwarded-For")

	fs.Var(commaList{&c.CORSOrigins}, "cors-origins", "comma separated allowed CORS origins")
	fs.Var(commaList{&c.CORSMethods}, "cors-methods", "comma separated allowed CORS methods")
	fs.Var(commaList{&c.CORSHeaders}, "cors-headers", "comma separated allowed CORS headers")
	fs.BoolVar(&c.CORSAllowCredentials, "cors-allow-credentials", c.CORSAllowCredentials, "allow credentialed CORS requests")

	fs.StringVar(&c.ApplicationLogLevel, "application-log-level", c.ApplicationLogLevel, "application log level")
	fs.BoolVar(&c.ApplicationLogJSON, "application-log-json", c.ApplicationLogJSON, "write the application log as JSON")
	fs.BoolVar(&c.AccessLogDisabled, "access-log-disabled", c.AccessLogDisabled, "disable the access log")
	fs.BoolVar(&c.AccessLogJSONEnabled, "access-log-json", c.AccessLogJSONEnabled, "write the access log as JSON")
}

// Parse resolves the configuration from args, the optional YAML file
// and the environment.
func (c *Config) Parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return validationErrorf("invalid flags: %v", err)
	}

	if c.configFile != "" {
		data, err := os.ReadFile(c.configFile)
		if err != nil {
			return validationErrorf("cannot read config file %s: %v", c.configFile, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return validationErrorf("cannot parse config file %s: %v", c.configFile, err)
		}
		// Flags win over the file.
		if err := fs.Parse(args); err != nil {
			return validationErrorf("invalid flags: %v", err)
		}
	}

	c.applyEnv()
	return c.Validate()
}

// applyEnv fills secrets and connection strings from the environment
// when not set otherwise.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORTCULLIS_SECRET_KEY"); v != "" && c.SecretKey == "" {
		c.SecretKey = v
	}
	if v := os.Getenv("PORTCULLIS_STORE_DSN"); v != "" && c.StoreDSN == New().StoreDSN {
		c.StoreDSN = v
	}
	if v := os.Getenv("PORTCULLIS_REDIS_ADDR"); v != "" && c.RedisAddr == "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("PORTCULLIS_LISTEN_PORT"); v != "" && c.ListenPort == New().ListenPort {
		if port, err := strconv.Atoi(v); err == nil {
			c.ListenPort = port
		}
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return validationErrorf("listen_port %d out of range", c.ListenPort)
	}
	if c.StoreDSN == "" {
		return validationErrorf("store_dsn is required")
	}
	if c.SecretKey == "" && c.IdentityServiceURL == "" {
		return validationErrorf("one of secret_key or identity_service_url is required")
	}
	switch c.TokenAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return validationErrorf("unsupported token_algorithm %q", c.TokenAlgorithm)
	}
	if c.GatewayTimeoutMs <= 0 {
		return validationErrorf("gateway_timeout_ms must be positive")
	}
	if c.GatewayRetryCount < 0 {
		return validationErrorf("gateway_retry_count must not be negative")
	}
	if c.FailureThreshold < 1 || c.SuccessThreshold < 1 {
		return validationErrorf("breaker thresholds must be >= 1")
	}
	if c.OpenTimeoutSeconds < 1 {
		return validationErrorf("open_timeout_seconds must be >= 1")
	}
	if c.LogSamplingRatio <= 0 || c.LogSamplingRatio > 1 {
		return validationErrorf("log_sampling_ratio must be in (0, 1]")
	}
	return nil
}

// Timeout returns the default per-attempt upstream timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.GatewayTimeoutMs) * time.Millisecond
}
