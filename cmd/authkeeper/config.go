package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/service/lockout"
	"github.com/nkiryanov/authkeeper/internal/service/password"
	"github.com/nkiryanov/authkeeper/internal/service/tokens"
)

const (
	defaultListenAddr         = "localhost:8000"
	defaultLoggingLevel       = logger.LevelInfo
	defaultEnvironment        = logger.EnvProduction
	defaultSigningMethod      = tokens.MethodEdDSA
	defaultSigningKeyID       = "k1"
	defaultIssuer             = "authkeeper"
	defaultAccessTTL          = 15 * time.Minute
	defaultRefreshTTL         = 24 * time.Hour
	defaultSessionMaxLifetime = 30 * 24 * time.Hour
	defaultSessionIdleTimeout = time.Hour
	defaultClockSkew          = 30 * time.Second
	defaultRedisPrefix        = "authkeeper:lockout:"
	defaultStoreRetries       = 2
	defaultThrottleRPS        = 5
	defaultThrottleBurst      = 20
	defaultJanitorInterval    = time.Minute
)

type Config struct {
	// Default logging level
	LogLevel string `yaml:"log_level"`

	// development or production, picks the log format
	Environment string `yaml:"environment"`

	// Address on which the service will be run
	ListenAddr string `yaml:"listen_addr"`

	// Database to connect to
	DatabaseDSN string `yaml:"database_dsn"`

	// Redis for lockout counters. In-process counters are used when empty,
	// which is only correct for a single instance
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`

	// Token signing. Key material is hex encoded: ed25519 seed for EdDSA, secret for HS256
	SigningMethod string `yaml:"signing_method"`
	SigningKeyID  string `yaml:"signing_key_id"`
	SigningKey    string `yaml:"signing_key"`

	// Verify-only keys of the same method, each as "kid:hex"
	PreviousKeys []string `yaml:"previous_keys"`

	Issuer             string        `yaml:"issuer"`
	AccessTTL          time.Duration `yaml:"access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	SessionMaxLifetime time.Duration `yaml:"session_max_lifetime"`
	ClockSkew          time.Duration `yaml:"clock_skew"`

	// Sessions without activity for this long are revoked. Zero disables
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// Argon2id work factor
	Argon2Memory      uint32 `yaml:"argon2_memory_kib"`
	Argon2Time        uint32 `yaml:"argon2_time"`
	Argon2Parallelism uint8  `yaml:"argon2_parallelism"`

	LockoutThreshold       int           `yaml:"lockout_threshold"`
	LockoutWindow          time.Duration `yaml:"lockout_window"`
	LockoutBase            time.Duration `yaml:"lockout_base"`
	LockoutMax             time.Duration `yaml:"lockout_max"`
	LockoutSourceThreshold int           `yaml:"lockout_source_threshold"`
	SourcePrefixV4         int           `yaml:"source_prefix_v4"`
	SourcePrefixV6         int           `yaml:"source_prefix_v6"`

	// Honor X-Forwarded-For, only behind a proxy that overwrites it
	TrustProxy bool `yaml:"trust_proxy"`

	AllowRegistration bool `yaml:"allow_registration"`

	StoreRetries    int           `yaml:"store_retries"`
	ThrottleRPS     float64       `yaml:"throttle_rps"`
	ThrottleBurst   int           `yaml:"throttle_burst"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	// Security alerts go to sentry when set
	SentryDSN string `yaml:"sentry_dsn"`
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		Environment: defaultEnvironment,
		ListenAddr:  defaultListenAddr,
		RedisPrefix: defaultRedisPrefix,

		SigningMethod:      defaultSigningMethod,
		SigningKeyID:       defaultSigningKeyID,
		Issuer:             defaultIssuer,
		AccessTTL:          defaultAccessTTL,
		RefreshTTL:         defaultRefreshTTL,
		SessionMaxLifetime: defaultSessionMaxLifetime,
		SessionIdleTimeout: defaultSessionIdleTimeout,
		ClockSkew:          defaultClockSkew,

		Argon2Memory:      password.DefaultParams.Memory,
		Argon2Time:        password.DefaultParams.Time,
		Argon2Parallelism: password.DefaultParams.Parallelism,

		LockoutThreshold:       lockout.DefaultPolicy.Threshold,
		LockoutWindow:          lockout.DefaultPolicy.Window,
		LockoutBase:            lockout.DefaultPolicy.BaseLockout,
		LockoutMax:             lockout.DefaultPolicy.MaxLockout,
		LockoutSourceThreshold: lockout.DefaultPolicy.SourceThreshold,
		SourcePrefixV4:         lockout.DefaultPolicy.IPv4PrefixBits,
		SourcePrefixV6:         lockout.DefaultPolicy.IPv6PrefixBits,

		AllowRegistration: true,
		StoreRetries:      defaultStoreRetries,
		ThrottleRPS:       defaultThrottleRPS,
		ThrottleBurst:     defaultThrottleBurst,
		JanitorInterval:   defaultJanitorInterval,
	}
}

// ConfigPath finds --config in args or CONFIG_FILE in environment
// Other flags are ignored here, they are parsed after the file is loaded
func ConfigPath(args []string, getenv func(string) string) (string, error) {
	fs := pflag.NewFlagSet("authkeeper-config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}

	path := fs.StringP("config", "c", getenv("CONFIG_FILE"), "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

// Load options from yaml file. Missing file is an error, the path was asked for explicitly
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("can't read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("can't parse config file %s: %w", path, err)
	}
	return nil
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	var errs []error

	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setParsed := func(key string, parse func(string) error) func(value string) {
		return func(value string) {
			if value == "" {
				return
			}
			if err := parse(value); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	setDuration := func(key string, o *time.Duration) func(string) {
		return setParsed(key, func(v string) (err error) {
			*o, err = time.ParseDuration(v)
			return err
		})
	}
	setInt := func(key string, o *int) func(string) {
		return setParsed(key, func(v string) (err error) {
			*o, err = strconv.Atoi(v)
			return err
		})
	}
	setBool := func(key string, o *bool) func(string) {
		return setParsed(key, func(v string) (err error) {
			*o, err = strconv.ParseBool(v)
			return err
		})
	}

	envMap := map[string]func(string){
		"LOG_LEVEL":                setString(&c.LogLevel),
		"ENVIRONMENT":              setString(&c.Environment),
		"RUN_ADDRESS":              setString(&c.ListenAddr),
		"DATABASE_URI":             setString(&c.DatabaseDSN),
		"REDIS_ADDRESS":            setString(&c.RedisAddr),
		"REDIS_PREFIX":             setString(&c.RedisPrefix),
		"SIGNING_METHOD":           setString(&c.SigningMethod),
		"SIGNING_KEY_ID":           setString(&c.SigningKeyID),
		"SIGNING_KEY":              setString(&c.SigningKey),
		"ISSUER":                   setString(&c.Issuer),
		"SENTRY_DSN":               setString(&c.SentryDSN),
		"ACCESS_TTL":               setDuration("ACCESS_TTL", &c.AccessTTL),
		"REFRESH_TTL":              setDuration("REFRESH_TTL", &c.RefreshTTL),
		"SESSION_MAX_LIFETIME":     setDuration("SESSION_MAX_LIFETIME", &c.SessionMaxLifetime),
		"SESSION_IDLE_TIMEOUT":     setDuration("SESSION_IDLE_TIMEOUT", &c.SessionIdleTimeout),
		"CLOCK_SKEW":               setDuration("CLOCK_SKEW", &c.ClockSkew),
		"LOCKOUT_WINDOW":           setDuration("LOCKOUT_WINDOW", &c.LockoutWindow),
		"LOCKOUT_BASE":             setDuration("LOCKOUT_BASE", &c.LockoutBase),
		"LOCKOUT_MAX":              setDuration("LOCKOUT_MAX", &c.LockoutMax),
		"JANITOR_INTERVAL":         setDuration("JANITOR_INTERVAL", &c.JanitorInterval),
		"LOCKOUT_THRESHOLD":        setInt("LOCKOUT_THRESHOLD", &c.LockoutThreshold),
		"LOCKOUT_SOURCE_THRESHOLD": setInt("LOCKOUT_SOURCE_THRESHOLD", &c.LockoutSourceThreshold),
		"SOURCE_PREFIX_V4":         setInt("SOURCE_PREFIX_V4", &c.SourcePrefixV4),
		"SOURCE_PREFIX_V6":         setInt("SOURCE_PREFIX_V6", &c.SourcePrefixV6),
		"STORE_RETRIES":            setInt("STORE_RETRIES", &c.StoreRetries),
		"THROTTLE_BURST":           setInt("THROTTLE_BURST", &c.ThrottleBurst),
		"TRUST_PROXY":              setBool("TRUST_PROXY", &c.TrustProxy),
		"ALLOW_REGISTRATION":       setBool("ALLOW_REGISTRATION", &c.AllowRegistration),
		"THROTTLE_RPS": setParsed("THROTTLE_RPS", func(v string) (err error) {
			c.ThrottleRPS, err = strconv.ParseFloat(v, 64)
			return err
		}),
		"ARGON2_MEMORY_KIB": setParsed("ARGON2_MEMORY_KIB", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			c.Argon2Memory = uint32(n)
			return err
		}),
		"ARGON2_TIME": setParsed("ARGON2_TIME", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			c.Argon2Time = uint32(n)
			return err
		}),
		"ARGON2_PARALLELISM": setParsed("ARGON2_PARALLELISM", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 8)
			c.Argon2Parallelism = uint8(n)
			return err
		}),
		"PREVIOUS_KEYS": func(v string) {
			if v != "" {
				c.PreviousKeys = strings.Split(v, ",")
			}
		},
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("authkeeper", pflag.ContinueOnError)

	fs.StringP("config", "c", "", "Path to yaml config file")
	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for lockout counters")
	fs.StringVarP(&c.SigningKey, "signing-key", "s", c.SigningKey, "Hex encoded signing key")
	fs.StringVar(&c.SigningMethod, "signing-method", c.SigningMethod, "Signing method (EdDSA, HS256)")
	fs.StringVar(&c.SigningKeyID, "signing-key-id", c.SigningKeyID, "Signing key id (kid)")
	fs.StringSliceVar(&c.PreviousKeys, "previous-key", c.PreviousKeys, "Verify-only key as kid:hex, repeatable")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")
	fs.StringVar(&c.Issuer, "issuer", c.Issuer, "Token issuer")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.DurationVar(&c.SessionMaxLifetime, "session-max-lifetime", c.SessionMaxLifetime, "Session lifetime cap")
	fs.DurationVar(&c.SessionIdleTimeout, "session-idle-timeout", c.SessionIdleTimeout, "Revoke sessions idle for this long, 0 disables")
	fs.DurationVar(&c.ClockSkew, "clock-skew", c.ClockSkew, "Tolerated clock drift")
	fs.Uint32Var(&c.Argon2Memory, "argon2-memory", c.Argon2Memory, "Argon2 memory in KiB")
	fs.Uint32Var(&c.Argon2Time, "argon2-time", c.Argon2Time, "Argon2 iterations")
	fs.Uint8Var(&c.Argon2Parallelism, "argon2-parallelism", c.Argon2Parallelism, "Argon2 lanes")
	fs.IntVar(&c.LockoutThreshold, "lockout-threshold", c.LockoutThreshold, "Failures before lockout")
	fs.DurationVar(&c.LockoutWindow, "lockout-window", c.LockoutWindow, "Failure counting window")
	fs.DurationVar(&c.LockoutBase, "lockout-base", c.LockoutBase, "First lockout duration")
	fs.DurationVar(&c.LockoutMax, "lockout-max", c.LockoutMax, "Lockout duration cap")
	fs.IntVar(&c.LockoutSourceThreshold, "lockout-source-threshold", c.LockoutSourceThreshold, "Failures per source before lockout, 0 disables")
	fs.IntVar(&c.SourcePrefixV4, "source-prefix-v4", c.SourcePrefixV4, "IPv4 source bucket prefix bits")
	fs.IntVar(&c.SourcePrefixV6, "source-prefix-v6", c.SourcePrefixV6, "IPv6 source bucket prefix bits")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "Honor X-Forwarded-For")
	fs.BoolVar(&c.AllowRegistration, "allow-registration", c.AllowRegistration, "Mount register endpoint")
	fs.IntVar(&c.StoreRetries, "store-retries", c.StoreRetries, "Retries of transient store errors")
	fs.Float64Var(&c.ThrottleRPS, "throttle-rps", c.ThrottleRPS, "Requests per second per source, 0 disables")
	fs.IntVar(&c.ThrottleBurst, "throttle-burst", c.ThrottleBurst, "Throttle burst")
	fs.DurationVar(&c.JanitorInterval, "janitor-interval", c.JanitorInterval, "Cleanup interval")
	fs.StringVar(&c.SentryDSN, "sentry-dsn", c.SentryDSN, "Sentry DSN for security alerts")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.DatabaseDSN != "", "database dsn is required")
	check(c.SigningKey != "", "signing key is required")
	check(c.SigningMethod == tokens.MethodEdDSA || c.SigningMethod == tokens.MethodHS256, "signing method must be EdDSA or HS256")
	check(c.AccessTTL > 0, "access ttl must be positive")
	check(c.RefreshTTL > 0, "refresh ttl must be positive")
	check(c.SessionMaxLifetime > 0, "session max lifetime must be positive")
	check(c.AccessTTL <= c.SessionMaxLifetime, "access ttl must not exceed session max lifetime")
	check(c.SessionIdleTimeout >= 0, "session idle timeout must not be negative")
	check(c.ClockSkew >= 0, "clock skew must not be negative")
	check(c.StoreRetries >= 0, "store retries must not be negative")
	check(c.ThrottleRPS >= 0, "throttle rps must not be negative")
	check(c.ThrottleRPS == 0 || c.ThrottleBurst > 0, "throttle burst must be positive")
	check(c.JanitorInterval > 0, "janitor interval must be positive")

	for _, k := range c.PreviousKeys {
		id, material, ok := strings.Cut(k, ":")
		check(ok && id != "" && material != "", fmt.Sprintf("previous key %q must look like kid:hex", k))
	}

	if err := c.LockoutPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) LockoutPolicy() lockout.Policy {
	return lockout.Policy{
		Threshold:       c.LockoutThreshold,
		SourceThreshold: c.LockoutSourceThreshold,
		Window:          c.LockoutWindow,
		BaseLockout:     c.LockoutBase,
		MaxLockout:      c.LockoutMax,
		IPv4PrefixBits:  c.SourcePrefixV4,
		IPv6PrefixBits:  c.SourcePrefixV6,
	}
}

func (c *Config) PasswordParams() password.Params {
	return password.Params{
		Memory:      c.Argon2Memory,
		Time:        c.Argon2Time,
		Parallelism: c.Argon2Parallelism,
		SaltLength:  password.DefaultParams.SaltLength,
		KeyLength:   password.DefaultParams.KeyLength,
	}
}

// Keyring builds the current signing key and verify-only previous ones
func (c *Config) Keyring() (*tokens.Keyring, error) {
	current, err := tokens.NewKeyHex(c.SigningKeyID, c.SigningMethod, c.SigningKey)
	if err != nil {
		return nil, err
	}

	previous := make([]tokens.Key, 0, len(c.PreviousKeys))
	for _, k := range c.PreviousKeys {
		id, material, _ := strings.Cut(k, ":")
		key, err := tokens.NewKeyHex(id, c.SigningMethod, material)
		if err != nil {
			return nil, err
		}
		previous = append(previous, key)
	}

	return tokens.NewKeyring(current, previous...)
}
