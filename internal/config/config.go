// Package config centraliza o carregamento de configurações da aplicação.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/rules"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Logging LoggingConfig
	Admin   AdminConfig
	IPBlock IPBlockConfig
	// ConfigFile is the YAML file IPBlock was read from, if any.
	ConfigFile string
}

type ServerConfig struct {
	Port string
}

type StorageConfig struct {
	Type         string
	CounterStore string
	Redis        RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

type AdminConfig struct {
	Token string
}

// IPBlockConfig is the engine configuration as written in YAML.
type IPBlockConfig struct {
	Enabled              bool        `yaml:"enabled"`
	StorageFile          string      `yaml:"storage_file"`
	BlockTTLSeconds      int         `yaml:"block_ttl_seconds"`
	ResponseStatus       int         `yaml:"response_status"`
	ReadTimeoutMS        int         `yaml:"read_timeout_ms"`
	EvictIntervalSeconds int         `yaml:"evict_interval_seconds"`
	MaxBodyBytes         int64       `yaml:"max_body_bytes"`
	ManualAllow          []string    `yaml:"manual_allow"`
	ManualDeny           []string    `yaml:"manual_deny"`
	Ignore               []string    `yaml:"ignore"`
	TrustedProxies       []string    `yaml:"trusted_proxies"`
	Rules                RulesConfig `yaml:"rules"`
}

type RulesConfig struct {
	RequestsPerMinute     CounterRuleConfig `yaml:"requests_per_minute"`
	NotFoundPerMinute     CounterRuleConfig `yaml:"not_found_per_minute"`
	UnauthorizedPerMinute CounterRuleConfig `yaml:"unauthorized_per_minute"`
	SuspiciousPayload     PayloadRuleConfig `yaml:"suspicious_payload"`
}

type CounterRuleConfig struct {
	Enabled       bool `yaml:"enabled"`
	Limit         int  `yaml:"limit"`
	WindowSeconds int  `yaml:"window_seconds"`
}

type PayloadRuleConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

// DefaultIPBlock returns the engine defaults.
func DefaultIPBlock() IPBlockConfig {
	return IPBlockConfig{
		Enabled:              true,
		StorageFile:          "./var/ipblock.json",
		BlockTTLSeconds:      3600,
		ResponseStatus:       403,
		ReadTimeoutMS:        50,
		EvictIntervalSeconds: 60,
		MaxBodyBytes:         64 * 1024,
		Rules: RulesConfig{
			RequestsPerMinute:     CounterRuleConfig{Enabled: true, Limit: 100, WindowSeconds: 60},
			NotFoundPerMinute:     CounterRuleConfig{Enabled: true, Limit: 20, WindowSeconds: 60},
			UnauthorizedPerMinute: CounterRuleConfig{Enabled: true, Limit: 10, WindowSeconds: 60},
			SuspiciousPayload:     PayloadRuleConfig{Enabled: true},
		},
	}
}

func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{Port: getEnv("SERVER_PORT", "8080")}

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return Config{}, err
	}

	configFile := getEnv("IPBLOCK_CONFIG_FILE", "")
	ipblock, err := LoadIPBlock(configFile)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server: server,
		Storage: StorageConfig{
			Type:         strings.ToLower(getEnv("STORAGE_TYPE", "file")),
			CounterStore: strings.ToLower(getEnv("COUNTER_STORE", "memory")),
			Redis:        redisConfig,
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
			File:   getEnv("LOG_FILE", ""),
		},
		Admin:      AdminConfig{Token: getEnv("ADMIN_TOKEN", "")},
		IPBlock:    ipblock,
		ConfigFile: configFile,
	}, nil
}

// LoadIPBlock layers defaults, the YAML file at path (optional) and IPBLOCK_*
// environment variables, in that order.
func LoadIPBlock(path string) (IPBlockConfig, error) {
	cfg := DefaultIPBlock()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return IPBlockConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return IPBlockConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyIPBlockEnv(&cfg); err != nil {
		return IPBlockConfig{}, err
	}

	if len(cfg.Rules.SuspiciousPayload.Patterns) == 0 {
		cfg.Rules.SuspiciousPayload.Patterns = append([]string(nil), rules.DefaultSuspiciousPatterns...)
	}
	return cfg, nil
}

func applyIPBlockEnv(cfg *IPBlockConfig) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envBool("IPBLOCK_ENABLED", &cfg.Enabled))
	if v := getEnv("IPBLOCK_STORAGE_FILE", ""); v != "" {
		cfg.StorageFile = v
	}
	collect(envInt("IPBLOCK_BLOCK_TTL_SECONDS", &cfg.BlockTTLSeconds))
	collect(envInt("IPBLOCK_RESPONSE_STATUS", &cfg.ResponseStatus))
	collect(envInt("IPBLOCK_READ_TIMEOUT_MS", &cfg.ReadTimeoutMS))
	collect(envInt("IPBLOCK_EVICT_INTERVAL_SECONDS", &cfg.EvictIntervalSeconds))
	if v := getEnv("IPBLOCK_MAX_BODY_BYTES", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			collect(fmt.Errorf("invalid IPBLOCK_MAX_BODY_BYTES: %w", err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}

	envList("IPBLOCK_MANUAL_ALLOW", &cfg.ManualAllow)
	envList("IPBLOCK_MANUAL_DENY", &cfg.ManualDeny)
	envList("IPBLOCK_IGNORE", &cfg.Ignore)
	envList("IPBLOCK_TRUSTED_PROXIES", &cfg.TrustedProxies)

	collect(envCounterRule("REQUESTS_PER_MINUTE", &cfg.Rules.RequestsPerMinute))
	collect(envCounterRule("NOT_FOUND_PER_MINUTE", &cfg.Rules.NotFoundPerMinute))
	collect(envCounterRule("UNAUTHORIZED_PER_MINUTE", &cfg.Rules.UnauthorizedPerMinute))
	collect(envBool("IPBLOCK_RULE_SUSPICIOUS_PAYLOAD_ENABLED", &cfg.Rules.SuspiciousPayload.Enabled))

	return errors.Join(errs...)
}

func envCounterRule(name string, rule *CounterRuleConfig) error {
	prefix := "IPBLOCK_RULE_" + name + "_"
	return errors.Join(
		envBool(prefix+"ENABLED", &rule.Enabled),
		envInt(prefix+"LIMIT", &rule.Limit),
		envInt(prefix+"WINDOW_SECONDS", &rule.WindowSeconds),
	)
}

// BlockTTL and the other accessors convert the YAML units.
func (c IPBlockConfig) BlockTTL() time.Duration {
	return time.Duration(c.BlockTTLSeconds) * time.Second
}

func (c IPBlockConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

func (c IPBlockConfig) EvictInterval() time.Duration {
	return time.Duration(c.EvictIntervalSeconds) * time.Second
}

// DomainRules converts the rule section.
func (c IPBlockConfig) DomainRules() domain.RulesConfig {
	return domain.RulesConfig{
		RequestsPerMinute:     c.Rules.RequestsPerMinute.toDomain(),
		NotFoundPerMinute:     c.Rules.NotFoundPerMinute.toDomain(),
		UnauthorizedPerMinute: c.Rules.UnauthorizedPerMinute.toDomain(),
		SuspiciousPayload: domain.PayloadRule{
			Enabled:  c.Rules.SuspiciousPayload.Enabled,
			Patterns: append([]string(nil), c.Rules.SuspiciousPayload.Patterns...),
		},
	}
}

func (r CounterRuleConfig) toDomain() domain.CounterRule {
	return domain.CounterRule{
		Enabled: r.Enabled,
		Limit:   r.Limit,
		Window:  time.Duration(r.WindowSeconds) * time.Second,
	}
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return RedisConfig{
		Host:     host,
		Port:     port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func envInt(key string, dst *int) error {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

// envList replaces dst with the comma separated values of key, if set.
func envList(key string, dst *[]string) {
	raw := getEnv(key, "")
	if raw == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
