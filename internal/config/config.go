/**
 * @description
 * Configuration for the link service binaries. Values come from environment
 * variables and an optional .env file through Viper, followed by a normalization
 * pass that trims, clamps and cross-checks them.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kessai/link-service/internal/domain"
)

const (
	defaultRateLimitPrefix = "kessai:rate_limit"
	defaultExpirySchedule  = "@every 1m"
	defaultEventsExchange  = "kessai.events"
)

// Config holds every setting used by cmd/api and cmd/scheduler.
type Config struct {
	AppEnv                     string `mapstructure:"APP_ENV"`
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	LogLevel                   string `mapstructure:"LOG_LEVEL"`
	LogFormat                  string `mapstructure:"LOG_FORMAT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	StoreDriver                string `mapstructure:"STORE_DRIVER"`
	DBAutoMigrate              bool   `mapstructure:"DB_AUTO_MIGRATE"`
	VaultMasterKey             string `mapstructure:"VAULT_MASTER_KEY"`
	JWTSigningKey              string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer                  string `mapstructure:"JWT_ISSUER"`
	JWTAudience                string `mapstructure:"JWT_AUDIENCE"`
	PublicBaseURL              string `mapstructure:"PUBLIC_BASE_URL"`
	DefaultSuccessURL          string `mapstructure:"DEFAULT_SUCCESS_URL"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ProviderRateLimitPerMinute int    `mapstructure:"PROVIDER_RATE_LIMIT_PER_MINUTE"`
	ProviderHTTPTimeoutSeconds int    `mapstructure:"PROVIDER_HTTP_TIMEOUT_SECONDS"`
	LinkExpirySchedule         string `mapstructure:"LINK_EXPIRY_SCHEDULE"`

	// ProviderEndpoints holds <PROVIDER>_SANDBOX_BASE_URL / <PROVIDER>_LIVE_BASE_URL overrides.
	ProviderEndpoints map[domain.Provider]EndpointOverride `mapstructure:"-"`
}

// EndpointOverride replaces a provider's default API hosts. Empty fields keep the default.
type EndpointOverride struct {
	Sandbox string
	Live    string
}

// ProductionLike reports whether missing secrets must fail startup.
func (c Config) ProductionLike() bool {
	switch strings.ToLower(c.AppEnv) {
	case "production", "prod", "staging":
		return true
	}
	return false
}

// ProviderHTTPTimeout is the outbound provider call timeout.
func (c Config) ProviderHTTPTimeout() time.Duration {
	return time.Duration(c.ProviderHTTPTimeoutSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("DB_AUTO_MIGRATE", true)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("PROVIDER_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("PROVIDER_HTTP_TIMEOUT_SECONDS", 30)
	viper.SetDefault("LINK_EXPIRY_SCHEDULE", defaultExpirySchedule)

	// Bind explicitly so Unmarshal sees variables that only exist in the environment.
	_ = viper.BindEnv("APP_ENV", "APP_ENV", "ENVIRONMENT")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DB_AUTO_MIGRATE")
	_ = viper.BindEnv("VAULT_MASTER_KEY")
	_ = viper.BindEnv("JWT_SIGNING_KEY")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("DEFAULT_SUCCESS_URL")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("PROVIDER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PROVIDER_HTTP_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LINK_EXPIRY_SCHEDULE")
	for _, p := range domain.Providers {
		_ = viper.BindEnv(endpointKey(p, "SANDBOX"))
		_ = viper.BindEnv(endpointKey(p, "LIVE"))
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.AppEnv = strings.ToLower(strings.TrimSpace(config.AppEnv))
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.VaultMasterKey = strings.TrimSpace(config.VaultMasterKey)
	config.JWTSigningKey = strings.TrimSpace(config.JWTSigningKey)
	config.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PublicBaseURL), "/")
	config.DefaultSuccessURL = strings.TrimSpace(config.DefaultSuccessURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = defaultEventsExchange
	}
	if strings.TrimSpace(config.LinkExpirySchedule) == "" {
		config.LinkExpirySchedule = defaultExpirySchedule
	}
	if config.LogFormat != "json" && config.LogFormat != "text" {
		log.Printf("level=warn component=config msg=\"unknown LOG_FORMAT; using text\" value=%q", config.LogFormat)
		config.LogFormat = "text"
	}
	if config.StoreDriver != "postgres" && config.StoreDriver != "memory" {
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = "postgres"
	}
	if config.ProviderRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative provider rate limit; disabling\" value=%d", config.ProviderRateLimitPerMinute)
		config.ProviderRateLimitPerMinute = 0
	}
	if config.ProviderHTTPTimeoutSeconds <= 0 {
		config.ProviderHTTPTimeoutSeconds = 30
	}

	config.ProviderEndpoints = make(map[domain.Provider]EndpointOverride)
	for _, p := range domain.Providers {
		override := EndpointOverride{
			Sandbox: strings.TrimSpace(viper.GetString(endpointKey(p, "SANDBOX"))),
			Live:    strings.TrimSpace(viper.GetString(endpointKey(p, "LIVE"))),
		}
		if override != (EndpointOverride{}) {
			config.ProviderEndpoints[p] = override
		}
	}

	if config.ProductionLike() {
		var missing []string
		if config.JWTSigningKey == "" {
			missing = append(missing, "JWT_SIGNING_KEY")
		}
		if config.StoreDriver == "postgres" && config.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if config.StoreDriver == "memory" {
			missing = append(missing, "STORE_DRIVER=postgres")
		}
		if len(missing) > 0 {
			err = fmt.Errorf("%s environment requires %s", config.AppEnv, strings.Join(missing, ", "))
			return
		}
	}
	if config.StoreDriver == "postgres" && config.DatabaseURL == "" {
		err = errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		return
	}
	return
}

func endpointKey(p domain.Provider, mode string) string {
	return strings.ToUpper(string(p)) + "_" + mode + "_BASE_URL"
}
