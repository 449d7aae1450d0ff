/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	RazorpayAPIBaseURL string `mapstructure:"RAZORPAY_API_BASE_URL"`
	RazorpayKeyID      string `mapstructure:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret  string `mapstructure:"RAZORPAY_KEY_SECRET"`
	Currency           string `mapstructure:"CURRENCY"`

	CourseServiceURL  string `mapstructure:"COURSE_SERVICE_URL"`
	ProfileServiceURL string `mapstructure:"PROFILE_SERVICE_URL"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL           string `mapstructure:"JWKS_URL"`

	RetryMaxAttempts int  `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelayMs int  `mapstructure:"RETRY_BASE_DELAY_MS"`
	RetryMaxDelayMs  int  `mapstructure:"RETRY_MAX_DELAY_MS"`
	RetryJitterMs    int  `mapstructure:"RETRY_JITTER_MS"`
	VerifyRateLimit  int  `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	RevalidatePrices bool `mapstructure:"REVALIDATE_PRICES_ON_VERIFY"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	MailFrom     string `mapstructure:"MAIL_FROM"`
}

// RetryBaseDelay returns the configured base backoff delay.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the configured backoff delay ceiling.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// RetryJitter returns the configured maximum backoff jitter.
func (c Config) RetryJitter() time.Duration {
	return time.Duration(c.RetryJitterMs) * time.Millisecond
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("RAZORPAY_API_BASE_URL", "https://api.razorpay.com")
	viper.SetDefault("CURRENCY", "INR")
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BASE_DELAY_MS", 1000)
	viper.SetDefault("RETRY_MAX_DELAY_MS", 8000)
	viper.SetDefault("RETRY_JITTER_MS", 1000)
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("REVALIDATE_PRICES_ON_VERIFY", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "skillbridge:rate_limit")
	viper.SetDefault("SMTP_PORT", 587)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RAZORPAY_API_BASE_URL")
	_ = viper.BindEnv("RAZORPAY_KEY_ID")
	_ = viper.BindEnv("RAZORPAY_KEY_SECRET")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("COURSE_SERVICE_URL")
	_ = viper.BindEnv("PROFILE_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("RETRY_MAX_DELAY_MS")
	_ = viper.BindEnv("RETRY_JITTER_MS")
	_ = viper.BindEnv("VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REVALIDATE_PRICES_ON_VERIFY")
	_ = viper.BindEnv("SMTP_HOST")
	_ = viper.BindEnv("SMTP_PORT")
	_ = viper.BindEnv("SMTP_USERNAME")
	_ = viper.BindEnv("SMTP_PASSWORD")
	_ = viper.BindEnv("MAIL_FROM")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "INR"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "skillbridge:rate_limit"
	}

	if config.RetryMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive retry attempts configured; using default\" attempts=%d", config.RetryMaxAttempts)
		config.RetryMaxAttempts = 3
	}
	if config.RetryBaseDelayMs <= 0 {
		config.RetryBaseDelayMs = 1000
	}
	if config.RetryMaxDelayMs < config.RetryBaseDelayMs {
		log.Printf("level=warn component=config msg=\"retry delay ceiling below base; raising to base\" cap_ms=%d base_ms=%d", config.RetryMaxDelayMs, config.RetryBaseDelayMs)
		config.RetryMaxDelayMs = config.RetryBaseDelayMs
	}
	if config.RetryJitterMs < 0 {
		config.RetryJitterMs = 0
	}
	if config.VerifyRateLimit < 0 {
		config.VerifyRateLimit = 0
	}

	return
}
