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
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the lending-service.
// These values are loaded from environment variables. Money amounts are in
// KES cents unless the variable name says otherwise.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	DarajaBaseURL            string `mapstructure:"DARAJA_BASE_URL"`
	DarajaConsumerKey        string `mapstructure:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret     string `mapstructure:"DARAJA_CONSUMER_SECRET"`
	DarajaShortCode          string `mapstructure:"DARAJA_SHORTCODE"`
	DarajaPasskey            string `mapstructure:"DARAJA_PASSKEY"`
	DarajaInitiatorName      string `mapstructure:"DARAJA_INITIATOR_NAME"`
	DarajaSecurityCredential string `mapstructure:"DARAJA_SECURITY_CREDENTIAL"`
	DarajaCallbackBaseURL    string `mapstructure:"DARAJA_CALLBACK_BASE_URL"`

	// PlatformAccountID is the reserved treasury account every disbursement
	// debit and repayment credit posts against.
	PlatformAccountID string `mapstructure:"PLATFORM_ACCOUNT_ID"`

	DefaultLoanLimitCents   int64 `mapstructure:"DEFAULT_LOAN_LIMIT_CENTS"`
	MaxLoanLimitCents       int64 `mapstructure:"MAX_LOAN_LIMIT_CENTS"`
	InstantApprovalMaxCents int64 `mapstructure:"INSTANT_APPROVAL_MAX_CENTS"`
	InterestRateBps         int   `mapstructure:"INTEREST_RATE_BPS"`
	LoanTermDays            int   `mapstructure:"LOAN_TERM_DAYS"`
	DefaultGraceDays        int   `mapstructure:"DEFAULT_GRACE_DAYS"`

	SessionTTLSeconds      int `mapstructure:"USSD_SESSION_TTL_SECONDS"`
	UssdRateLimitPerMinute int `mapstructure:"USSD_RATE_LIMIT_PER_MINUTE"`
	StaleEventWindowHours  int `mapstructure:"STALE_EVENT_WINDOW_HOURS"`
	RescoreIntervalHours   int `mapstructure:"RESCORE_INTERVAL_HOURS"`

	CreditScoringSchedule string `mapstructure:"CREDIT_SCORING_SCHEDULE"`
	OverdueSweepSchedule  string `mapstructure:"OVERDUE_SWEEP_SCHEDULE"`
	DefaultSweepSchedule  string `mapstructure:"DEFAULT_SWEEP_SCHEDULE"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "lending:rate_limit")
	viper.SetDefault("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("DEFAULT_LOAN_LIMIT_CENTS", 500_000)       // KES 5,000
	viper.SetDefault("MAX_LOAN_LIMIT_CENTS", 5_000_000)         // KES 50,000
	viper.SetDefault("INSTANT_APPROVAL_MAX_CENTS", 1_000_000)   // KES 10,000
	viper.SetDefault("INTEREST_RATE_BPS", 1500)
	viper.SetDefault("LOAN_TERM_DAYS", 30)
	viper.SetDefault("DEFAULT_GRACE_DAYS", 14)
	viper.SetDefault("USSD_SESSION_TTL_SECONDS", 120)
	viper.SetDefault("USSD_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("STALE_EVENT_WINDOW_HOURS", 24)
	viper.SetDefault("RESCORE_INTERVAL_HOURS", 168)
	viper.SetDefault("CREDIT_SCORING_SCHEDULE", "0 2 * * *")
	viper.SetDefault("OVERDUE_SWEEP_SCHEDULE", "30 0 * * *")
	viper.SetDefault("DEFAULT_SWEEP_SCHEDULE", "0 1 * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LENDING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LENDING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DARAJA_BASE_URL")
	_ = viper.BindEnv("DARAJA_CONSUMER_KEY")
	_ = viper.BindEnv("DARAJA_CONSUMER_SECRET")
	_ = viper.BindEnv("DARAJA_SHORTCODE")
	_ = viper.BindEnv("DARAJA_PASSKEY")
	_ = viper.BindEnv("DARAJA_INITIATOR_NAME")
	_ = viper.BindEnv("DARAJA_SECURITY_CREDENTIAL")
	_ = viper.BindEnv("DARAJA_CALLBACK_BASE_URL")
	_ = viper.BindEnv("PLATFORM_ACCOUNT_ID")
	_ = viper.BindEnv("DEFAULT_LOAN_LIMIT_CENTS")
	_ = viper.BindEnv("DEFAULT_LOAN_LIMIT_KES")
	_ = viper.BindEnv("MAX_LOAN_LIMIT_CENTS")
	_ = viper.BindEnv("INSTANT_APPROVAL_MAX_CENTS")
	_ = viper.BindEnv("INSTANT_APPROVAL_MAX_KES")
	_ = viper.BindEnv("INTEREST_RATE_BPS")
	_ = viper.BindEnv("LOAN_TERM_DAYS")
	_ = viper.BindEnv("DEFAULT_GRACE_DAYS")
	_ = viper.BindEnv("USSD_SESSION_TTL_SECONDS")
	_ = viper.BindEnv("USSD_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STALE_EVENT_WINDOW_HOURS")
	_ = viper.BindEnv("RESCORE_INTERVAL_HOURS")
	_ = viper.BindEnv("CREDIT_SCORING_SCHEDULE")
	_ = viper.BindEnv("OVERDUE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("DEFAULT_SWEEP_SCHEDULE")

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

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LENDING_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "lending:rate_limit"
	}

	// Allow specifying limits in whole KES via *_KES variables.
	if kes := wholeUnitOverride("DEFAULT_LOAN_LIMIT_KES"); kes >= 0 {
		config.DefaultLoanLimitCents = kes
	}
	if kes := wholeUnitOverride("INSTANT_APPROVAL_MAX_KES"); kes >= 0 {
		config.InstantApprovalMaxCents = kes
	}

	if config.DefaultLoanLimitCents <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive default loan limit configured; using fallback\" limit_cents=%d", config.DefaultLoanLimitCents)
		config.DefaultLoanLimitCents = 500_000
	}
	if config.MaxLoanLimitCents < config.DefaultLoanLimitCents {
		config.MaxLoanLimitCents = config.DefaultLoanLimitCents
	}
	if config.InterestRateBps < 0 {
		log.Printf("level=warn component=config msg=\"negative interest rate configured; coercing to zero\" rate_bps=%d", config.InterestRateBps)
		config.InterestRateBps = 0
	}
	if config.LoanTermDays <= 0 {
		config.LoanTermDays = 30
	}
	if config.DefaultGraceDays <= 0 {
		config.DefaultGraceDays = 14
	}
	if config.SessionTTLSeconds <= 0 {
		config.SessionTTLSeconds = 120
	}
	if config.UssdRateLimitPerMinute <= 0 {
		config.UssdRateLimitPerMinute = 20
	}
	if config.StaleEventWindowHours <= 0 {
		config.StaleEventWindowHours = 24
	}
	if config.RescoreIntervalHours <= 0 {
		config.RescoreIntervalHours = 168
	}

	return
}

// wholeUnitOverride reads an optional whole-KES environment variable and
// returns its value in cents, or -1 when the variable is absent or invalid.
func wholeUnitOverride(key string) int64 {
	if !viper.IsSet(key) {
		return -1
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return -1
	}
	value, parseErr := strconv.ParseFloat(raw, 64)
	if parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid whole-unit override\" key=%s value=%q err=%v", key, raw, parseErr)
		return -1
	}
	return int64(math.Round(value * 100))
}
