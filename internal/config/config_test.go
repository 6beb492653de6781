package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "DEFAULT_LOAN_LIMIT_CENTS")
	unsetEnvWithCleanup(t, "DEFAULT_LOAN_LIMIT_KES")
	unsetEnvWithCleanup(t, "USSD_SESSION_TTL_SECONDS")
	unsetEnvWithCleanup(t, "CREDIT_SCORING_SCHEDULE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultLoanLimitCents != 500_000 {
		t.Fatalf("expected default loan limit of 500000 cents, got %d", cfg.DefaultLoanLimitCents)
	}
	if cfg.InterestRateBps != 1500 {
		t.Fatalf("expected default interest rate of 1500 bps, got %d", cfg.InterestRateBps)
	}
	if cfg.SessionTTLSeconds != 120 {
		t.Fatalf("expected default session TTL of 120 seconds, got %d", cfg.SessionTTLSeconds)
	}
	if cfg.CreditScoringSchedule != "0 2 * * *" {
		t.Fatalf("expected default scoring schedule, got %q", cfg.CreditScoringSchedule)
	}
}

func TestLoadConfig_WholeKESOverrideWins(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_LOAN_LIMIT_CENTS", "500000")
	setEnvWithCleanup(t, "DEFAULT_LOAN_LIMIT_KES", "8000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultLoanLimitCents != 800_000 {
		t.Fatalf("expected KES 8000 override to yield 800000 cents, got %d", cfg.DefaultLoanLimitCents)
	}
}

func TestLoadConfig_UsesLendingServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LENDING_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_MaxLimitNeverBelowDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_LOAN_LIMIT_CENTS", "2000000")
	setEnvWithCleanup(t, "MAX_LOAN_LIMIT_CENTS", "1000000")
	unsetEnvWithCleanup(t, "DEFAULT_LOAN_LIMIT_KES")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxLoanLimitCents != 2_000_000 {
		t.Fatalf("expected max limit raised to the default limit, got %d", cfg.MaxLoanLimitCents)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PORT", "9191")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9191" {
		t.Fatalf("expected PORT to override ServerPort, got %q", cfg.ServerPort)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
