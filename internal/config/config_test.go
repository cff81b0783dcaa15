package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("TOKEN_SEAL_KEY", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.TokenSealKey != "" {
		t.Fatalf("expected empty TOKEN_SEAL_KEY when unset, got %q", cfg.TokenSealKey)
	}
}

func TestLoadSealKeyFallsBackToAuthSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TOKEN_SEAL_KEY", "")

	cfg := Load()
	if cfg.TokenSealKey != cfg.AuthSecret {
		t.Fatalf("expected seal key to fall back to AUTH_SECRET, got %q", cfg.TokenSealKey)
	}
}

func TestLoadLedgerSettings(t *testing.T) {
	t.Setenv("QBO_CLIENT_ID", "client")
	t.Setenv("QBO_CLIENT_SECRET", "secret")
	t.Setenv("QBO_HTTP_TIMEOUT_SECONDS", "12")
	t.Setenv("QBO_ACCOUNT_SALES", "401")
	t.Setenv("AUTO_SYNC", "true")
	t.Setenv("SCHEME_CACHE_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if !cfg.LedgerEnabled() {
		t.Fatalf("expected ledger to be enabled")
	}
	if !cfg.AutoSync {
		t.Fatalf("expected AUTO_SYNC to parse as true")
	}
	if cfg.QuickBooks.HTTPTimeout != 12*time.Second {
		t.Fatalf("expected 12s timeout, got %s", cfg.QuickBooks.HTTPTimeout)
	}
	if cfg.QuickBooks.Accounts.SalesIncome != "401" {
		t.Fatalf("expected sales account override, got %q", cfg.QuickBooks.Accounts.SalesIncome)
	}
	if cfg.QuickBooks.Accounts.AccountsReceivable != "84" {
		t.Fatalf("expected default receivable account, got %q", cfg.QuickBooks.Accounts.AccountsReceivable)
	}
	if cfg.SchemeCacheTTL() != time.Minute {
		t.Fatalf("expected invalid ttl to fall back to 60s, got %s", cfg.SchemeCacheTTL())
	}
}
