package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"invoicehub/backend/internal/config"
	"invoicehub/backend/internal/httpapi"
	"invoicehub/backend/internal/quickbooks"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, TokenSealKey: strongSecret})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresSealKeyWithLedger(t *testing.T) {
	cfg := config.Config{
		AuthSecret:   strongSecret,
		TokenSealKey: "short",
		QuickBooks:   quickbooks.Config{ClientID: "id", ClientSecret: "secret"},
	}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected short seal key to be rejected when the ledger is enabled")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_OUTPUT", "stderr")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("AUTH_SECRET", strongSecret)

	out, err := runCLI(t, "token", "--account", "acct-main", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token command failed: %v", err)
	}
	accountID, err := httpapi.NewAuthManager(strongSecret).ParseToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if accountID != "acct-main" {
		t.Fatalf("expected acct-main, got %q", accountID)
	}
}

func TestTokenCommandRequiresAccount(t *testing.T) {
	t.Setenv("AUTH_SECRET", strongSecret)

	if _, err := runCLI(t, "token"); err == nil {
		t.Fatalf("expected missing account to fail")
	}
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := runCLI(t, "migrate")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestSyncPendingRequiresLedger(t *testing.T) {
	t.Setenv("QBO_CLIENT_ID", "")
	t.Setenv("QBO_CLIENT_SECRET", "")

	_, err := runCLI(t, "sync-pending", "--account", "acct-main")
	if err == nil || !strings.Contains(err.Error(), "QBO_CLIENT_ID") {
		t.Fatalf("expected ledger configuration error, got %v", err)
	}
}

func TestServeRejectsWeakSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "short")

	if _, err := runCLI(t, "serve"); err == nil {
		t.Fatalf("expected serve to refuse a weak AUTH_SECRET")
	}
}

func TestWriteTimeoutCoversInlineSync(t *testing.T) {
	ledger := quickbooks.Config{ClientID: "id", ClientSecret: "secret", HTTPTimeout: 12 * time.Second}

	if got := writeTimeout(config.Config{QuickBooks: ledger}); got != baseWriteTimeout {
		t.Fatalf("expected base timeout without auto sync, got %s", got)
	}
	if got := writeTimeout(config.Config{AutoSync: true}); got != baseWriteTimeout {
		t.Fatalf("expected base timeout without a ledger, got %s", got)
	}

	got := writeTimeout(config.Config{AutoSync: true, QuickBooks: ledger})
	if want := baseWriteTimeout + 4*12*time.Second; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	ledger.HTTPTimeout = 0
	if got := writeTimeout(config.Config{AutoSync: true, QuickBooks: ledger}); got != baseWriteTimeout+4*ledgerTimeout {
		t.Fatalf("expected default ledger timeout to apply, got %s", got)
	}
}
