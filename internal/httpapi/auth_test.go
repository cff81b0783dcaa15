package httpapi

import (
	"testing"
	"time"
)

func TestAuthManagerRoundTrip(t *testing.T) {
	auth := NewAuthManager(testSecret)

	token, err := auth.IssueToken("acct-42", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	accountID, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if accountID != "acct-42" {
		t.Fatalf("expected acct-42, got %q", accountID)
	}
}

func TestAuthManagerRejectsExpiredToken(t *testing.T) {
	auth := NewAuthManager(testSecret)
	issuedAt := time.Now().UTC().Add(-2 * time.Hour)
	auth.now = func() time.Time { return issuedAt }

	token, err := auth.IssueToken("acct-42", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	auth.now = func() time.Time { return time.Now().UTC() }
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestAuthManagerRejectsOtherSecret(t *testing.T) {
	token, err := NewAuthManager("other-secret-with-more-than-32-chars").IssueToken("acct-42", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewAuthManager(testSecret).ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestAuthManagerRequiresAccount(t *testing.T) {
	if _, err := NewAuthManager(testSecret).IssueToken("  ", time.Hour); err == nil {
		t.Fatalf("expected empty account id to be refused")
	}
}
