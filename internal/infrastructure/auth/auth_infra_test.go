package authinfra

import (
	"testing"
	"time"
)

func TestJWTIssuer_IssueAndParse(t *testing.T) {
	issuer := NewJWTIssuer("secret", time.Hour)

	token, exp, err := issuer.Issue("ops")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Errorf("expiry should be in the future, got %v", exp)
	}

	claims, err := issuer.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("ParseAccessToken failed: %v", err)
	}
	if claims.Subject != "ops" || claims.Scope != ScopeJobs {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestJWTIssuer_Rejects(t *testing.T) {
	issuer := NewJWTIssuer("secret", time.Hour)

	t.Run("empty_subject", func(t *testing.T) {
		if _, _, err := issuer.Issue(" "); err == nil {
			t.Error("expected error for empty subject")
		}
	})

	t.Run("missing_secret", func(t *testing.T) {
		if _, _, err := NewJWTIssuer("", time.Hour).Issue("ops"); err == nil {
			t.Error("expected error without secret")
		}
	})

	t.Run("wrong_secret", func(t *testing.T) {
		token, _, _ := NewJWTIssuer("other", time.Hour).Issue("ops")
		if _, err := issuer.ParseAccessToken(token); err == nil {
			t.Error("expected signature error")
		}
	})

	t.Run("expired", func(t *testing.T) {
		old := NewJWTIssuer("secret", time.Minute)
		old.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, _ := old.Issue("ops")
		if _, err := issuer.ParseAccessToken(token); err == nil {
			t.Error("expected expired token error")
		}
	})
}
