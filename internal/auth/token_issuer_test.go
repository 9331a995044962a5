package auth

import (
	"testing"
	"time"
)

func TestSessionIssuerTokensPassValidation(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      15 * time.Minute,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.Issue(testSessionUserID, testSessionUserEmail)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := newTestValidator(t, clockNow.Add(time.Minute)).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != testSessionUserID || claims.UserID != testSessionUserID {
		t.Fatalf("unexpected claims %#v", claims)
	}

	if _, err := newTestValidator(t, clockNow.Add(time.Hour)).ValidateToken(token); err == nil {
		t.Fatalf("expected token to expire")
	}
}

func TestSessionIssuerRejectsMissingInputs(t *testing.T) {
	if _, err := NewSessionIssuer(SessionIssuerConfig{Issuer: testSessionIssuer}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte("x")}); err == nil {
		t.Fatalf("expected constructor error for missing issuer")
	}

	issuer, err := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte("x"), Issuer: testSessionIssuer})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue(" ", ""); err == nil {
		t.Fatalf("expected missing subject error")
	}
}
