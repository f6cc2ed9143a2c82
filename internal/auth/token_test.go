package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func claimsFor(sub string, exp time.Time) Claims {
	return Claims{
		Email: sub + "@example.test",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("user-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued, "")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.UserID() != "user-1" || claims.Email != "user-1@example.test" || claims.ID != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("user-1", time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued, "")
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), claimsFor("user-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRequiresSubjectAndExpiry(t *testing.T) {
	secret := []byte("secret")
	noSubject, _ := IssueToken(secret, claimsFor("", time.Now().Add(time.Hour)))
	if _, err := ParseToken(secret, noSubject, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing sub, got %v", err)
	}

	noExpiry, _ := IssueToken(secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	if _, err := ParseToken(secret, noExpiry, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing exp, got %v", err)
	}
}

func TestParseTokenChecksIssuer(t *testing.T) {
	secret := []byte("secret")
	claims := claimsFor("user-1", time.Now().Add(time.Hour))
	claims.Issuer = "https://id.example.test"
	issued, _ := IssueToken(secret, claims)

	if _, err := ParseToken(secret, issued, "https://id.example.test"); err != nil {
		t.Fatalf("expected matching issuer to pass, got %v", err)
	}
	if _, err := ParseToken(secret, issued, "https://elsewhere.test"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch to fail, got %v", err)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("secret"), "not-a-token", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseToken([]byte("secret"), "  ", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
