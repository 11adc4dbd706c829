// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, roles and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("alice", RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	p, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if p.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", p.Subject, "alice")
	}
	if p.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", p.Role, RoleOperator)
	}
	if !p.CanWrite() {
		t.Error("operator should be able to write")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-completely-different-secret-32"))
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := other.Generate("alice", RoleViewer, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("alice", RoleViewer, time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	verifier.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_Claims(t *testing.T) {
	verifier := newTestVerifier(t)

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("missing sub", func(t *testing.T) {
		_, err := verifier.Verify(sign(jwt.MapClaims{"exp": exp}))
		if !errors.Is(err, ErrMissingClaim) {
			t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
		}
	})

	t.Run("missing role defaults to viewer", func(t *testing.T) {
		p, err := verifier.Verify(sign(jwt.MapClaims{"sub": "bob", "exp": exp}))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if p.Role != RoleViewer || p.CanWrite() {
			t.Errorf("Role = %q, want viewer without write access", p.Role)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := verifier.Verify(sign(jwt.MapClaims{"sub": "bob", "role": "root", "exp": exp}))
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestJWTVerifier_GenerateRejectsUnknownRole(t *testing.T) {
	verifier := newTestVerifier(t)
	if _, err := verifier.Generate("alice", Role("root"), time.Hour); err == nil {
		t.Error("Generate() should reject an unknown role")
	}
}
