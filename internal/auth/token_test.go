package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func claimsFor(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub, ID: "jti-1"},
		Name:             "Avery",
		Role:             "editor",
		Docs:             []string{"team/"},
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, claimsFor("user-1"), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, " "+issued+" ")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.Name != "Avery" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Docs) != 1 || claims.Docs[0] != "team/" {
		t.Fatalf("Docs = %v", claims.Docs)
	}
}

func TestParseTokenFailures(t *testing.T) {
	secret := []byte("secret")
	expired, err := IssueToken(secret, claimsFor("user-1"), -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	// a zero ttl leaves exp unset, which ParseToken refuses.
	noExpiry, err := IssueToken(secret, claimsFor("user-1"), 0)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	noSubject, err := IssueToken(secret, claimsFor(""), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	valid, err := IssueToken(secret, claimsFor("user-1"), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	tests := []struct {
		name   string
		secret []byte
		token  string
		want   error
	}{
		{name: "expired", secret: secret, token: expired, want: ErrExpiredToken},
		{name: "no expiry", secret: secret, token: noExpiry, want: ErrInvalidToken},
		{name: "no subject", secret: secret, token: noSubject, want: ErrInvalidToken},
		{name: "wrong secret", secret: []byte("other"), token: valid, want: ErrInvalidToken},
		{name: "alg none", secret: secret, token: none, want: ErrInvalidToken},
		{name: "garbage", secret: secret, token: "not-a-token", want: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.secret, tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}
