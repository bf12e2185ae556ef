package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"

	"github.com/bec-project/bec-atlas/pkg/docstore/memory"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
)

const testIssuer = "https://login.example.org/realms/facility"

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]interface{}) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	raw, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("CompactSerialize() error = %v", err)
	}
	return raw
}

func testVerifier(t *testing.T) (*OIDCVerifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	return NewOIDCVerifierWithKeySet(OIDCConfig{IssuerURL: testIssuer, ClientID: "atlas"}, keys), key
}

func validClaims() map[string]interface{} {
	return map[string]interface{}{
		"iss":                testIssuer,
		"aud":                "atlas",
		"sub":                "u-1",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"email":              "alice@x",
		"preferred_username": "alice",
	}
}

func TestOIDCVerifier_Verify(t *testing.T) {
	v, key := testVerifier(t)

	claims, err := v.Verify(context.Background(), signToken(t, key, validClaims()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Email != "alice@x" || claims.Username != "alice" || claims.Subject != "u-1" {
		t.Errorf("Verify() claims = %+v", claims)
	}
}

func TestOIDCVerifier_Rejects(t *testing.T) {
	v, key := testVerifier(t)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAudience := validClaims()
	wrongAudience["aud"] = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", signToken(t, key, expired)},
		{"wrong audience", signToken(t, key, wrongAudience)},
		{"foreign key", signToken(t, other, validClaims())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); err == nil {
				t.Error("Verify() expected error")
			}
		})
	}
}

type stubVerifier struct {
	claims *Claims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (*Claims, error) { return s.claims, s.err }

func TestResolver_Resolve(t *testing.T) {
	docs := memory.New()
	ctx := context.Background()
	if err := docs.Insert(ctx, models.CollectionUsers, models.User{
		ID: "u1", OwnerGroups: []string{"admin"}, Email: "alice@x", Username: "alice", Groups: []string{"p1234"},
	}); err != nil {
		t.Fatal(err)
	}

	user, err := NewResolver(stubVerifier{claims: &Claims{Email: "alice@x"}}, docs, nil).Resolve(ctx, "tok")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if user.Username != "alice" || len(user.Groups) != 1 {
		t.Errorf("Resolve() user = %+v", user)
	}

	tests := []struct {
		name     string
		verifier Verifier
		token    string
	}{
		{"missing token", stubVerifier{}, ""},
		{"invalid token", stubVerifier{err: errors.New("bad signature")}, "tok"},
		{"no email", stubVerifier{claims: &Claims{Subject: "u-1"}}, "tok"},
		{"unknown user", stubVerifier{claims: &Claims{Email: "eve@x"}}, "tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.verifier, docs, nil).Resolve(ctx, tt.token)
			if !errdefs.IsForbidden(err) {
				t.Errorf("Resolve() error = %v, want forbidden", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		cookie string
		want   string
	}{
		{"bearer header", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"cookie", "", "xyz", "xyz"},
		{"header wins", "Bearer abc", "xyz", "abc"},
		{"basic auth", "Basic dXNlcg==", "xyz", ""},
		{"nothing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
