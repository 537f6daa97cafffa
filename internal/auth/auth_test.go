package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func TestGetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/auth/accounts/google/token":
			fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_at":1900000000}`)
		case "/api/auth/accounts/microsoft/token":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "boom")
		}
	}))
	defer srv.Close()

	c := NewBetterAuthClient(srv.URL + "/")
	ctx := context.Background()

	tok, err := c.GetToken(ctx, "good", ProviderGoogle)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.Expiry.Unix() != 1900000000 {
		t.Fatalf("unexpected token %+v", tok)
	}

	if _, err := c.GetToken(ctx, "good", ProviderMicrosoft); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount, got %v", err)
	}
	if _, err := c.GetToken(ctx, "bad", ProviderGoogle); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.GetToken(ctx, "good", Provider("other")); err == nil {
		t.Fatal("expected error for server failure")
	}
}

func newSigningKey(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	_ = priv.Set(jwk.KeyIDKey, "k1")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	_ = pub.Set(jwk.KeyIDKey, "k1")
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	return priv, set
}

func signedRequest(t *testing.T, key jwk.Key, subject string, exp time.Time) *http.Request {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Claim("email", "ops@example.com").
		Claim("name", "Ops").
		Expiration(exp).
		Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/mailboxes", nil)
	r.Header.Set("Authorization", "Bearer "+string(signed))
	return r
}

func TestPrincipalFromRequest(t *testing.T) {
	key, set := newSigningKey(t)
	v := NewStaticVerifier(set)
	defer v.Close()

	p, err := v.PrincipalFromRequest(signedRequest(t, key, "user-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "user-1" || p.Email != "ops@example.com" || p.Name != "Ops" {
		t.Fatalf("unexpected principal %+v", p)
	}

	if _, err := v.PrincipalFromRequest(signedRequest(t, key, "user-1", time.Now().Add(-time.Hour))); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
	if _, err := v.PrincipalFromRequest(signedRequest(t, key, "", time.Now().Add(time.Hour))); err == nil {
		t.Fatal("expected token without subject to be rejected")
	}

	other, _ := newSigningKey(t)
	if _, err := v.PrincipalFromRequest(signedRequest(t, other, "user-1", time.Now().Add(time.Hour))); err == nil {
		t.Fatal("expected token signed by an unknown key to be rejected")
	}

	if _, err := v.PrincipalFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected missing token to be rejected")
	}
}
