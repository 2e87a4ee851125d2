package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestWorkerAuth_DisabledByDefault(t *testing.T) {
	a := NewWorkerAuth(AuthConfig{})
	if a.Enabled() {
		t.Fatal("Enabled() = true, want false with no credentials configured")
	}

	r := httptest.NewRequest("POST", "/register", nil)
	if err := a.Check(r); err != nil {
		t.Errorf("Check() = %v, want nil when auth is disabled", err)
	}
}

func TestWorkerAuth_RegisterToken(t *testing.T) {
	a := NewWorkerAuth(AuthConfig{RegisterToken: "s3cr3t"})

	r := httptest.NewRequest("POST", "/register", nil)
	r.Header.Set("Authorization", "Bearer s3cr3t")
	if err := a.Check(r); err != nil {
		t.Errorf("Check() = %v, want nil for correct token", err)
	}

	r = httptest.NewRequest("POST", "/register", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if err := a.Check(r); err == nil {
		t.Error("Check() = nil, want error for wrong token")
	}

	r = httptest.NewRequest("POST", "/register", nil)
	if err := a.Check(r); err == nil {
		t.Error("Check() = nil, want error for missing token")
	}
}

func TestWorkerAuth_TokenViaQueryParam(t *testing.T) {
	a := NewWorkerAuth(AuthConfig{RegisterToken: "s3cr3t"})

	r := httptest.NewRequest("GET", "/stream?node_id=n_1&token=s3cr3t", nil)
	if err := a.Check(r); err != nil {
		t.Errorf("Check() = %v, want nil for token in query param", err)
	}
}

func TestWorkerAuth_JWT(t *testing.T) {
	a := NewWorkerAuth(AuthConfig{JWTSecret: "signing-secret"})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "n_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("signing-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	r := httptest.NewRequest("POST", "/register", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	if err := a.Check(r); err != nil {
		t.Errorf("Check() = %v, want nil for valid JWT", err)
	}

	r = httptest.NewRequest("POST", "/register", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")
	if err := a.Check(r); err == nil {
		t.Error("Check() = nil, want error for malformed JWT")
	}
}
