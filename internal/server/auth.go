package server

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/sha3"
)

// AuthConfig configures worker authentication on the worker-facing
// endpoints: /register, /stream, /poll, and chunk/done ingress.
// A worker may present either a shared registration token or a bearer
// JWT signed with JWTSecret; either is accepted. If both RegisterToken
// and JWTSecret are empty, authentication is disabled — this matches
// local/dev operation where no token is configured.
type AuthConfig struct {
	RegisterToken string
	JWTSecret     string
}

// WorkerAuth validates the credential a worker presents on the
// worker-facing endpoints: either a shared registration token or a
// bearer JWT.
// There is no per-worker account model, so a single static secret
// covers the fleet.
type WorkerAuth struct {
	cfg AuthConfig
}

// NewWorkerAuth creates a WorkerAuth from cfg.
func NewWorkerAuth(cfg AuthConfig) *WorkerAuth {
	return &WorkerAuth{cfg: cfg}
}

// Enabled reports whether any credential is configured. When disabled,
// Check always succeeds — this is the default for local development.
func (a *WorkerAuth) Enabled() bool {
	return a.cfg.RegisterToken != "" || a.cfg.JWTSecret != ""
}

// Check validates the bearer credential on r, returning an error if
// authentication is enabled and the credential is missing or invalid.
func (a *WorkerAuth) Check(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	token := bearerToken(r)
	if token == "" {
		return errors.New("missing bearer token")
	}

	if a.cfg.RegisterToken != "" && tokensEqual(token, a.cfg.RegisterToken) {
		return nil
	}

	if a.cfg.JWTSecret != "" {
		if _, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(a.cfg.JWTSecret), nil
		}); err == nil {
			return nil
		}
	}

	return errors.New("invalid worker credential")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

// tokensEqual hashes both tokens and compares the digests in constant
// time.
func tokensEqual(a, b string) bool {
	ha, hb := hashToken(a), hashToken(b)
	return subtle.ConstantTimeCompare([]byte(ha), []byte(hb)) == 1
}

func hashToken(token string) string {
	h := sha3.New256()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
