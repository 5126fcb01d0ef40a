package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// expirySlack is how long before a JWT's exp claim the cached copy is refreshed.
const expirySlack = 30 * time.Second

// TokenSource supplies the credential for a transcription request. Tokens
// are opaque and must never be logged.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a long-lived API key.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty API key")
	}
	return string(s), nil
}

// HTTPTokenSource fetches short-lived credentials from an internal token
// route. The response is either JSON with a "token" field or the bare token.
// Tokens are cached for TTL, or until shortly before their exp claim when
// the route hands out JWTs.
type HTTPTokenSource struct {
	URL    string
	TTL    time.Duration
	client *TracedClient

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewHTTPTokenSource(url string, ttl time.Duration) *HTTPTokenSource {
	return &HTTPTokenSource{URL: url, TTL: ttl, client: NewTracedClient(10 * time.Second)}
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *HTTPTokenSource) Token(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token != "" && time.Now().Before(h.expires) {
		return h.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do("token", req)
	if err != nil {
		return "", &RequestError{Op: "token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{Op: "token", Status: resp.StatusCode}
	}

	token := ""
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err == nil {
		token = tr.Token
	} else {
		token = strings.TrimSpace(string(resp.Body))
	}
	if token == "" {
		return "", fmt.Errorf("token route returned no token")
	}

	h.token = token
	h.expires = expiry(token, time.Now(), h.TTL)
	return token, nil
}

// expiry returns when a fetched token stops being reusable. The token is
// never verified here; only its exp claim is read.
func expiry(token string, now time.Time, ttl time.Duration) time.Time {
	fallback := now.Add(ttl)
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return fallback
	}
	exp := claims.ExpiresAt.Time.Add(-expirySlack)
	if ttl > 0 && exp.After(fallback) {
		return fallback
	}
	return exp
}
