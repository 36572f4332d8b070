package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenManager caches a bearer token for the upstream dial, refreshing it
// from an HTTP token endpoint inside the refresh buffer.
type TokenManager struct {
	endpoint      string
	refreshBuffer time.Duration
	client        *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(endpoint string, refreshBufferSeconds float64) *TokenManager {
	return &TokenManager{
		endpoint:      endpoint,
		refreshBuffer: time.Duration(refreshBufferSeconds * float64(time.Second)),
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns a valid bearer token, refreshing if the cached one is
// inside the refresh buffer.
func (tm *TokenManager) Token() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.refreshBuffer)) {
		return tm.token, nil
	}
	return tm.refreshToken()
}

func (tm *TokenManager) refreshToken() (string, error) {
	req, err := http.NewRequest(http.MethodPost, tm.endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", NewAuthError(fmt.Sprintf("token endpoint returned %s", resp.Status))
	}

	var data struct {
		Token     string  `json:"token"`
		ExpiresAt float64 `json:"expiresAt"` // unix millis
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	if data.Token == "" {
		return "", NewAuthError("token endpoint returned no token")
	}

	tm.token = data.Token
	tm.expiresAt = time.UnixMilli(int64(data.ExpiresAt))
	return tm.token, nil
}

// Clear discards the cached token.
func (tm *TokenManager) Clear() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.token = ""
	tm.expiresAt = time.Time{}
}

// Browser session tokens: short-lived HS256 JWTs minted from the service
// API key. The browser obtains one out of band and presents it when
// opening its stream.

const sessionTokenTTL = 10 * time.Minute

// GenerateSessionToken mints a session token for a browser client.
// callerID is optional and carried as the subject claim.
func GenerateSessionToken(apiKey, callerID string) (string, error) {
	if apiKey == "" {
		return "", NewAuthError("api key not configured")
	}
	claims := jwt.MapClaims{
		"exp": time.Now().Add(sessionTokenTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	if callerID != "" {
		claims["sub"] = callerID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(apiKey))
	if err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	return signed, nil
}

// ValidateSessionToken verifies a browser session token and returns the
// caller identity claim, which may be empty.
func ValidateSessionToken(tokenString, apiKey string) (string, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(apiKey), nil
	})
	if err != nil {
		return "", WrapError(err, ErrCodeAuthFailed)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", NewAuthError("invalid session token")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}
