package ghapp

import (
	"fmt"
	"sync"
	"time"
)

// TokenRefreshBuffer is the time before expiry a refresh is triggered, well
// inside the 1-hour installation token lifetime.
const TokenRefreshBuffer = 5 * time.Minute

// TokenManager tracks a GitHub App installation token's expiration and
// refreshes it on demand.
type TokenManager struct {
	mu sync.RWMutex

	appID          string
	installationID int64
	privateKey     []byte

	token     string
	expiresAt time.Time

	jwtGenerator   *JWTGenerator
	tokenExchanger *TokenExchanger

	nowFunc func() time.Time
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithNowFunc sets a custom time function for testing.
func WithNowFunc(fn func() time.Time) TokenManagerOption {
	return func(tm *TokenManager) {
		tm.nowFunc = fn
	}
}

// WithTokenExchanger sets a custom token exchanger (useful for testing).
func WithTokenExchanger(exchanger *TokenExchanger) TokenManagerOption {
	return func(tm *TokenManager) {
		tm.tokenExchanger = exchanger
	}
}

// NewTokenManager creates a TokenManager for the given GitHub App
// credentials, validating the private key eagerly.
func NewTokenManager(appID string, installationID int64, privateKey []byte, opts ...TokenManagerOption) (*TokenManager, error) {
	if appID == "" {
		return nil, fmt.Errorf("app ID cannot be empty")
	}
	if installationID <= 0 {
		return nil, fmt.Errorf("installation ID must be positive")
	}
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	jwtGen, err := NewJWTGenerator(appID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT generator: %w", err)
	}

	tm := &TokenManager{
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKey,
		jwtGenerator:   jwtGen,
		tokenExchanger: NewTokenExchanger(),
		nowFunc:        time.Now,
	}

	for _, opt := range opts {
		opt(tm)
	}

	return tm, nil
}

// Token returns a valid installation token, refreshing it first if needed.
func (tm *TokenManager) Token() (string, error) {
	tm.mu.RLock()
	if tm.isValidLocked() {
		token := tm.token
		tm.mu.RUnlock()
		return token, nil
	}
	tm.mu.RUnlock()

	return tm.Refresh()
}

// Refresh forces a token refresh regardless of current validity.
func (tm *TokenManager) Refresh() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	jwt, err := tm.jwtGenerator.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}

	installToken, err := tm.tokenExchanger.ExchangeToken(jwt, tm.installationID)
	if err != nil {
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}

	tm.token = installToken.Token
	tm.expiresAt = installToken.ExpiresAt

	return tm.token, nil
}

// NeedsRefresh reports whether the current token is missing, expired, or
// expiring soon.
func (tm *TokenManager) NeedsRefresh() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return !tm.isValidLocked()
}

// ExpiresAt returns the current token's expiration, or the zero time if
// none has been fetched yet.
func (tm *TokenManager) ExpiresAt() time.Time {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.expiresAt
}

func (tm *TokenManager) isValidLocked() bool {
	if tm.token == "" {
		return false
	}
	now := tm.nowFunc()
	return tm.expiresAt.After(now.Add(TokenRefreshBuffer))
}
