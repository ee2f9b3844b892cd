// Package ghapp implements GitHub App authentication and the concrete
// capability.ExternalStateChecker/IssueOps/ProjectProber bindings over the
// GitHub REST API.
package ghapp

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// JWTGenerator signs short-lived GitHub App authentication JWTs.
type JWTGenerator struct {
	appID      string
	privateKey *rsa.PrivateKey
}

// NewJWTGenerator parses a PEM-encoded RSA private key and builds a
// generator for the given App ID.
func NewJWTGenerator(appID string, privateKeyPEM []byte) (*JWTGenerator, error) {
	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &JWTGenerator{
		appID:      appID,
		privateKey: privateKey,
	}, nil
}

// MaxJWTDuration is the longest lifetime GitHub accepts for an App
// authentication JWT.
const MaxJWTDuration = 10 * time.Minute

// GenerateToken creates a JWT valid for 10 minutes, the maximum GitHub
// accepts for App authentication.
func (g *JWTGenerator) GenerateToken() (string, error) {
	return g.GenerateTokenWithDuration(MaxJWTDuration)
}

// GenerateTokenWithDuration creates a JWT valid for the given duration,
// which must be positive and no longer than MaxJWTDuration.
func (g *JWTGenerator) GenerateTokenWithDuration(duration time.Duration) (string, error) {
	if duration <= 0 {
		return "", fmt.Errorf("duration must be positive")
	}
	if duration > MaxJWTDuration {
		return "", fmt.Errorf("duration %s exceeds maximum allowed %s", duration, MaxJWTDuration)
	}

	now := time.Now()

	claims := jwt.RegisteredClaims{
		Issuer:    g.appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(g.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// parsePrivateKey accepts either PKCS#1 ("RSA PRIVATE KEY") or PKCS#8
// ("PRIVATE KEY") PEM encodings.
func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	return rsaKey, nil
}
