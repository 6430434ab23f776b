// Package security implements signed service-to-service tokens for the
// internal token store surface. Tokens are HMAC-SHA256 signed and ride in
// the X-Service-Auth header; the signing secret is shared out-of-band and
// can be rotated with a grace window for the previous secret.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ServiceClaims are the claims embedded in a signed service token.
type ServiceClaims struct {
	TokenID   string `json:"tid"`
	Service   string `json:"svc"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss"`
}

// BrokerConfig configures the service-token broker.
type BrokerConfig struct {
	Secret              string
	PreviousSecret      string        // previous secret, honored during the rotation grace window
	RotationGracePeriod time.Duration // how long the previous secret remains valid
	TokenTTL            time.Duration
	Issuer              string
}

// Broker mints and verifies HMAC-signed service tokens.
// Wire format: base64url(claims JSON) + "." + base64url(HMAC-SHA256).
type Broker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	tokenTTL   time.Duration
	issuer     string
}

var (
	ErrTokenMalformed = errors.New("service token is malformed")
	ErrBadSignature   = errors.New("service token signature is invalid")
	ErrTokenExpired   = errors.New("service token has expired")
)

// NewBroker creates a broker. An empty secret gets a development default so
// local stacks come up without provisioning; production must set it.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "tably-payments"
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = []byte("tably-dev-service-secret-change-in-production")
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousSecret != "" {
		prevSecret = []byte(cfg.PreviousSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &Broker{
		secret:     secret,
		prevSecret: prevSecret,
		graceUntil: graceUntil,
		tokenTTL:   cfg.TokenTTL,
		issuer:     cfg.Issuer,
	}
}

// Mint issues a signed token asserting the given service identity.
func (b *Broker) Mint(service string) (string, error) {
	if service == "" {
		return "", errors.New("service name is required")
	}

	now := time.Now()
	claims := &ServiceClaims{
		TokenID:   newTokenID(),
		Service:   service,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(b.tokenTTL).Unix(),
		Issuer:    b.issuer,
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize service claims: %w", err)
	}

	b.mu.RLock()
	sig := sign(b.secret, claimsJSON)
	b.mu.RUnlock()

	return base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify validates a token's signature and expiry and returns its claims.
// The current secret is tried first, then the previous secret while the
// rotation grace window is open.
func (b *Broker) Verify(token string) (*ServiceClaims, error) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return nil, ErrTokenMalformed
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	b.mu.RLock()
	valid := hmac.Equal(sig, sign(b.secret, claimsJSON))
	if !valid && len(b.prevSecret) > 0 && time.Now().Before(b.graceUntil) {
		valid = hmac.Equal(sig, sign(b.prevSecret, claimsJSON))
	}
	b.mu.RUnlock()

	if !valid {
		return nil, ErrBadSignature
	}

	var claims ServiceClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if claims.Service == "" {
		return nil, ErrTokenMalformed
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}

// RotateSecret installs a new signing secret. The outgoing secret stays
// valid for the configured grace period so in-flight callers keep working.
func (b *Broker) RotateSecret(newSecret string, grace time.Duration) {
	if grace == 0 {
		grace = 24 * time.Hour
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.prevSecret = b.secret
	b.graceUntil = time.Now().Add(grace)
	b.secret = []byte(newSecret)
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func newTokenID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("svc_%d", time.Now().UnixNano())
	}
	return "svc_" + hex.EncodeToString(buf[:])
}

// splitToken splits on the last dot so claim payloads containing dots
// still parse.
func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
