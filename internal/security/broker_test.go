package security

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	broker := NewBroker(BrokerConfig{Secret: "test-secret", TokenTTL: time.Minute})

	token, err := broker.Mint("auth-processor-worker")
	require.NoError(t, err)
	require.Contains(t, token, ".")

	claims, err := broker.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "auth-processor-worker", claims.Service)
	assert.Equal(t, "tably-payments", claims.Issuer)
	assert.True(t, strings.HasPrefix(claims.TokenID, "svc_"))
	assert.Greater(t, claims.ExpiresAt, claims.IssuedAt)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewBroker(BrokerConfig{Secret: "secret-a"})
	verifier := NewBroker(BrokerConfig{Secret: "secret-b"})

	token, err := minter.Mint("auth-processor-worker")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	broker := NewBroker(BrokerConfig{Secret: "test-secret"})

	for _, token := range []string{
		"",
		"no-dot-at-all",
		"!!!.???",
		base64.RawURLEncoding.EncodeToString([]byte("{}")) + ".!!!",
	} {
		_, err := broker.Verify(token)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", token)
	}
}

func TestVerifyRejectsTamperedClaims(t *testing.T) {
	broker := NewBroker(BrokerConfig{Secret: "test-secret"})

	token, err := broker.Mint("auth-processor-worker")
	require.NoError(t, err)

	parts := strings.SplitN(token, ".", 2)
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)

	var claims ServiceClaims
	require.NoError(t, json.Unmarshal(claimsJSON, &claims))
	claims.Service = "rogue-service"
	forged, err := json.Marshal(claims)
	require.NoError(t, err)

	tampered := base64.RawURLEncoding.EncodeToString(forged) + "." + parts[1]
	_, err = broker.Verify(tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	broker := NewBroker(BrokerConfig{Secret: "test-secret", TokenTTL: -time.Minute})

	token, err := broker.Mint("auth-processor-worker")
	require.NoError(t, err)

	_, err = broker.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRotationGraceWindow(t *testing.T) {
	old := NewBroker(BrokerConfig{Secret: "old-secret"})
	token, err := old.Mint("void-processor-worker")
	require.NoError(t, err)

	// A verifier started with the new secret and the old one as previous
	// accepts tokens signed under either.
	rotated := NewBroker(BrokerConfig{
		Secret:              "new-secret",
		PreviousSecret:      "old-secret",
		RotationGracePeriod: time.Hour,
	})
	claims, err := rotated.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "void-processor-worker", claims.Service)

	// Without the previous secret the old token is rejected.
	fresh := NewBroker(BrokerConfig{Secret: "new-secret"})
	_, err = fresh.Verify(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRotateSecret(t *testing.T) {
	broker := NewBroker(BrokerConfig{Secret: "first-secret"})
	oldToken, err := broker.Mint("auth-processor-worker")
	require.NoError(t, err)

	broker.RotateSecret("second-secret", time.Hour)

	// Old token still verifies inside the grace window.
	_, err = broker.Verify(oldToken)
	require.NoError(t, err)

	// New tokens are signed under the new secret.
	newToken, err := broker.Mint("auth-processor-worker")
	require.NoError(t, err)
	_, err = broker.Verify(newToken)
	require.NoError(t, err)

	other := NewBroker(BrokerConfig{Secret: "second-secret"})
	_, err = other.Verify(newToken)
	require.NoError(t, err)
	_, err = other.Verify(oldToken)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestMintRequiresServiceName(t *testing.T) {
	broker := NewBroker(BrokerConfig{Secret: "test-secret"})
	_, err := broker.Mint("")
	assert.Error(t, err)
}
