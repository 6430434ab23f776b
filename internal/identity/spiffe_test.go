package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServiceID(t *testing.T) {
	require.Equal(t, "spiffe://payments.tably.dev/service/token-service",
		ServiceID("payments.tably.dev", "token-service"))
}

func TestPeerIDRequiresClientCertificate(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/internal/v1/tokens/decrypt", nil)
	_, err := PeerID(r)
	require.Error(t, err)

	r.TLS = &tls.ConnectionState{}
	_, err = PeerID(r)
	require.Error(t, err)
}

func TestPeerIDExtractsSPIFFEID(t *testing.T) {
	cert := selfSignedSVID(t, "spiffe://payments.tably.dev/service/auth-processor-worker")
	r := httptest.NewRequest(http.MethodPost, "/internal/v1/tokens/decrypt", nil)
	r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	id, err := PeerID(r)
	require.NoError(t, err)
	require.Equal(t, "spiffe://payments.tably.dev/service/auth-processor-worker", id.String())
}

func TestTLSConfigRejectsMalformedIDs(t *testing.T) {
	sv := &SPIFFEVerifier{}

	_, err := sv.ServerTLSConfig("not-a-spiffe-id")
	require.Error(t, err)

	_, err = sv.ClientTLSConfig("://bad")
	require.Error(t, err)
}

// selfSignedSVID builds a throwaway certificate carrying the given SPIFFE ID
// as its URI SAN, the same shape a SPIRE-issued SVID has.
func selfSignedSVID(t *testing.T, rawID string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	uri, err := url.Parse(rawID)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		URIs:         []*url.URL{uri},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
