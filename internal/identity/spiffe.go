/*
SPIFFE Integration
Provides workload identity for the internal mTLS listeners using SPIFFE/SPIRE
*/

package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFEVerifier holds an X.509 SVID source backed by a SPIRE agent and
// builds mTLS configurations from it. The token service uses it to protect
// the internal decrypt listener; the worker uses it to dial that listener.
type SPIFFEVerifier struct {
	source *workloadapi.X509Source
}

// NewSPIFFEVerifier connects to the SPIRE agent at the given workload API
// socket (e.g. "unix:///run/spire/sockets/agent.sock").
func NewSPIFFEVerifier(socketPath string) (*SPIFFEVerifier, error) {
	// Use a timeout to avoid blocking startup when SPIRE agent is unavailable
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SPIRE: %w", err)
	}

	slog.Info("Connected to SPIRE agent", "socket_path", socketPath)
	return &SPIFFEVerifier{source: source}, nil
}

// ServerTLSConfig returns an mTLS server configuration that requires the
// client to present one of the allowed SPIFFE IDs. With no allowed IDs any
// identity issued by the trust domain is accepted.
func (sv *SPIFFEVerifier) ServerTLSConfig(allowedIDs ...string) (*tls.Config, error) {
	if len(allowedIDs) == 0 {
		return tlsconfig.MTLSServerConfig(sv.source, sv.source, tlsconfig.AuthorizeAny()), nil
	}

	ids := make([]spiffeid.ID, 0, len(allowedIDs))
	for _, raw := range allowedIDs {
		id, err := spiffeid.FromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SPIFFE ID %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return tlsconfig.MTLSServerConfig(sv.source, sv.source, tlsconfig.AuthorizeOneOf(ids...)), nil
}

// ClientTLSConfig returns an mTLS client configuration that only accepts a
// server presenting the expected SPIFFE ID.
func (sv *SPIFFEVerifier) ClientTLSConfig(serverID string) (*tls.Config, error) {
	id, err := spiffeid.FromString(serverID)
	if err != nil {
		return nil, fmt.Errorf("invalid SPIFFE ID %q: %w", serverID, err)
	}
	return tlsconfig.MTLSClientConfig(sv.source, sv.source, tlsconfig.AuthorizeID(id)), nil
}

// Close cleanup
func (sv *SPIFFEVerifier) Close() error {
	return sv.source.Close()
}

// PeerID extracts the SPIFFE ID of the client that made an mTLS request.
// The decrypt audit log records it as the caller identity.
func PeerID(r *http.Request) (spiffeid.ID, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return spiffeid.ID{}, fmt.Errorf("request did not present a client certificate")
	}
	id, err := x509svid.IDFromCert(r.TLS.PeerCertificates[0])
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("peer certificate carries no SPIFFE ID: %w", err)
	}
	return id, nil
}

// ServiceID builds the SPIFFE ID for a platform service.
func ServiceID(trustDomain, service string) string {
	return fmt.Sprintf("spiffe://%s/service/%s", trustDomain, service)
}

// Example SPIFFE IDs:
// spiffe://payments.tably.dev/service/token-service
// spiffe://payments.tably.dev/service/auth-processor-worker
// spiffe://payments.tably.dev/service/api
