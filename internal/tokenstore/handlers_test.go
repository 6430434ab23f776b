package tokenstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/restaurants"
	"github.com/tably/payments/internal/security"
	"github.com/tably/payments/pb"
)

const testAPIKey = "tably_testkey.secret"

// staticAuth accepts a single API key bound to one restaurant.
type staticAuth struct {
	restaurant *restaurants.Restaurant
}

func (a *staticAuth) ValidateAPIKey(_ context.Context, key string) (*restaurants.Restaurant, error) {
	if key != testAPIKey {
		return nil, restaurants.ErrInvalidAPIKey
	}
	return a.restaurant, nil
}

type testEnv struct {
	server     *httptest.Server
	db         *sql.DB
	service    *Service
	keyring    *Keyring
	broker     *security.Broker
	restaurant uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testTokenDB(t)
	svc, _, keyring := testService(t, db)
	broker := security.NewBroker(security.BrokerConfig{Secret: "handler-test-secret"})
	rid := uuid.New()

	h := NewHandlers(svc, broker, &staticAuth{
		restaurant: &restaurants.Restaurant{RestaurantID: rid, Name: "Test Bistro", Status: "ACTIVE"},
	}, []string{"token-admin"})

	router := mux.NewRouter()
	h.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, db: db, service: svc, keyring: keyring, broker: broker, restaurant: rid}
}

func (e *testEnv) createRequest(t *testing.T, envelope string) *pb.CreatePaymentTokenRequest {
	t.Helper()
	key, err := e.keyring.DeviceKey("terminal-001")
	require.NoError(t, err)
	sealed, err := Seal(key, []byte(envelope))
	require.NoError(t, err)
	return &pb.CreatePaymentTokenRequest{
		RestaurantID:         e.restaurant.String(),
		EncryptedPaymentData: sealed,
		DeviceToken:          "terminal-001",
	}
}

func (e *testEnv) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentTypeProtobuf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var parsed map[string]errorBody
	require.NoError(t, json.Unmarshal(body, &parsed))
	return parsed["error"].Code
}

func TestCreateTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")
	req.IdempotencyKey = "idem-" + uuid.NewString()

	resp := env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	body := readBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	assert.Equal(t, contentTypeProtobuf, resp.Header.Get("Content-Type"))

	created := &pb.CreatePaymentTokenResponse{}
	require.NoError(t, created.Unmarshal(body))
	assert.Contains(t, created.PaymentToken, "pt_")
	assert.Equal(t, env.restaurant.String(), created.RestaurantID)
	assert.Equal(t, "visa", created.Metadata["card_brand"])
	assert.Greater(t, created.ExpiresAt, time.Now().Unix())

	// Replay returns 200 with the same token.
	resp = env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replayed := &pb.CreatePaymentTokenResponse{}
	require.NoError(t, replayed.Unmarshal(body))
	assert.Equal(t, created.PaymentToken, replayed.PaymentToken)
}

func TestCreateTokenEndpointAuth(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")

	resp := env.post(t, "/v1/payment-tokens", req.Marshal(), nil)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, ErrCodeUnauthenticated, errorCode(t, body))

	resp = env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"X-API-Key": "tably_wrong.key"})
	readBody(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Bearer form is accepted too.
	resp = env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"Authorization": "Bearer " + testAPIKey})
	readBody(t, resp)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateTokenEndpointRestaurantMismatch(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")
	req.RestaurantID = uuid.NewString()

	resp := env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	body := readBody(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeForbidden, errorCode(t, body))
}

func TestCreateTokenEndpointDecryptFailure(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")
	req.EncryptedPaymentData[len(req.EncryptedPaymentData)-1] ^= 0xff

	resp := env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	body := readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeDecryptionFailed, errorCode(t, body))
}

func TestGetTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")
	resp := env.post(t, "/v1/payment-tokens", req.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	created := &pb.CreatePaymentTokenResponse{}
	require.NoError(t, created.Unmarshal(readBody(t, resp)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	url := fmt.Sprintf("%s/v1/payment-tokens/%s?restaurant_id=%s", env.server.URL, created.PaymentToken, env.restaurant)
	getResp, err := http.Get(url)
	require.NoError(t, err)
	body := readBody(t, getResp)
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	got := &pb.GetPaymentTokenResponse{}
	require.NoError(t, got.Unmarshal(body))
	assert.Equal(t, created.PaymentToken, got.PaymentToken)
	assert.False(t, got.IsExpired)
	assert.Equal(t, "4242", got.Metadata["last_four"])

	// Foreign restaurant and unknown token both read as 404.
	url = fmt.Sprintf("%s/v1/payment-tokens/%s?restaurant_id=%s", env.server.URL, created.PaymentToken, uuid.New())
	getResp, err = http.Get(url)
	require.NoError(t, err)
	readBody(t, getResp)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)

	url = fmt.Sprintf("%s/v1/payment-tokens/pt_%s?restaurant_id=%s", env.server.URL, uuid.New(), env.restaurant)
	getResp, err = http.Get(url)
	require.NoError(t, err)
	readBody(t, getResp)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)

	// Bad restaurant_id query.
	url = fmt.Sprintf("%s/v1/payment-tokens/%s?restaurant_id=nope", env.server.URL, created.PaymentToken)
	getResp, err = http.Get(url)
	require.NoError(t, err)
	readBody(t, getResp)
	assert.Equal(t, http.StatusBadRequest, getResp.StatusCode)
}

func TestGetTokenEndpointExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	version := env.service.CurrentKeyVersion()
	key, err := env.keyring.ServiceKey(version)
	require.NoError(t, err)
	sealed, err := Seal(key, []byte("4242424242424242|12|2030|123|Ada Lovelace"))
	require.NoError(t, err)

	rec := &TokenRecord{
		PaymentToken: "pt_" + uuid.NewString(),
		RestaurantID: env.restaurant,
		Ciphertext:   sealed,
		KeyVersion:   version,
		DeviceToken:  "terminal-001",
		Metadata:     map[string]string{"last_four": "4242"},
		CreatedAt:    time.Now().Add(-48 * time.Hour),
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	require.NoError(t, NewRepository(env.db).CreateToken(ctx, rec, nil))

	url := fmt.Sprintf("%s/v1/payment-tokens/%s?restaurant_id=%s", env.server.URL, rec.PaymentToken, env.restaurant)
	resp, err := http.Get(url)
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusGone, resp.StatusCode)

	got := &pb.GetPaymentTokenResponse{}
	require.NoError(t, got.Unmarshal(body))
	assert.True(t, got.IsExpired)
	assert.Equal(t, "4242", got.Metadata["last_four"])
}

func TestDecryptEndpoint(t *testing.T) {
	env := newTestEnv(t)

	createReq := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")
	resp := env.post(t, "/v1/payment-tokens", createReq.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	created := &pb.CreatePaymentTokenResponse{}
	require.NoError(t, created.Unmarshal(readBody(t, resp)))

	decryptReq := (&pb.DecryptPaymentTokenRequest{
		PaymentToken: created.PaymentToken,
		RestaurantID: env.restaurant.String(),
	}).Marshal()

	authToken, err := env.broker.Mint("auth-processor-worker")
	require.NoError(t, err)

	resp = env.post(t, "/internal/v1/decrypt", decryptReq, map[string]string{
		"X-Service-Auth": authToken,
		"X-Request-ID":   "req-" + uuid.NewString(),
	})
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	out := &pb.DecryptPaymentTokenResponse{}
	require.NoError(t, out.Unmarshal(body))
	require.NotNil(t, out.PaymentData)
	assert.Equal(t, "4242424242424242", out.PaymentData.CardNumber)
	assert.Equal(t, "Ada Lovelace", out.PaymentData.CardholderName)

	results := auditResults(t, env.db, created.PaymentToken)
	require.Len(t, results, 1)
	assert.Equal(t, AuditSuccess, results[0])
}

func TestDecryptEndpointGates(t *testing.T) {
	env := newTestEnv(t)

	createReq := env.createRequest(t, "4242424242424242|12|2030|123|Ada Lovelace")
	resp := env.post(t, "/v1/payment-tokens", createReq.Marshal(), map[string]string{"X-API-Key": testAPIKey})
	created := &pb.CreatePaymentTokenResponse{}
	require.NoError(t, created.Unmarshal(readBody(t, resp)))

	decryptReq := (&pb.DecryptPaymentTokenRequest{
		PaymentToken: created.PaymentToken,
		RestaurantID: env.restaurant.String(),
	}).Marshal()

	// Missing correlation id.
	authToken, err := env.broker.Mint("auth-processor-worker")
	require.NoError(t, err)
	resp = env.post(t, "/internal/v1/decrypt", decryptReq, map[string]string{"X-Service-Auth": authToken})
	readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing service auth.
	resp = env.post(t, "/internal/v1/decrypt", decryptReq, map[string]string{"X-Request-ID": "req-a"})
	body := readBody(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, ErrCodeUnauthenticated, errorCode(t, body))

	// Token signed by an unrelated broker.
	rogueBroker := security.NewBroker(security.BrokerConfig{Secret: "other-secret"})
	rogueToken, err := rogueBroker.Mint("auth-processor-worker")
	require.NoError(t, err)
	resp = env.post(t, "/internal/v1/decrypt", decryptReq, map[string]string{
		"X-Service-Auth": rogueToken,
		"X-Request-ID":   "req-b",
	})
	readBody(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Verified identity that is not on the allow-list.
	offListToken, err := env.broker.Mint("billing-export")
	require.NoError(t, err)
	resp = env.post(t, "/internal/v1/decrypt", decryptReq, map[string]string{
		"X-Service-Auth": offListToken,
		"X-Request-ID":   "req-c",
	})
	body = readBody(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeForbidden, errorCode(t, body))

	// Every denial above named the token, so every one is audited.
	results := auditResults(t, env.db, created.PaymentToken)
	assert.Equal(t, []string{AuditUnauthenticated, AuditUnauthenticated, AuditServiceNotAllowed}, results)
}

func TestRotateKeyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	newVersion := fmt.Sprintf("v%d", time.Now().UnixNano())
	rotateReq := (&pb.RotateKeyRequest{NewKeyVersion: newVersion}).Marshal()

	// Allow-listed decrypt services are not key admins.
	workerToken, err := env.broker.Mint("auth-processor-worker")
	require.NoError(t, err)
	resp := env.post(t, "/internal/v1/keys/rotate", rotateReq, map[string]string{"X-Service-Auth": workerToken})
	readBody(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	adminToken, err := env.broker.Mint("token-admin")
	require.NoError(t, err)
	resp = env.post(t, "/internal/v1/keys/rotate", rotateReq, map[string]string{"X-Service-Auth": adminToken})
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	out := &pb.RotateKeyResponse{}
	require.NoError(t, out.Unmarshal(body))
	assert.Equal(t, newVersion, out.CurrentVersion)
	assert.NotEmpty(t, out.PreviousVersion)
	assert.Equal(t, newVersion, env.service.CurrentKeyVersion())
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "token-store", health["service"])
	assert.NotEmpty(t, health["key_version"])
}

func TestAPIKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, apiKeyFromRequest(r))

	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", apiKeyFromRequest(r))

	// X-API-Key wins over Authorization.
	r.Header.Set("X-API-Key", "xyz789")
	assert.Equal(t, "xyz789", apiKeyFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc123")
	assert.Empty(t, apiKeyFromRequest(r))
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		ErrCodeValidation:          http.StatusBadRequest,
		ErrCodeUnknownKey:          http.StatusBadRequest,
		ErrCodeDecryptionFailed:    http.StatusBadRequest,
		ErrCodeUnauthenticated:     http.StatusUnauthorized,
		ErrCodeForbidden:           http.StatusForbidden,
		ErrCodeNotFound:            http.StatusNotFound,
		ErrCodeIdempotencyConflict: http.StatusConflict,
		ErrCodeExpired:             http.StatusGone,
		ErrCodeInternal:            http.StatusInternalServerError,
		"SOMETHING_ELSE":           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code), "code %s", code)
	}
}
