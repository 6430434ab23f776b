package tokenstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/security"
	"github.com/tably/payments/pb"
)

// Client error codes. Terminal codes end the authorization attempt; the
// rest are retried by the worker.
const (
	ClientErrNotFound    = "TOKEN_NOT_FOUND"
	ClientErrExpired     = "TOKEN_EXPIRED"
	ClientErrForbidden   = "TOKEN_FORBIDDEN"
	ClientErrRejected    = "TOKEN_SERVICE_REJECTED"
	ClientErrUnavailable = "TOKEN_SERVICE_UNAVAILABLE"
	ClientErrTimeout     = "TOKEN_SERVICE_TIMEOUT"
)

// ClientError is a decrypt call failure with retry classification.
type ClientError struct {
	Code       string
	Message    string
	Retryable  bool
	HTTPStatus int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsClientError unwraps err into *ClientError when possible.
func AsClientError(err error) (*ClientError, bool) {
	var e *ClientError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Client calls the token store's internal decrypt endpoint on behalf of a
// worker. Each request carries a freshly minted X-Service-Auth token.
type Client struct {
	baseURL string
	service string
	broker  *security.Broker
	client  *http.Client
}

// NewClient builds a decrypt client asserting the given service identity.
func NewClient(baseURL, service string, broker *security.Broker, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		service: service,
		broker:  broker,
		client:  &http.Client{Timeout: timeout},
	}
}

// WithTLS installs an mTLS transport. Used when the token service requires a
// SPIFFE client identity on the internal listener; baseURL must then be an
// https URL.
func (c *Client) WithTLS(tlsConf *tls.Config) *Client {
	c.client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	return c
}

// Decrypt exchanges a payment token for card data. requestID is propagated
// as X-Request-ID for audit correlation.
func (c *Client) Decrypt(ctx context.Context, paymentToken string, restaurantID uuid.UUID, requestID string) (*pb.PaymentData, map[string]string, error) {
	authToken, err := c.broker.Mint(c.service)
	if err != nil {
		return nil, nil, &ClientError{Code: ClientErrRejected, Message: fmt.Sprintf("failed to mint service token: %v", err)}
	}

	body := (&pb.DecryptPaymentTokenRequest{
		PaymentToken:      paymentToken,
		RestaurantID:      restaurantID.String(),
		RequestingService: c.service,
	}).Marshal()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return nil, nil, &ClientError{Code: ClientErrRejected, Message: err.Error()}
	}
	req.Header.Set("Content-Type", contentTypeProtobuf)
	req.Header.Set("X-Service-Auth", authToken)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, &ClientError{Code: ClientErrUnavailable, Message: "failed to read response", Retryable: true, HTTPStatus: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, statusError(resp.StatusCode, data)
	}

	out := &pb.DecryptPaymentTokenResponse{}
	if err := out.Unmarshal(data); err != nil {
		return nil, nil, &ClientError{Code: ClientErrUnavailable, Message: "response body is not a valid message", Retryable: true, HTTPStatus: resp.StatusCode}
	}
	if out.PaymentData == nil {
		return nil, nil, &ClientError{Code: ClientErrUnavailable, Message: "response is missing payment data", Retryable: true, HTTPStatus: resp.StatusCode}
	}
	return out.PaymentData, out.Metadata, nil
}

func transportError(err error) *ClientError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ClientError{Code: ClientErrTimeout, Message: "token service call timed out", Retryable: true}
	}
	return &ClientError{Code: ClientErrUnavailable, Message: fmt.Sprintf("token service unreachable: %v", err), Retryable: true}
}

func statusError(status int, body []byte) *ClientError {
	message := errorMessage(body)

	switch {
	case status == http.StatusNotFound:
		return &ClientError{Code: ClientErrNotFound, Message: message, HTTPStatus: status}
	case status == http.StatusGone:
		return &ClientError{Code: ClientErrExpired, Message: message, HTTPStatus: status}
	case status == http.StatusForbidden:
		return &ClientError{Code: ClientErrForbidden, Message: message, HTTPStatus: status}
	case status == http.StatusTooManyRequests:
		return &ClientError{Code: ClientErrUnavailable, Message: message, Retryable: true, HTTPStatus: status}
	case status >= 500:
		return &ClientError{Code: ClientErrUnavailable, Message: message, Retryable: true, HTTPStatus: status}
	default:
		// 400/401/409: this caller sent something the service rejects;
		// retrying the same request cannot succeed.
		return &ClientError{Code: ClientErrRejected, Message: message, HTTPStatus: status}
	}
}

func errorMessage(body []byte) string {
	var parsed map[string]errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if e, ok := parsed["error"]; ok && e.Message != "" {
			return fmt.Sprintf("%s (%s)", e.Message, e.Code)
		}
	}
	return "token service rejected the request"
}
