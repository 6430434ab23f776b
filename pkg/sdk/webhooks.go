package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tably/payments/internal/webhooks"
)

// Webhook event types delivered on terminal authorization outcomes.
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentDenied     = "payment.denied"
	EventPaymentFailed     = "payment.failed"
	EventPaymentVoided     = "payment.voided"
)

// SignatureHeader carries the HMAC-SHA256 signature on each delivery.
const SignatureHeader = "X-Tably-Signature"

// ErrBadSignature is returned by ParseWebhook when the signature check
// fails.
var ErrBadSignature = errors.New("payments: webhook signature mismatch")

// WebhookEvent is the envelope POSTed to a subscribed endpoint.
type WebhookEvent struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	Timestamp    time.Time              `json:"timestamp"`
	RestaurantID string                 `json:"restaurant_id"`
	Data         map[string]interface{} `json:"data"`
}

// VerifyWebhookSignature checks the SignatureHeader value against the raw
// request body using the endpoint's whsec_ secret.
func VerifyWebhookSignature(payload []byte, secret, header string) bool {
	return webhooks.VerifySignature(payload, secret, header)
}

// ParseWebhook verifies a delivery and decodes its envelope. Always pass
// the raw body bytes: re-serialized JSON will not match the signature.
func ParseWebhook(payload []byte, secret, header string) (*WebhookEvent, error) {
	if !VerifyWebhookSignature(payload, secret, header) {
		return nil, ErrBadSignature
	}
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("payments: failed to decode webhook: %w", err)
	}
	return &event, nil
}
