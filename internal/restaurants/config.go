package restaurants

import (
	"encoding/json"
	"fmt"
)

// Processor names form a closed set; the config table enforces the same set
// with a CHECK constraint.
const (
	ProcessorStripe   = "stripe"
	ProcessorChase    = "chase"
	ProcessorWorldpay = "worldpay"
	ProcessorMock     = "mock"
)

// StripeConfig carries Stripe credentials for one restaurant.
type StripeConfig struct {
	APIKey    string `json:"api_key"`
	AccountID string `json:"account_id,omitempty"`
}

// ChaseConfig carries Chase Paymentech credentials.
type ChaseConfig struct {
	MerchantID string `json:"merchant_id"`
	TerminalID string `json:"terminal_id"`
	APIKey     string `json:"api_key"`
}

// WorldpayConfig carries Worldpay credentials.
type WorldpayConfig struct {
	MerchantCode string `json:"merchant_code"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

// MockConfig tunes the deterministic mock processor.
type MockConfig struct {
	LatencyMs   int     `json:"latency_ms,omitempty"`
	FailureRate float64 `json:"failure_rate,omitempty"`
}

// ProcessorConfig is a tagged variant: Name selects exactly one of the
// processor-specific payloads. Free-form maps are rejected at decode time so
// a typoed processor name can never reach the worker.
type ProcessorConfig struct {
	Name     string
	Stripe   *StripeConfig
	Chase    *ChaseConfig
	Worldpay *WorldpayConfig
	Mock     *MockConfig
}

// Validate checks that the variant matching Name is set and the others are
// not.
func (pc *ProcessorConfig) Validate() error {
	set := 0
	if pc.Stripe != nil {
		set++
	}
	if pc.Chase != nil {
		set++
	}
	if pc.Worldpay != nil {
		set++
	}
	if pc.Mock != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("processor config must carry exactly one variant, has %d", set)
	}

	switch pc.Name {
	case ProcessorStripe:
		if pc.Stripe == nil {
			return fmt.Errorf("processor %q requires a stripe payload", pc.Name)
		}
	case ProcessorChase:
		if pc.Chase == nil {
			return fmt.Errorf("processor %q requires a chase payload", pc.Name)
		}
	case ProcessorWorldpay:
		if pc.Worldpay == nil {
			return fmt.Errorf("processor %q requires a worldpay payload", pc.Name)
		}
	case ProcessorMock:
		if pc.Mock == nil {
			return fmt.Errorf("processor %q requires a mock payload", pc.Name)
		}
	default:
		return fmt.Errorf("unknown processor %q", pc.Name)
	}
	return nil
}

// decodeProcessorConfig builds the variant from the stored tag and JSON
// payload.
func decodeProcessorConfig(name string, raw []byte) (ProcessorConfig, error) {
	pc := ProcessorConfig{Name: name}

	switch name {
	case ProcessorStripe:
		var c StripeConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return pc, fmt.Errorf("failed to decode stripe config: %w", err)
		}
		pc.Stripe = &c
	case ProcessorChase:
		var c ChaseConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return pc, fmt.Errorf("failed to decode chase config: %w", err)
		}
		pc.Chase = &c
	case ProcessorWorldpay:
		var c WorldpayConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return pc, fmt.Errorf("failed to decode worldpay config: %w", err)
		}
		pc.Worldpay = &c
	case ProcessorMock:
		var c MockConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return pc, fmt.Errorf("failed to decode mock config: %w", err)
		}
		pc.Mock = &c
	default:
		return pc, fmt.Errorf("unknown processor %q", name)
	}

	return pc, nil
}

// encodeProcessorConfig serializes the active variant for storage.
func encodeProcessorConfig(pc ProcessorConfig) ([]byte, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	switch pc.Name {
	case ProcessorStripe:
		return json.Marshal(pc.Stripe)
	case ProcessorChase:
		return json.Marshal(pc.Chase)
	case ProcessorWorldpay:
		return json.Marshal(pc.Worldpay)
	default:
		return json.Marshal(pc.Mock)
	}
}
