package processor

import (
	"fmt"
	"time"

	"github.com/tably/payments/internal/restaurants"
)

// Options carry worker-level processor policy.
type Options struct {
	Timeout              time.Duration
	StrictInvalidRequest bool
}

// New builds the processor named by the restaurant's config. Processors in
// the allow-list that have no adapter in this deployment fail with a fatal
// config error, which the worker records as a terminal failure.
func New(cfg *restaurants.PaymentConfig, opts Options) (Processor, error) {
	if err := cfg.Processor.Validate(); err != nil {
		return nil, &Error{Code: ErrCodeConfigInvalid, Message: err.Error()}
	}

	switch cfg.Processor.Name {
	case restaurants.ProcessorMock:
		return NewMock(cfg.Processor.Mock), nil
	case restaurants.ProcessorStripe:
		return NewStripe(cfg.Processor.Stripe, opts.Timeout, opts.StrictInvalidRequest), nil
	default:
		return nil, &Error{
			Code:    ErrCodeConfigInvalid,
			Message: fmt.Sprintf("processor %q is not enabled in this deployment", cfg.Processor.Name),
		}
	}
}
