package ai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerVision wraps a Vision adapter in a circuit breaker. When the
// primary provider keeps failing the breaker opens and calls fail fast
// with ErrProviderUnavailable, which is the signal for the analyzer's
// OCR-only fallback path.
type BreakerVision struct {
	inner   Vision
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerVision wraps inner with a breaker tuned for slow vision
// calls: 5 consecutive failures open it, retrying after 60 seconds.
func NewBreakerVision(inner Vision) *BreakerVision {
	settings := gobreaker.Settings{
		Name:    "vision-" + inner.Provider(),
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Vision breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		// Schema violations are the model's fault, not the provider's;
		// they must not open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidResponse)
		},
	}
	return &BreakerVision{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Provider implements Vision.
func (b *BreakerVision) Provider() string { return b.inner.Provider() }

// Model implements Vision.
func (b *BreakerVision) Model() string { return b.inner.Model() }

// Analyze implements Vision.
func (b *BreakerVision) Analyze(ctx context.Context, data []byte, mimeType string) (VisionCall, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Analyze(ctx, data, mimeType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return VisionCall{}, transientf("vision breaker open: %w", err)
		}
		return VisionCall{}, err
	}
	return out.(VisionCall), nil
}
