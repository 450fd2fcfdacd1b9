// Package ai holds the adapter contracts to the external AI APIs and
// their concrete implementations. Adapters translate provider failures
// into retry-eligible categories so stages never match on provider
// error strings.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sluicehq/sluice/pkg/events"
)

var (
	// ErrProviderUnavailable marks a transient provider failure
	// (network, 5xx, open breaker). Stages leave the message pending so
	// the reclaim loop redelivers it.
	ErrProviderUnavailable = errors.New("ai provider unavailable")

	// ErrInvalidResponse marks an unparseable or schema-violating model
	// output. Permanent for the message.
	ErrInvalidResponse = errors.New("invalid ai response")
)

// TagResult is one tagging call's outcome.
type TagResult struct {
	Tags       []string
	Topics     []string
	TokensUsed int64
	Latency    time.Duration
}

// VisionCall is one vision analysis call's outcome.
type VisionCall struct {
	Result     events.VisionResult
	TokensUsed int64
	Latency    time.Duration
}

// Tagger produces a bounded tag set for a message text. Context carries
// extra signal (vision description, OCR) when retagging.
type Tagger interface {
	Tag(ctx context.Context, text, context_ string) (TagResult, error)
}

// Vision analyses one media blob.
type Vision interface {
	Analyze(ctx context.Context, data []byte, mimeType string) (VisionCall, error)

	// Provider and Model name the adapter for blob keys and metrics.
	Provider() string
	Model() string
}

// Embedder turns composed text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Provider() string
	Dim() int
}

// transientf wraps a provider failure as retry-eligible.
func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, fmt.Errorf(format, args...))
}
