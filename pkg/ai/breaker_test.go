package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/events"
)

type fakeVision struct {
	err   error
	calls int
}

func (f *fakeVision) Provider() string { return "fake" }
func (f *fakeVision) Model() string    { return "fake-1" }

func (f *fakeVision) Analyze(context.Context, []byte, string) (VisionCall, error) {
	f.calls++
	if f.err != nil {
		return VisionCall{}, f.err
	}
	return VisionCall{Result: events.VisionResult{Classification: "photo", Description: "a test image"}}, nil
}

func TestBreakerVision_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeVision{err: transientf("provider down")}
	v := NewBreakerVision(inner)

	for i := 0; i < 5; i++ {
		_, err := v.Analyze(context.Background(), []byte("x"), "image/jpeg")
		require.ErrorIs(t, err, ErrProviderUnavailable)
	}
	callsWhenOpened := inner.calls

	// Breaker is open now: calls fail fast without reaching the provider.
	_, err := v.Analyze(context.Background(), []byte("x"), "image/jpeg")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, callsWhenOpened, inner.calls)
}

func TestBreakerVision_SchemaViolationsDoNotTrip(t *testing.T) {
	inner := &fakeVision{err: errors.Join(ErrInvalidResponse, errors.New("bad json"))}
	v := NewBreakerVision(inner)

	for i := 0; i < 10; i++ {
		_, err := v.Analyze(context.Background(), []byte("x"), "image/jpeg")
		require.ErrorIs(t, err, ErrInvalidResponse)
	}
	// Every call reached the provider: the breaker never opened.
	assert.Equal(t, 10, inner.calls)
}

func TestBreakerVision_PassesThroughSuccess(t *testing.T) {
	inner := &fakeVision{}
	v := NewBreakerVision(inner)

	call, err := v.Analyze(context.Background(), []byte("x"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "photo", call.Result.Classification)
	assert.Equal(t, "fake", v.Provider())
	assert.Equal(t, "fake-1", v.Model())
}
