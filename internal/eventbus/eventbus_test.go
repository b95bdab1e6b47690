package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(logger.NewDefault("test"))
	var got []string

	bus.Subscribe(SignalGetBuildInfo, "a", func(_ context.Context, payload any) error {
		got = append(got, "a:"+payload.(string))
		return nil
	})
	bus.Subscribe(SignalGetBuildInfo, "b", func(_ context.Context, payload any) error {
		got = append(got, "b:"+payload.(string))
		return nil
	})

	bus.Publish(context.Background(), SignalGetBuildInfo, "42")

	assert.Equal(t, []string{"a:42", "b:42"}, got)
}

func TestPublishContinuesAfterSubscriberError(t *testing.T) {
	bus := New(logger.NewDefault("test"))
	secondRan := false

	bus.Subscribe(SignalBuildCompleted, "failing", func(_ context.Context, _ any) error {
		return errors.New("boom")
	})
	bus.Subscribe(SignalBuildCompleted, "second", func(_ context.Context, _ any) error {
		secondRan = true
		return nil
	})

	bus.Publish(context.Background(), SignalBuildCompleted, nil)

	assert.True(t, secondRan)
}

func TestPublishRecoversFromPanickingSubscriber(t *testing.T) {
	bus := New(logger.NewDefault("test"))
	secondRan := false

	bus.Subscribe(SignalGetBuildStepOut, "panicker", func(_ context.Context, _ any) error {
		panic("unexpected")
	})
	bus.Subscribe(SignalGetBuildStepOut, "second", func(_ context.Context, _ any) error {
		secondRan = true
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), SignalGetBuildStepOut, nil)
	})
	assert.True(t, secondRan)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(logger.NewDefault("test"))
	calls := 0

	bus.Subscribe(SignalHTTPCacheHit, "only", func(_ context.Context, _ any) error {
		calls++
		return nil
	})
	bus.Unsubscribe(SignalHTTPCacheHit, "only")

	bus.Publish(context.Background(), SignalHTTPCacheHit, nil)
	assert.Equal(t, 0, calls)
}

func TestSubscribeReplacesExistingID(t *testing.T) {
	bus := New(logger.NewDefault("test"))
	calls := 0

	bus.Subscribe(SignalHTTPCacheMiss, "x", func(_ context.Context, _ any) error {
		calls = 1
		return nil
	})
	bus.Subscribe(SignalHTTPCacheMiss, "x", func(_ context.Context, _ any) error {
		calls = 2
		return nil
	})

	bus.Publish(context.Background(), SignalHTTPCacheMiss, nil)
	assert.Equal(t, 2, calls)
}
