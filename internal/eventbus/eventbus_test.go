package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeFailsFastWhenDisconnected(t *testing.T) {
	b := New("nats://127.0.0.1:4222", nil)

	_, err := b.Subscribe("chat.abc.tokens", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.False(t, b.Connected())
}

func TestBus_PublishFailsFastWhenDisconnected(t *testing.T) {
	b := New("nats://127.0.0.1:4222", nil)

	err := b.Publish("chat.abc.tokens", []byte(`{}`))
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestBus_UnsubscribeNilHandleIsNoop(t *testing.T) {
	b := New("nats://127.0.0.1:4222", nil)
	assert.NoError(t, b.Unsubscribe(nil))
}

func TestBus_ConnectToUnreachableBrokerReturnsError(t *testing.T) {
	b := New("nats://127.0.0.1:1", nil)
	err := b.Connect(nil) //nolint:staticcheck // Connect does not use ctx for cancellation, matching nats.Connect's own signature
	assert.Error(t, err)
	assert.False(t, b.Connected())
}
