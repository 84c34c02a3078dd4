package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillPublisher_Publish(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "test.sessions")
	require.NoError(t, err)

	p := NewWatermillPublisher(pubSub, "test.sessions")
	event := core.SessionEvent{
		Type:       core.EventLogout,
		UserID:     "user-1",
		SessionID:  "session-1",
		DeviceHash: "abc123",
		At:         time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, p.Publish(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.NotEmpty(t, msg.UUID)
		assert.Equal(t, string(core.EventLogout), msg.Metadata.Get("type"))

		var got core.SessionEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, event, got)
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}

func TestNewWatermillPublisher_DefaultTopic(t *testing.T) {
	p := NewWatermillPublisher(nil, "")
	assert.Equal(t, DefaultTopic, p.topic)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestWatermillPublisher_PublishError(t *testing.T) {
	p := NewWatermillPublisher(failingPublisher{}, "")
	err := p.Publish(context.Background(), core.SessionEvent{Type: core.EventLogin})
	assert.ErrorContains(t, err, "broker down")
}
