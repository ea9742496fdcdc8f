package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	msg := EvaluateReward("stu-42")
	got, err := deserialize(serialize(msg))
	require.NoError(t, err)
	assert.Equal(t, TypeEvaluateReward, got.Type)
	assert.Equal(t, "stu-42", string(got.Body))
}

func TestDeserializeBodyWithSeparator(t *testing.T) {
	msg := Message{Type: TypeSendReminders, Body: []byte("class|with|pipes")}
	got, err := deserialize(serialize(msg))
	require.NoError(t, err)
	assert.Equal(t, TypeSendReminders, got.Type)
	assert.Equal(t, "class|with|pipes", string(got.Body))
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, SendReminders("class-1")))

	messages, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, TypeSendReminders, msg.Type)
		assert.Equal(t, "class-1", string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, EvaluateReward("stu-1")))

	messages, err := q.Consume(ctx)
	require.NoError(t, err)
	cancel()

	// The in-flight message may or may not land, but the channel must
	// close instead of stranding the forwarding goroutine.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("consume channel not closed after cancel")
		}
	}
}
