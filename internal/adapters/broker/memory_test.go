package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dispatch/internal/domain"
	"github.com/eleven-am/dispatch/internal/ports"
)

func TestMemoryBroker_DeliversInOrder(t *testing.T) {
	b := NewMemoryBroker(16, nil)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("exec.python", func(msg ports.Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, ports.Message{Topic: "exec.python", Payload: []byte(p)}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryBroker_FanOutAndUnsubscribe(t *testing.T) {
	b := NewMemoryBroker(16, nil)
	defer b.Close()

	first := make(chan ports.Message, 4)
	second := make(chan ports.Message, 4)
	unsubFirst, err := b.Subscribe("t", func(m ports.Message) { first <- m })
	require.NoError(t, err)
	_, err = b.Subscribe("t", func(m ports.Message) { second <- m })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), ports.Message{Topic: "t", CorrelationID: "1"}))
	assert.Equal(t, "1", (<-first).CorrelationID)
	assert.Equal(t, "1", (<-second).CorrelationID)

	unsubFirst()
	unsubFirst()
	require.NoError(t, b.Publish(context.Background(), ports.Message{Topic: "t", CorrelationID: "2"}))
	assert.Equal(t, "2", (<-second).CorrelationID)

	select {
	case <-first:
		t.Fatal("unsubscribed handler received a message")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBroker_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBroker(1, nil)
	defer b.Close()

	assert.NoError(t, b.Publish(context.Background(), ports.Message{Topic: "nobody"}))
}

func TestMemoryBroker_PanickingHandlerKeepsDelivering(t *testing.T) {
	b := NewMemoryBroker(4, nil)
	defer b.Close()

	received := make(chan string, 2)
	_, err := b.Subscribe("t", func(m ports.Message) {
		if string(m.Payload) == "bad" {
			panic("handler bug")
		}
		received <- string(m.Payload)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, ports.Message{Topic: "t", Payload: []byte("bad")}))
	require.NoError(t, b.Publish(ctx, ports.Message{Topic: "t", Payload: []byte("good")}))

	select {
	case got := <-received:
		assert.Equal(t, "good", got)
	case <-time.After(time.Second):
		t.Fatal("message after panic was not delivered")
	}
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker(1, nil)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), ports.Message{Topic: "t"}), domain.ErrClosed)
	_, err := b.Subscribe("t", func(ports.Message) {})
	assert.ErrorIs(t, err, domain.ErrClosed)
}
