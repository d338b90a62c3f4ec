package multiplex

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestClientPhaseMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, _ := NewPipeTransport(ctx)
	client := NewClientWithDefaults(ctx, transport, NewRules())

	assert.Equal(t, client.Phase(), ClientPhaseHandshake)

	client.advancePhase(ClientPhaseSync)
	assert.Equal(t, client.Phase(), ClientPhaseSync)

	client.advancePhase(ClientPhaseExecution)
	assert.Equal(t, client.Phase(), ClientPhaseExecution)

	// never regresses
	client.advancePhase(ClientPhaseSync)
	assert.Equal(t, client.Phase(), ClientPhaseExecution)

	assert.Equal(t, client.Phase().Reached(ClientPhaseSync), true)
	assert.Equal(t, ClientPhaseSync.Reached(ClientPhaseExecution), false)
}

func TestClientOrderMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transportA, _ := NewPipeTransport(ctx)
	transportB, _ := NewPipeTransport(ctx)
	a := NewClientWithDefaults(ctx, transportA, NewRules())
	b := NewClientWithDefaults(ctx, transportB, NewRules())
	assert.Equal(t, a.Order() < b.Order(), true)
}

func TestClientQueueAndFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, _ := NewPipeTransport(ctx)
	client := NewClientWithDefaults(ctx, transport, NewRules())

	for i, name := range []string{"m1", "m2", "m3"} {
		message := NewMessage(Payload{"type": "test-payload", "name": name, "i": i})
		message.Id = NewId()
		client.QueueMessage(nil, message, nil)
	}
	assert.Equal(t, client.QueuedMessageCount(), 3)

	// remove-and-return leaves the rest for later drainage waves
	selected := client.FilterQueuedMessages(func(message *Message) bool {
		return message.Payload.String("name") != "m2"
	})
	assert.Equal(t, len(selected), 2)
	assert.Equal(t, selected[0].message.Payload.String("name"), "m1")
	assert.Equal(t, selected[1].message.Payload.String("name"), "m3")
	assert.Equal(t, client.QueuedMessageCount(), 1)

	rest := client.FilterQueuedMessages(func(message *Message) bool {
		return true
	})
	assert.Equal(t, len(rest), 1)
	assert.Equal(t, rest[0].message.Payload.String("name"), "m2")
}

func TestClientQueueRuleDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rules := NewRules()
	rules.Set("test-payload", &Rule{
		BeforeQueueForClient: dropOnQueue,
	})

	transport, _ := NewPipeTransport(ctx)
	client := NewClient(ctx, transport, rules, DefaultClientSettings())

	promise := NewDeferred()
	message := NewMessage(Payload{"type": "test-payload"})
	message.Id = NewId()
	client.QueueMessage(nil, message, promise)

	assert.Equal(t, client.QueuedMessageCount(), 0)
	select {
	case <-promise.Done():
	case <-time.After(testTimeout):
		t.Fatal("dropped promise not rejected")
	}
	_, _, err := promise.Result()
	assert.Equal(t, err, errMessageDropped)
}

func TestClientWaitForExecutionOrClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, _ := NewPipeTransport(ctx)
	client := NewClientWithDefaults(ctx, transport, NewRules())

	done := make(chan ClientPhase, 1)
	go func() {
		done <- client.WaitForExecutionOrClose(ctx)
	}()

	client.advancePhase(ClientPhaseSync)
	select {
	case <-done:
		t.Fatal("wait returned before execution")
	case <-time.After(50 * time.Millisecond):
	}

	client.advancePhase(ClientPhaseExecution)
	select {
	case phase := <-done:
		assert.Equal(t, phase, ClientPhaseExecution)
	case <-time.After(testTimeout):
		t.Fatal("wait did not return on execution")
	}
}

func TestClientCloseRejectsQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, _ := NewPipeTransport(ctx)
	client := NewClientWithDefaults(ctx, transport, NewRules())

	promise := NewDeferred()
	message := NewMessage(Payload{"type": "test-payload"})
	message.Id = NewId()
	client.QueueMessage(nil, message, promise)

	client.Close()
	assert.Equal(t, client.Phase(), ClientPhaseClosed)

	select {
	case <-promise.Done():
	case <-time.After(testTimeout):
		t.Fatal("queued promise not rejected on close")
	}
	_, _, err := promise.Result()
	assert.Equal(t, err, errConnectionClosed)
}
