package coordination

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/types"
)

func newTestDispatcher(t *testing.T, timeout time.Duration) *Dispatcher {
	t.Helper()
	registry := newTestRegistry(t, quietRegistryConfig())
	return NewDispatcher(DispatcherConfig{DispatchTimeout: timeout}, registry, nil)
}

func echoHandler(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
	return envelope.Reply(envelope.Payload), nil
}

func TestDispatcher_Send_Success(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)
	dispatcher.RegisterHandler("tutor-1", echoHandler)

	request := types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "explain recursion")

	reply, err := dispatcher.Send(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, types.EnvelopeResponse, reply.Kind)
	assert.Equal(t, "tutor-1", reply.From)
	assert.Equal(t, "coordinator", reply.To)
	assert.Equal(t, request.ID, reply.CorrelationID)
	assert.Equal(t, "explain recursion", reply.Payload)
}

func TestDispatcher_Send_ValidationErrors(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)

	_, err := dispatcher.Send(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = dispatcher.Send(context.Background(), &types.Envelope{Kind: types.EnvelopeRequest})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestDispatcher_Send_NoHandler(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)

	request := types.NewEnvelope("coordinator", "ghost-1", types.EnvelopeRequest, "hello")

	_, err := dispatcher.Send(context.Background(), request)
	require.Error(t, err)
	assert.Equal(t, "DISPATCH_ERROR", errors.GetCode(err))
	assert.Contains(t, err.Error(), "no handler registered for worker ghost-1")
}

func TestDispatcher_Send_Timeout(t *testing.T) {
	dispatcher := newTestDispatcher(t, 50*time.Millisecond)

	handlerDone := make(chan struct{})
	dispatcher.RegisterHandler("tutor-1", func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
		defer close(handlerDone)
		time.Sleep(200 * time.Millisecond)
		return envelope.Reply("late answer"), nil
	})

	request := types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "slow question")

	start := time.Now()
	_, err := dispatcher.Send(context.Background(), request)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	assert.Contains(t, err.Error(), "dispatch to worker tutor-1 timed out")
	assert.Less(t, elapsed, 150*time.Millisecond)

	// The late reply from the abandoned handler must be dropped, not leak
	// into a later dispatch.
	<-handlerDone
	dispatcher.RegisterHandler("tutor-1", echoHandler)
	reply, err := dispatcher.Send(context.Background(), types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "fresh question"))
	require.NoError(t, err)
	assert.Equal(t, "fresh question", reply.Payload)
}

func TestDispatcher_Send_HandlerError(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)
	dispatcher.RegisterHandler("tutor-1", func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
		return nil, stderrors.New("model unavailable")
	})

	_, err := dispatcher.Send(context.Background(), types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "q"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestDispatcher_Send_NilReply(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)
	dispatcher.RegisterHandler("tutor-1", func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
		return nil, nil
	})

	_, err := dispatcher.Send(context.Background(), types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "q"))
	require.Error(t, err)
	assert.Equal(t, "DISPATCH_ERROR", errors.GetCode(err))
	assert.Contains(t, err.Error(), "returned no reply")
}

func TestDispatcher_Send_HandlerPanic(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)
	dispatcher.RegisterHandler("tutor-1", func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
		panic("worker crashed")
	})

	_, err := dispatcher.Send(context.Background(), types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "q"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker tutor-1 handler panicked")

	// The dispatcher survives the panic and keeps serving.
	dispatcher.RegisterHandler("tutor-1", echoHandler)
	_, err = dispatcher.Send(context.Background(), types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "q"))
	assert.NoError(t, err)
}

func TestDispatcher_Send_ParentCancellation(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)
	dispatcher.RegisterHandler("tutor-1", func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
		// Keep running past the cancellation so Send unblocks on the
		// context, not on a handler result.
		time.Sleep(300 * time.Millisecond)
		return envelope.Reply("too late"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := dispatcher.Send(ctx, types.NewEnvelope("coordinator", "tutor-1", types.EnvelopeRequest, "q"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch canceled")
}

func TestDispatcher_HandlerRegistration(t *testing.T) {
	dispatcher := newTestDispatcher(t, time.Second)
	assert.Equal(t, 0, dispatcher.HandlerCount())

	dispatcher.RegisterHandler("tutor-1", echoHandler)
	dispatcher.RegisterHandler("tutor-2", echoHandler)
	assert.Equal(t, 2, dispatcher.HandlerCount())

	dispatcher.RegisterHandler("", echoHandler)
	dispatcher.RegisterHandler("tutor-3", nil)
	assert.Equal(t, 2, dispatcher.HandlerCount())

	dispatcher.UnregisterHandler("tutor-1")
	assert.Equal(t, 1, dispatcher.HandlerCount())
}

func TestDefaultDispatcherConfig(t *testing.T) {
	config := DefaultDispatcherConfig()
	assert.Equal(t, 10*time.Second, config.DispatchTimeout)
}
