package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint is a channel-backed endpoint. Frames pushed into in are
// read by the relay; frames the relay writes land in out. Closing the
// in channel reads as a clean disconnect; Close unblocks a pending
// read the way a real transport does.
type fakeEndpoint struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (e *fakeEndpoint) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-e.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-e.closed:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (e *fakeEndpoint) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case e.out <- f:
		return nil
	case <-e.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEndpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

func (e *fakeEndpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func runRelay(t *testing.T, r *Relay) Outcome {
	t.Helper()

	done := make(chan Outcome, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case outcome := <-done:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate in time")
		return Outcome{}
	}
}

func TestForwardsFramesInOrderAndKind(t *testing.T) {
	client := newFakeEndpoint()
	backend := newFakeEndpoint()

	frames := []Frame{
		{Kind: KindBinary, Payload: []byte{0x01, 0x02}},
		{Kind: KindText, Payload: []byte(`{"type":"start"}`)},
		{Kind: KindBinary, Payload: []byte{0x03}},
		{Kind: KindBinary, Payload: []byte{0x04, 0x05, 0x06}},
		{Kind: KindText, Payload: []byte(`{"type":"stop"}`)},
	}
	for _, f := range frames {
		client.in <- f
	}
	close(client.in)

	r := &Relay{SessionID: "test", Client: client, Backend: backend}
	outcome := runRelay(t, r)

	assert.Equal(t, ReasonDisconnect, outcome.Reason)
	assert.Equal(t, SideClient, outcome.Side)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int64(len(frames)), outcome.ClientFrames)

	for i, want := range frames {
		got := <-backend.out
		assert.Equal(t, want.Kind, got.Kind, "frame %d kind", i)
		assert.Equal(t, want.Payload, got.Payload, "frame %d payload", i)
	}

	assert.True(t, client.isClosed(), "client endpoint left open")
	assert.True(t, backend.isClosed(), "backend endpoint left open")
}

func TestForwardsBothDirections(t *testing.T) {
	client := newFakeEndpoint()
	backend := newFakeEndpoint()

	client.in <- Frame{Kind: KindBinary, Payload: []byte("audio in")}
	backend.in <- Frame{Kind: KindBinary, Payload: []byte("audio out")}
	backend.in <- Frame{Kind: KindText, Payload: []byte("token")}

	r := &Relay{SessionID: "test", Client: client, Backend: backend}
	done := make(chan Outcome, 1)
	go func() { done <- r.Run(context.Background()) }()

	toBackend := <-backend.out
	assert.Equal(t, []byte("audio in"), toBackend.Payload)

	toClient := <-client.out
	assert.Equal(t, []byte("audio out"), toClient.Payload)
	toClient = <-client.out
	assert.Equal(t, KindText, toClient.Kind)

	client.Close()
	select {
	case outcome := <-done:
		assert.Equal(t, int64(1), outcome.ClientFrames)
		assert.Equal(t, int64(2), outcome.BackendFrames)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate after client close")
	}
}

func TestClosingClientClosesBackend(t *testing.T) {
	client := newFakeEndpoint()
	backend := newFakeEndpoint()

	r := &Relay{SessionID: "test", Client: client, Backend: backend}
	done := make(chan Outcome, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case outcome := <-done:
		assert.Equal(t, ReasonDisconnect, outcome.Reason)
		assert.True(t, backend.isClosed(), "backend endpoint left open")
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate after client close")
	}
}

func TestClosingBackendClosesClient(t *testing.T) {
	client := newFakeEndpoint()
	backend := newFakeEndpoint()

	r := &Relay{SessionID: "test", Client: client, Backend: backend}
	done := make(chan Outcome, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	backend.Close()

	select {
	case outcome := <-done:
		assert.Equal(t, ReasonDisconnect, outcome.Reason)
		assert.Equal(t, SideBackend, outcome.Side)
		assert.True(t, client.isClosed(), "client endpoint left open")
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate after backend close")
	}
}

func TestOversizedFrameIsProtocolFault(t *testing.T) {
	client := newFakeEndpoint()
	backend := newFakeEndpoint()

	client.in <- Frame{Kind: KindBinary, Payload: make([]byte, 9)}

	r := &Relay{SessionID: "test", Client: client, Backend: backend, MaxFrameBytes: 8}
	outcome := runRelay(t, r)

	assert.Equal(t, ReasonProtocolFault, outcome.Reason)
	assert.Equal(t, SideClient, outcome.Side)
	require.Error(t, outcome.Err)
	assert.ErrorIs(t, outcome.Err, ErrFrameTooLarge)
	assert.Zero(t, outcome.ClientFrames, "oversized frame must not be forwarded")
	assert.True(t, client.isClosed())
	assert.True(t, backend.isClosed())
}

type faultyEndpoint struct {
	*fakeEndpoint
	readErr error
}

func (e *faultyEndpoint) ReadFrame(ctx context.Context) (Frame, error) {
	return Frame{}, e.readErr
}

func TestTransportErrorTerminates(t *testing.T) {
	client := newFakeEndpoint()
	backend := &faultyEndpoint{
		fakeEndpoint: newFakeEndpoint(),
		readErr:      errors.New("connection reset"),
	}

	r := &Relay{SessionID: "test", Client: client, Backend: backend}
	outcome := runRelay(t, r)

	assert.Equal(t, ReasonTransportError, outcome.Reason)
	assert.Equal(t, SideBackend, outcome.Side)
	require.Error(t, outcome.Err)
	assert.True(t, client.isClosed())
	assert.True(t, backend.isClosed())
}
