// Package relay pumps frames in both directions between two transport
// endpoints until either side terminates.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FrameKind distinguishes binary audio frames from text control
// messages. The kind is preserved end to end.
type FrameKind int

const (
	KindBinary FrameKind = iota
	KindText
)

// Frame is one message unit forwarded verbatim by the relay.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Endpoint is one side of a relay session. ReadFrame blocks until a
// frame arrives or the endpoint fails; Close must unblock a pending
// ReadFrame on the same endpoint.
type Endpoint interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// ErrFrameTooLarge terminates a session whose peer sent a frame over
// the configured limit.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Terminal reasons reported in the session outcome.
const (
	ReasonDisconnect     = "disconnect"
	ReasonTransportError = "transport_error"
	ReasonProtocolFault  = "protocol_fault"
)

// Sides of a session, naming which endpoint triggered termination.
const (
	SideClient  = "client"
	SideBackend = "backend"
)

// Outcome describes how a session ended and how much it carried.
type Outcome struct {
	Reason        string
	Side          string
	Err           error
	ClientFrames  int64 // frames forwarded client -> backend
	BackendFrames int64 // frames forwarded backend -> client
	ClientBytes   int64
	BackendBytes  int64
}

// DefaultMaxFrameBytes bounds per-session memory; one frame is held
// per direction at a time.
const DefaultMaxFrameBytes = 1 << 20

// Relay is one full-duplex forwarding unit pairing a client endpoint
// with a backend endpoint.
type Relay struct {
	SessionID     string
	Client        Endpoint
	Backend       Endpoint
	MaxFrameBytes int64
}

// Run forwards frames in both directions until the first terminal
// event on either side, then closes both endpoints exactly once and
// reports the outcome. Close failures never mask the terminal reason.
// Run returns only after both directions have stopped; no goroutine
// outlives the session.
func (r *Relay) Run(ctx context.Context) Outcome {
	maxFrame := r.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}

	var (
		once    sync.Once
		outcome Outcome
	)
	terminate := func(side string, err error) {
		once.Do(func() {
			outcome.Side = side
			outcome.Reason = classify(err)
			if outcome.Reason != ReasonDisconnect {
				outcome.Err = fmt.Errorf("%s: %w", side, err)
			}
			// Closing both endpoints unblocks the sibling
			// direction's pending read.
			closeQuiet(r.Client)
			closeQuiet(r.Backend)
		})
	}

	// The first direction to stop cancels the group context and
	// closes both endpoints, so the sibling's pending read unblocks
	// whether it is ctx-aware or not.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.pump(ctx, r.Client, r.Backend, maxFrame, &outcome.ClientFrames, &outcome.ClientBytes)
		terminate(SideClient, err)
		return err
	})
	g.Go(func() error {
		err := r.pump(ctx, r.Backend, r.Client, maxFrame, &outcome.BackendFrames, &outcome.BackendBytes)
		terminate(SideBackend, err)
		return err
	})
	_ = g.Wait()

	return outcome
}

// pump forwards frames one at a time from src to dst, preserving order
// and kind. It returns on the first read error, write error, or
// oversized frame.
func (r *Relay) pump(ctx context.Context, src, dst Endpoint, maxFrame int64, frames, bytes *int64) error {
	for {
		f, err := src.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if int64(len(f.Payload)) > maxFrame {
			return ErrFrameTooLarge
		}
		if err := dst.WriteFrame(ctx, f); err != nil {
			return err
		}
		*frames++
		*bytes += int64(len(f.Payload))
	}
}

func classify(err error) string {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return ReasonDisconnect
	case errors.Is(err, ErrFrameTooLarge):
		return ReasonProtocolFault
	case errors.Is(err, context.Canceled):
		return ReasonDisconnect
	default:
		return ReasonTransportError
	}
}

func closeQuiet(e Endpoint) {
	_ = e.Close()
}
