package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSEndpoint adapts a websocket connection to the Endpoint interface.
// Binary and text messages map to the two frame kinds; control frames
// are handled by the underlying connection.
type WSEndpoint struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWSEndpoint wraps conn. The read limit mirrors the relay's frame
// cap so an oversized frame fails at the transport before it is
// buffered whole.
func NewWSEndpoint(conn *websocket.Conn, maxFrameBytes int64) *WSEndpoint {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	conn.SetReadLimit(maxFrameBytes)
	return &WSEndpoint{conn: conn}
}

// ReadFrame blocks until the next data message. A normal peer close
// reads as io.EOF; exceeding the read limit reads as ErrFrameTooLarge.
// Close unblocks a pending ReadFrame.
func (e *WSEndpoint) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		messageType, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return Frame{}, ErrFrameTooLarge
			}
			return Frame{}, err
		}

		switch messageType {
		case websocket.BinaryMessage:
			return Frame{Kind: KindBinary, Payload: data}, nil
		case websocket.TextMessage:
			return Frame{Kind: KindText, Payload: data}, nil
		}
	}
}

// WriteFrame sends one data message with the frame's kind preserved.
func (e *WSEndpoint) WriteFrame(ctx context.Context, f Frame) error {
	messageType := websocket.BinaryMessage
	if f.Kind == KindText {
		messageType = websocket.TextMessage
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(messageType, f.Payload)
}

// Close sends a best-effort close frame and closes the connection. It
// is safe to call more than once; only the first call acts.
func (e *WSEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		e.writeMu.Unlock()
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

// DialBackend connects to the inference backend's websocket endpoint.
func DialBackend(ctx context.Context, url string, insecureTLS bool, maxFrameBytes int64) (*WSEndpoint, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if insecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSEndpoint(conn, maxFrameBytes), nil
}
