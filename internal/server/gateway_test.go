package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/events"
	"github.com/voxgate/voxgate/internal/job"
	"github.com/voxgate/voxgate/internal/keystore"
	"github.com/voxgate/voxgate/internal/ratelimit"
)

// startEchoBackend runs a websocket server that echoes every data
// message back, standing in for the inference backend.
func startEchoBackend(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type stubRunner struct {
	fn func(ctx context.Context, cmd job.Command) (job.Result, error)
}

func (s stubRunner) Run(ctx context.Context, cmd job.Command) (job.Result, error) {
	return s.fn(ctx, cmd)
}

func outputArg(args []string) string {
	for i, a := range args {
		if a == "--output" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newGateway(t *testing.T, store *keystore.Store, backendURL string, jobs *job.Supervisor) *httptest.Server {
	t.Helper()

	gw := &GatewayServer{
		Store:      store,
		Jobs:       jobs,
		BackendURL: backendURL,
		Events:     events.Nop{},
		Logger:     zap.NewNop(),
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newJobs(t *testing.T, runner job.Runner) *job.Supervisor {
	t.Helper()
	return &job.Supervisor{
		WorkDir:   t.TempDir(),
		EngineDir: t.TempDir(),
		Runner:    runner,
		Logger:    zap.NewNop(),
	}
}

func dialStream(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream?api_key=" + key
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "websocket handshake")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamRelaysFrames(t *testing.T) {
	store := setupStore(t)
	key, err := store.Issue(context.Background(), "svc-a", "")
	require.NoError(t, err)

	srv := newGateway(t, store, startEchoBackend(t), nil)
	conn := dialStream(t, srv, key)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"mark"}`)))
	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt, "frame kind must be preserved")
	assert.Equal(t, []byte(`{"op":"mark"}`), data)
}

func TestStreamDenialCloseCodes(t *testing.T) {
	mock := clock.NewMock()
	persist := &keystore.FileStore{Path: t.TempDir() + "/keys.json"}
	store, err := keystore.Open(context.Background(), persist, ratelimit.New(1, time.Minute, mock), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})

	ctx := context.Background()
	revoked, err := store.Issue(ctx, "revoked", "")
	require.NoError(t, err)
	_, err = store.Revoke(ctx, revoked)
	require.NoError(t, err)

	throttled, err := store.Issue(ctx, "throttled", "")
	require.NoError(t, err)
	_, err = store.Validate(ctx, throttled) // consume the single budget slot
	require.NoError(t, err)

	srv := newGateway(t, store, startEchoBackend(t), nil)

	tests := []struct {
		name     string
		key      string
		wantCode int
	}{
		{"invalid key", "vxg_nosuchkey", closeInvalidKey},
		{"revoked key", revoked, closeInactiveKey},
		{"rate limited", throttled, closeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialStream(t, srv, tt.key)
			_, _, err := conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, tt.wantCode, closeErr.Code)
		})
	}
}

func TestStreamBackendUnreachable(t *testing.T) {
	store := setupStore(t)
	key, err := store.Issue(context.Background(), "svc-a", "")
	require.NoError(t, err)

	srv := newGateway(t, store, "ws://127.0.0.1:1/ws", nil)
	conn := dialStream(t, srv, key)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestHealth(t *testing.T) {
	store := setupStore(t)

	t.Run("backend connected", func(t *testing.T) {
		srv := newGateway(t, store, startEchoBackend(t), nil)
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health api.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "healthy", health.Gateway)
		assert.Equal(t, "connected", health.Backend)
	})

	t.Run("backend unreachable", func(t *testing.T) {
		srv := newGateway(t, store, "ws://127.0.0.1:1/ws", nil)
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "health endpoint itself stays up")

		var health api.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "healthy", health.Gateway)
		assert.True(t, strings.HasPrefix(health.Backend, "unreachable"))
	})
}

func multipartAudio(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("audio", "input.wav")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake wav bytes"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func postInference(t *testing.T, srv *httptest.Server, key string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/inference", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestInferenceSuccess(t *testing.T) {
	store := setupStore(t)
	key, err := store.Issue(context.Background(), "svc-a", "")
	require.NoError(t, err)

	jobs := newJobs(t, stubRunner{fn: func(ctx context.Context, cmd job.Command) (job.Result, error) {
		require.NoError(t, os.WriteFile(outputArg(cmd.Args), []byte("RIFF output"), 0o600))
		return job.Result{Stdout: []byte("hello\nworld")}, nil
	}})
	srv := newGateway(t, store, "ws://127.0.0.1:1/ws", jobs)

	body, contentType := multipartAudio(t, map[string]string{"voice": "NATF2"})
	resp := postInference(t, srv, key, body, contentType)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Len(t, resp.Header.Get("X-Request-ID"), 8)
	assert.Equal(t, "hello world", resp.Header.Get("X-Transcript"), "transcript header must be single-line")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF output"), data)
}

func TestInferenceRequiresKey(t *testing.T) {
	store := setupStore(t)
	srv := newGateway(t, store, "ws://127.0.0.1:1/ws", nil)

	body, contentType := multipartAudio(t, nil)
	resp := postInference(t, srv, "", body, contentType)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInferenceMissingAudio(t *testing.T) {
	store := setupStore(t)
	key, err := store.Issue(context.Background(), "svc-a", "")
	require.NoError(t, err)

	srv := newGateway(t, store, "ws://127.0.0.1:1/ws", newJobs(t, nil))

	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("voice", "NATF2"))
	require.NoError(t, w.Close())

	resp := postInference(t, srv, key, buf, w.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInferenceFaults(t *testing.T) {
	store := setupStore(t)
	key, err := store.Issue(context.Background(), "svc-a", "")
	require.NoError(t, err)

	t.Run("timeout", func(t *testing.T) {
		jobs := newJobs(t, stubRunner{fn: func(ctx context.Context, cmd job.Command) (job.Result, error) {
			<-ctx.Done()
			return job.Result{}, ctx.Err()
		}})
		jobs.Deadline = 20 * time.Millisecond
		srv := newGateway(t, store, "ws://127.0.0.1:1/ws", jobs)

		body, contentType := multipartAudio(t, nil)
		resp := postInference(t, srv, key, body, contentType)
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	})

	t.Run("process fault", func(t *testing.T) {
		jobs := newJobs(t, stubRunner{fn: func(ctx context.Context, cmd job.Command) (job.Result, error) {
			return job.Result{ExitCode: 1, Stderr: []byte("CUDA out of memory")}, nil
		}})
		srv := newGateway(t, store, "ws://127.0.0.1:1/ws", jobs)

		body, contentType := multipartAudio(t, nil)
		resp := postInference(t, srv, key, body, contentType)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		var errResp api.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Contains(t, errResp.Error, "CUDA out of memory", "diagnostic excerpt should reach the caller")
	})

	t.Run("no output", func(t *testing.T) {
		jobs := newJobs(t, stubRunner{fn: func(ctx context.Context, cmd job.Command) (job.Result, error) {
			return job.Result{}, nil
		}})
		srv := newGateway(t, store, "ws://127.0.0.1:1/ws", jobs)

		body, contentType := multipartAudio(t, nil)
		resp := postInference(t, srv, key, body, contentType)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		var errResp api.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, "no output generated", errResp.Error)
	})
}
