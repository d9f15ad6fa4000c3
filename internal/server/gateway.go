package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/events"
	"github.com/voxgate/voxgate/internal/job"
	"github.com/voxgate/voxgate/internal/keystore"
	"github.com/voxgate/voxgate/internal/logging"
	"github.com/voxgate/voxgate/internal/relay"
)

// Websocket close codes for streaming denials. Distinguishable by the
// client so a revoked key reads differently from a throttled one.
const (
	closeInvalidKey  = 4001
	closeInactiveKey = 4003
	closeRateLimited = 4029
)

const (
	defaultVoice   = "NATF2"
	defaultPersona = "You are a helpful assistant."

	maxUploadBytes = 32 << 20
	backendProbe   = 5 * time.Second
)

// GatewayServer handles caller-facing traffic: the streaming relay,
// the one-shot inference endpoint, and the health probe.
type GatewayServer struct {
	Store              *keystore.Store
	Jobs               *job.Supervisor
	BackendURL         string
	InsecureBackendTLS bool
	MaxFrameBytes      int64
	Events             events.Emitter
	Logger             *zap.Logger

	upgrader websocket.Upgrader
}

// Handler returns the HTTP handler for the gateway server.
func (s *GatewayServer) Handler() http.Handler {
	// Browser and native clients connect from arbitrary origins; the
	// API key is the admission control, not the Origin header.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws/stream", s.handleStream)
	mux.HandleFunc("POST /v1/inference", s.handleInference)
	return mux
}

// presentedKey pulls the API key from the X-API-Key header, falling
// back to the api_key query parameter for websocket clients that
// cannot set headers.
func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// denial maps an admission error to its reason code, websocket close
// code, and HTTP status.
func denial(err error) (reason string, wsCode int, httpStatus int) {
	switch {
	case errors.Is(err, keystore.ErrKeyRevoked):
		return "inactive", closeInactiveKey, http.StatusUnauthorized
	case errors.Is(err, keystore.ErrRateLimited):
		return "rate_limited", closeRateLimited, http.StatusTooManyRequests
	default:
		return "invalid", closeInvalidKey, http.StatusUnauthorized
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *GatewayServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), backendProbe)
	defer cancel()

	backendStatus := "connected"
	backend, err := relay.DialBackend(ctx, s.BackendURL, s.InsecureBackendTLS, s.MaxFrameBytes)
	if err != nil {
		backendStatus = "unreachable: " + err.Error()
	} else {
		backend.Close()
	}

	writeJSON(w, http.StatusOK, api.HealthResponse{
		Gateway:    "healthy",
		Backend:    backendStatus,
		BackendURL: s.BackendURL,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *GatewayServer) handleStream(w http.ResponseWriter, r *http.Request) {
	info, admitErr := s.Store.Validate(r.Context(), presentedKey(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if admitErr != nil {
		reason, wsCode, _ := denial(admitErr)
		s.Events.Admission(events.Admission{
			Path: "stream", Reason: reason, RemoteIP: remoteIP(r),
		})
		closeWithCode(conn, wsCode, reason)
		return
	}
	s.Events.Admission(events.Admission{
		Path: "stream", KeyName: info.Name, Allowed: true, RemoteIP: remoteIP(r),
	})

	sessionID := uuid.NewString()[:8]
	client := relay.NewWSEndpoint(conn, s.MaxFrameBytes)

	dialCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	backend, err := relay.DialBackend(dialCtx, s.BackendURL, s.InsecureBackendTLS, s.MaxFrameBytes)
	cancel()
	if err != nil {
		s.Logger.Error("backend unreachable",
			logging.Session(sessionID), logging.Backend(s.BackendURL), zap.Error(err))
		closeWithCode(conn, websocket.CloseInternalServerErr, "backend unreachable")
		s.Events.SessionEnded(events.SessionEnd{
			SessionID: sessionID, Side: relay.SideBackend, Reason: relay.ReasonTransportError,
		})
		return
	}

	s.Events.SessionStarted(events.SessionStart{
		SessionID: sessionID, KeyName: info.Name, RemoteIP: remoteIP(r),
	})

	rel := relay.Relay{
		SessionID:     sessionID,
		Client:        client,
		Backend:       backend,
		MaxFrameBytes: s.MaxFrameBytes,
	}
	outcome := rel.Run(r.Context())

	if outcome.Err != nil {
		s.Logger.Warn("session terminated",
			logging.Session(sessionID), logging.Reason(outcome.Reason), zap.Error(outcome.Err))
	}
	s.Events.SessionEnded(events.SessionEnd{
		SessionID:     sessionID,
		Reason:        outcome.Reason,
		Side:          outcome.Side,
		ClientFrames:  outcome.ClientFrames,
		BackendFrames: outcome.BackendFrames,
	})
}

func (s *GatewayServer) handleInference(w http.ResponseWriter, r *http.Request) {
	info, admitErr := s.Store.Validate(r.Context(), presentedKey(r))
	if admitErr != nil {
		reason, _, status := denial(admitErr)
		s.Events.Admission(events.Admission{
			Path: "inference", Reason: reason, RemoteIP: remoteIP(r),
		})
		writeJSON(w, status, api.ErrorResponse{Error: "key " + reason})
		return
	}
	s.Events.Admission(events.Admission{
		Path: "inference", KeyName: info.Name, Allowed: true, RemoteIP: remoteIP(r),
	})

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid multipart form"})
		return
	}

	audio, _, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "audio file is required"})
		return
	}
	defer audio.Close()

	voice := r.FormValue("voice")
	if voice == "" {
		voice = defaultVoice
	}
	persona := r.FormValue("persona")
	if persona == "" {
		persona = defaultPersona
	}

	output, err := s.Jobs.Run(r.Context(), audio, voice, persona)
	if err != nil {
		s.reportJobFault(w, info.Name, err)
		return
	}
	defer output.Cleanup()

	s.Events.JobFinished(events.JobOutcome{
		JobID: output.JobID, KeyName: info.Name, Outcome: "ok",
	})

	f, err := output.Open()
	if err != nil {
		s.Logger.Error("open output artifact", logging.Job(output.JobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "output unavailable"})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Request-ID", output.JobID)
	if output.Transcript != "" {
		w.Header().Set("X-Transcript", headerSafe(output.Transcript))
	}
	if _, err := io.Copy(w, f); err != nil {
		s.Logger.Warn("stream output artifact", logging.Job(output.JobID), zap.Error(err))
	}
}

func (s *GatewayServer) reportJobFault(w http.ResponseWriter, keyName string, err error) {
	var procErr *job.ProcessError
	switch {
	case errors.Is(err, job.ErrDeadlineExceeded):
		s.Events.JobFinished(events.JobOutcome{KeyName: keyName, Outcome: "timeout"})
		writeJSON(w, http.StatusGatewayTimeout, api.ErrorResponse{Error: "inference timed out"})
	case errors.As(err, &procErr):
		s.Events.JobFinished(events.JobOutcome{
			KeyName: keyName, Outcome: "process_fault", ExitCode: procErr.ExitCode,
		})
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			Error: "inference failed: " + procErr.Diagnostic,
		})
	case errors.Is(err, job.ErrNoOutput):
		s.Events.JobFinished(events.JobOutcome{KeyName: keyName, Outcome: "generation_fault"})
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "no output generated"})
	default:
		s.Logger.Error("job failed", logging.KeyName(keyName), zap.Error(err))
		s.Events.JobFinished(events.JobOutcome{KeyName: keyName, Outcome: "process_fault"})
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "inference failed"})
	}
}

// closeWithCode delivers a close frame with the given status code and
// reason, then closes the connection.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// headerSafe collapses a transcript excerpt onto one line for use as a
// header value.
func headerSafe(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
