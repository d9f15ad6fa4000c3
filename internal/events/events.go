// Package events defines the structured observability events emitted
// by the gateway's admission, relay, and job components.
package events

import (
	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/logging"
)

// Admission records one admission decision for either traffic path.
type Admission struct {
	Path     string // "stream" or "inference"
	KeyName  string // empty when denied before lookup
	Allowed  bool
	Reason   string // denial reason: invalid, inactive, rate_limited
	RemoteIP string
}

// SessionStart records the establishment of a relay session.
type SessionStart struct {
	SessionID string
	KeyName   string
	RemoteIP  string
}

// SessionEnd records relay termination with its terminal reason.
type SessionEnd struct {
	SessionID     string
	Reason        string // disconnect, transport_error, protocol_fault
	Side          string // client or backend
	ClientFrames  int64
	BackendFrames int64
}

// JobOutcome records the result of one inference job.
type JobOutcome struct {
	JobID    string
	KeyName  string
	Outcome  string // ok, timeout, process_fault, generation_fault
	ExitCode int
}

// Emitter receives gateway events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Admission(e Admission)
	SessionStarted(e SessionStart)
	SessionEnded(e SessionEnd)
	JobFinished(e JobOutcome)
}

// Log emits events as structured log entries.
type Log struct {
	Logger *zap.Logger
}

func (l *Log) Admission(e Admission) {
	if e.Allowed {
		l.Logger.Info("admission granted",
			zap.String("path", e.Path),
			logging.KeyName(e.KeyName),
			logging.RemoteIP(e.RemoteIP))
		return
	}
	l.Logger.Info("admission denied",
		zap.String("path", e.Path),
		logging.Reason(e.Reason),
		logging.RemoteIP(e.RemoteIP))
}

func (l *Log) SessionStarted(e SessionStart) {
	l.Logger.Info("session started",
		logging.Session(e.SessionID),
		logging.KeyName(e.KeyName),
		logging.RemoteIP(e.RemoteIP))
}

func (l *Log) SessionEnded(e SessionEnd) {
	l.Logger.Info("session ended",
		logging.Session(e.SessionID),
		logging.Reason(e.Reason),
		zap.String("side", e.Side),
		zap.Int64("client_frames", e.ClientFrames),
		zap.Int64("backend_frames", e.BackendFrames))
}

func (l *Log) JobFinished(e JobOutcome) {
	l.Logger.Info("job finished",
		logging.Job(e.JobID),
		logging.KeyName(e.KeyName),
		zap.String("outcome", e.Outcome),
		logging.ExitCode(e.ExitCode))
}

// Nop discards all events.
type Nop struct{}

func (Nop) Admission(Admission)         {}
func (Nop) SessionStarted(SessionStart) {}
func (Nop) SessionEnded(SessionEnd)     {}
func (Nop) JobFinished(JobOutcome)      {}
