// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "voxgate"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("VOXGATE_LOG_LEVEL", "info"),
		Format: getenv("VOXGATE_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Session returns a zap field for a relay session ID.
func Session(id string) zap.Field { return zap.String("session", id) }

// Job returns a zap field for a job ID.
func Job(id string) zap.Field { return zap.String("job", id) }

// KeyName returns a zap field for the display name of a credential.
func KeyName(name string) zap.Field { return zap.String("key_name", name) }

// Reason returns a zap field for a denial or termination reason.
func Reason(reason string) zap.Field { return zap.String("reason", reason) }

// Backend returns a zap field for the backend URL.
func Backend(url string) zap.Field { return zap.String("backend", url) }

// RemoteIP returns a zap field for a remote IP address.
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// Frames returns a zap field for a forwarded frame count.
func Frames(n int64) zap.Field { return zap.Int64("frames", n) }

// Bytes returns a zap field for a byte count.
func Bytes(n int64) zap.Field { return zap.Int64("bytes", n) }

// Voice returns a zap field for a voice profile name.
func Voice(voice string) zap.Field { return zap.String("voice", voice) }

// ExitCode returns a zap field for a process exit status.
func ExitCode(code int) zap.Field { return zap.Int("exit_code", code) }
