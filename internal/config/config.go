// Package config holds gateway configuration and defaults.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"time"
)

// Config carries the settings the server wires into its components.
type Config struct {
	ListenPort    int
	AdminPort     int
	BackendURL    string
	EngineDir     string
	DBPath        string
	WorkDir       string
	AdminSecret   string
	RPM           int
	JobTimeout    time.Duration
	MaxFrameBytes int64
	TLSCertFile   string
	TLSKeyFile    string
}

// Default returns the configuration used when no flags or environment
// variables override it.
func Default() *Config {
	return &Config{
		ListenPort:    8000,
		AdminPort:     8081,
		BackendURL:    "wss://localhost:8998/ws",
		EngineDir:     "/opt/personaplex",
		DBPath:        "voxgate.db",
		WorkDir:       os.TempDir(),
		RPM:           60,
		JobTimeout:    300 * time.Second,
		MaxFrameBytes: 1 << 20,
	}
}

// GenerateAdminSecret produces a random admin secret for deployments
// that do not configure one. It is logged once at startup.
func GenerateAdminSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// GetEnv returns the value of the environment variable or a default.
func GetEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
