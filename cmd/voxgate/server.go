package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/db"
	"github.com/voxgate/voxgate/internal/events"
	"github.com/voxgate/voxgate/internal/job"
	"github.com/voxgate/voxgate/internal/keystore"
	"github.com/voxgate/voxgate/internal/logging"
	"github.com/voxgate/voxgate/internal/ratelimit"
	"github.com/voxgate/voxgate/internal/server"
)

var serverFlags struct {
	listenPort    int
	adminPort     int
	backendURL    string
	insecureTLS   bool
	engineDir     string
	dbPath        string
	keysFile      string
	workDir       string
	adminSecret   string
	rpm           int
	jobTimeout    time.Duration
	maxFrameBytes int64
	tlsCert       string
	tlsKey        string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway (streaming relay, inference API, admin API)",
	Long: `Start the voxgate server.

The gateway listener carries caller traffic: the websocket streaming
relay at /ws/stream, one-shot inference at /v1/inference, and the
health probe at /healthz. Key management lives on a separate admin
listener gated by the admin secret.

Credentials persist to sqlite by default; --keys-file switches to a
plain JSON file.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	defaults := config.Default()
	serverCmd.Flags().IntVar(&serverFlags.listenPort, "listen-port", getEnvInt("VOXGATE_LISTEN_PORT", defaults.ListenPort), "gateway port to listen on")
	serverCmd.Flags().IntVar(&serverFlags.adminPort, "admin-port", getEnvInt("VOXGATE_ADMIN_PORT", defaults.AdminPort), "admin API port to listen on")
	serverCmd.Flags().StringVar(&serverFlags.backendURL, "backend-url", getEnv("VOXGATE_BACKEND_URL", defaults.BackendURL), "websocket URL of the inference backend")
	serverCmd.Flags().BoolVar(&serverFlags.insecureTLS, "backend-insecure-tls", false, "skip TLS verification when dialing the backend")
	serverCmd.Flags().StringVar(&serverFlags.engineDir, "engine-dir", getEnv("VOXGATE_ENGINE_DIR", defaults.EngineDir), "working directory of the offline inference CLI")
	serverCmd.Flags().StringVar(&serverFlags.dbPath, "db", getEnv("VOXGATE_DB", defaults.DBPath), "credential database path")
	serverCmd.Flags().StringVar(&serverFlags.keysFile, "keys-file", os.Getenv("VOXGATE_KEYS_FILE"), "JSON credential file (overrides --db)")
	serverCmd.Flags().StringVar(&serverFlags.workDir, "work-dir", getEnv("VOXGATE_WORK_DIR", defaults.WorkDir), "scratch directory for job artifacts")
	serverCmd.Flags().StringVar(&serverFlags.adminSecret, "admin-secret", os.Getenv("VOXGATE_ADMIN_SECRET"), "shared secret for the admin API")
	serverCmd.Flags().IntVar(&serverFlags.rpm, "rpm", getEnvInt("VOXGATE_RATE_LIMIT_RPM", defaults.RPM), "per-key requests per minute")
	serverCmd.Flags().DurationVar(&serverFlags.jobTimeout, "job-timeout", defaults.JobTimeout, "hard deadline for one inference job")
	serverCmd.Flags().Int64Var(&serverFlags.maxFrameBytes, "max-frame-bytes", defaults.MaxFrameBytes, "maximum relayed frame size")
	serverCmd.Flags().StringVar(&serverFlags.tlsCert, "tls-cert", getEnv("VOXGATE_TLS_CERT", ""), "path to TLS certificate file")
	serverCmd.Flags().StringVar(&serverFlags.tlsKey, "tls-key", getEnv("VOXGATE_TLS_KEY", ""), "path to TLS key file")
}

func runServer(cmd *cobra.Command, args []string) error {
	adminSecret := serverFlags.adminSecret
	if adminSecret == "" {
		generated, err := config.GenerateAdminSecret()
		if err != nil {
			return fmt.Errorf("generate admin secret: %w", err)
		}
		adminSecret = generated
		fmt.Println("=============================================================")
		fmt.Println("ADMIN SECRET GENERATED (set --admin-secret to make it stable):")
		fmt.Println(adminSecret)
		fmt.Println("=============================================================")
	}

	limiter := ratelimit.New(serverFlags.rpm, time.Minute, nil)

	var persist keystore.Persistence
	if serverFlags.keysFile != "" {
		persist = &keystore.FileStore{Path: serverFlags.keysFile}
	} else {
		database, err := db.Open(serverFlags.dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
		persist = &db.Store{DB: database}
	}

	ctx := context.Background()
	store, err := keystore.Open(ctx, persist, limiter, logger.Named("keystore"))
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}

	if store.Count() == 0 {
		displayKey, err := store.Issue(ctx, "default-admin", "auto-generated default key")
		if err != nil {
			return fmt.Errorf("issue default key: %w", err)
		}
		fmt.Println("=============================================================")
		fmt.Println("API KEY CREATED (save this, it will not be shown again):")
		fmt.Println(displayKey)
		fmt.Println("=============================================================")
	}

	workDir := filepath.Join(serverFlags.workDir, "voxgate")
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	supervisor := &job.Supervisor{
		WorkDir:   workDir,
		EngineDir: serverFlags.engineDir,
		Deadline:  serverFlags.jobTimeout,
		Runner:    job.ExecRunner{},
		Logger:    logger.Named("job"),
	}

	emitter := &events.Log{Logger: logger.Named("events")}

	gatewaySrv := &server.GatewayServer{
		Store:              store,
		Jobs:               supervisor,
		BackendURL:         serverFlags.backendURL,
		InsecureBackendTLS: serverFlags.insecureTLS,
		MaxFrameBytes:      serverFlags.maxFrameBytes,
		Events:             emitter,
		Logger:             logger.Named("gateway"),
	}

	adminSrv := &server.AdminServer{
		Store:  store,
		Secret: adminSecret,
		Logger: logger.Named("admin"),
	}

	var tlsConfig *tls.Config
	if serverFlags.tlsCert != "" && serverFlags.tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(serverFlags.tlsCert, serverFlags.tlsKey)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	gatewayCfg := server.DefaultServerConfig(fmt.Sprintf(":%d", serverFlags.listenPort), gatewaySrv.Handler(), logger.Named("gateway"))
	gatewayCfg.TLSConfig = tlsConfig
	gateway := server.NewManagedServer("gateway", gatewayCfg)

	adminCfg := server.DefaultServerConfig(fmt.Sprintf(":%d", serverFlags.adminPort), adminSrv.Handler(), logger.Named("admin"))
	adminCfg.TLSConfig = tlsConfig
	admin := server.NewManagedServer("admin", adminCfg)

	logger.Info("starting gateway server",
		logging.Port(serverFlags.listenPort),
		logging.Backend(serverFlags.backendURL),
		zap.Int("rpm", serverFlags.rpm))
	gateway.Start()
	if err := gateway.WaitForStartup(time.Second); err != nil {
		return err
	}

	logger.Info("starting admin server", logging.Port(serverFlags.adminPort))
	admin.Start()
	if err := admin.WaitForStartup(time.Second); err != nil {
		return err
	}

	sweeperStop := make(chan struct{})
	go limiter.RunSweeper(time.Minute, sweeperStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gateway.Shutdown(shutdownCtx)
	admin.Shutdown(shutdownCtx)
	close(sweeperStop)

	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("keystore close", zap.Error(err))
	}

	return nil
}
