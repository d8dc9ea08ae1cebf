// Command tcfsd is the background daemon: it wires the on-disk
// configuration to the sync engine, the secret-file propagator, and the
// JetStream work queue, and exposes a small health/debug HTTP surface.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/tummycrypt/tcfs/internal/audit"
	"github.com/tummycrypt/tcfs/internal/config"
	"github.com/tummycrypt/tcfs/internal/conflict"
	"github.com/tummycrypt/tcfs/internal/crypto"
	"github.com/tummycrypt/tcfs/internal/debug"
	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/events"
	"github.com/tummycrypt/tcfs/internal/keys"
	"github.com/tummycrypt/tcfs/internal/metrics"
	"github.com/tummycrypt/tcfs/internal/middleware"
	"github.com/tummycrypt/tcfs/internal/objectstore"
	"github.com/tummycrypt/tcfs/internal/s3"
	"github.com/tummycrypt/tcfs/internal/secrets"
	"github.com/tummycrypt/tcfs/internal/statecache"
	"github.com/tummycrypt/tcfs/internal/syncengine"
	"github.com/tummycrypt/tcfs/internal/vclock"
)

func main() {
	configPath := flag.String("config", "/etc/tcfsd/tcfs.yaml", "path to tcfs.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	logger := newLogger(cfg.Daemon.LogLevel, cfg.Daemon.LogFormat)
	debug.InitFromLogLevel(cfg.Daemon.LogLevel)

	ctx, stop := signalContext()
	defer stop()

	m := metrics.NewMetrics()
	m.SetHardwareAccelerationStatus("aes", crypto.HasAESHardwareSupport())

	storageEndpoint, storageRegion, storagePathStyle := cfg.Storage.Endpoint, cfg.Storage.Region, cfg.Storage.PathStyle
	if cfg.Storage.Provider != "" {
		storageEndpoint, storageRegion, err = s3.ValidateProviderConfig(cfg.Storage.Endpoint, cfg.Storage.Provider, cfg.Storage.Region)
		if err != nil {
			logger.WithError(err).Fatal("resolving storage provider")
		}
		storagePathStyle = storagePathStyle || s3.RequiresPathStyleAddressing(cfg.Storage.Provider)
	}

	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:    cfg.Storage.Bucket,
		Region:    storageRegion,
		Endpoint:  storageEndpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		PathStyle: storagePathStyle,
		Metrics:   m,
	})
	if err != nil {
		logger.WithError(err).Fatal("connecting to object store")
	}

	stateDBPath := expandHome(cfg.Sync.StateDB)
	if err := os.MkdirAll(filepath.Dir(stateDBPath), 0o700); err != nil {
		logger.WithError(err).Fatal("creating state cache directory")
	}
	state, err := statecache.Open(stateDBPath)
	if err != nil {
		logger.WithError(err).Fatal("opening state cache")
	}
	defer state.Close()

	engine := &syncengine.Engine{Store: store, State: state, DeviceID: cfg.Engine.DeviceID, Metrics: m, Logger: logger}
	if masterKey, ok, err := loadMasterKey(filepath.Dir(stateDBPath), cfg.Engine.KDFMemCostKiB, cfg.Engine.KDFTimeCost, cfg.Engine.KDFParallelism); err != nil {
		logger.WithError(err).Fatal("deriving master key")
	} else if ok {
		engine.MasterKey = &masterKey
		defer masterKey.Zero()
		logger.Info("per-file encryption enabled via TCFS_PASSPHRASE")
	} else {
		logger.Warn("TCFS_PASSPHRASE not set, chunks will be stored in plaintext")
	}

	var auditor audit.Logger
	if cfg.Audit.Enabled {
		auditor, err = audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("configuring audit logger")
		}
		defer auditor.Close()
	} else {
		auditor = audit.NewLogger(0, noopAuditWriter{})
	}

	bus, err := events.Connect(cfg.Sync.NATSURL)
	if err != nil {
		logger.WithError(err).Fatal("connecting to event bus")
	}
	defer bus.Close()
	if err := bus.EnsureStreams(ctx); err != nil {
		logger.WithError(err).Fatal("ensuring jetstream topology")
	}

	consumer, err := bus.TaskConsumer(ctx)
	if err != nil {
		logger.WithError(err).Fatal("binding task consumer")
	}

	maxMessages := cfg.Sync.Workers
	if maxMessages <= 0 {
		maxMessages = 4
	}
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		handleMessage(ctx, logger, engine, bus, cfg, auditor, msg)
	}, jetstream.PullMaxMessages(maxMessages))
	if err != nil {
		logger.WithError(err).Fatal("starting task consumer loop")
	}
	defer consumeCtx.Stop()

	if cfg.Secrets.SopsDir != "" {
		propagator, err := secrets.New(secrets.Config{
			SopsDir:      expandHome(cfg.Secrets.SopsDir),
			S3Prefix:     "sops-sync/" + cfg.Engine.DeviceID,
			MachineID:    cfg.Engine.DeviceID,
			BackupDir:    filepath.Join(expandHome("~/.local/share/tcfsd"), "sops-backups"),
			AdditiveOnly: true,
		}, store, logger)
		if err != nil {
			logger.WithError(err).Fatal("initializing secret propagator")
		}
		go func() {
			if err := propagator.Watch(ctx); err != nil {
				logger.WithError(err).Warn("secret file watcher exited")
			}
		}()
	}

	srv := buildServer(cfg.Daemon, logger, store, state, auditor, m)
	go func() {
		logger.WithField("addr", srv.Addr).Info("tcfsd http surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server did not shut down cleanly")
	}
}

func newLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func buildServer(cfg config.DaemonConfig, logger *logrus.Logger, store objectstore.Store, state statecache.Backend, auditor audit.Logger, m *metrics.Metrics) *http.Server {
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(activeConnectionsMiddleware(m))

	router.HandleFunc("/health", metrics.HealthHandler()).Methods("GET")
	router.HandleFunc("/live", metrics.LivenessHandler()).Methods("GET")
	router.HandleFunc("/ready", metrics.ReadinessHandler(func(ctx context.Context) error {
		_, err := store.Exists(ctx, "tcfsd-readiness-probe")
		return err
	})).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.HandleFunc("/debug/sync-state", debugSyncStateHandler(state)).Methods("GET")
	router.HandleFunc("/debug/hardware", debugHardwareHandler).Methods("GET")
	router.HandleFunc("/debug/audit", debugAuditHandler(auditor)).Methods("GET")

	addr := cfg.Listen
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	return &http.Server{Addr: addr, Handler: router}
}

// activeConnectionsMiddleware tracks in-flight HTTP requests on the gauge
// Prometheus scrapes as tcfsd_active_connections.
func activeConnectionsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()
			next.ServeHTTP(w, r)
		})
	}
}

// debugSyncStateHandler dumps the in-memory sync-state cache as JSON, for
// inspecting what the daemon believes is synced without touching the raw
// backend file.
func debugSyncStateHandler(state statecache.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(state.AllEntries()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// debugHardwareHandler reports whether this machine's CPU is giving Go's
// AES-GCM implementation hardware acceleration, so a slow chunk-encryption
// rate can be told apart from "this box just doesn't have AES-NI".
func debugHardwareHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(crypto.GetAccelerationInfo()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// debugAuditHandler dumps the in-memory audit ring buffer as JSON.
func debugAuditHandler(auditor audit.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(auditor.GetEvents()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// handleMessage decodes one SYNC_TASKS message and dispatches it, acking
// on success and relying on JetStream redelivery (bounded by the
// consumer's MaxDeliver) on failure.
func handleMessage(ctx context.Context, logger *logrus.Logger, engine *syncengine.Engine, bus *events.Client, cfg config.Config, auditor audit.Logger, msg jetstream.Msg) {
	if debug.Enabled() {
		logger.WithField("payload", string(msg.Data())).Debug("received sync task message")
	}
	err := events.ProcessWithRetry(msg, func(data []byte) error {
		task, err := events.SyncTaskFromBytes(data)
		if err != nil {
			return err
		}
		return runTask(ctx, logger, engine, bus, cfg, auditor, task)
	})
	if err != nil {
		logger.WithError(err).Warn("sync task failed")
	}
}

func runTask(ctx context.Context, logger *logrus.Logger, engine *syncengine.Engine, bus *events.Client, cfg config.Config, auditor audit.Logger, task events.SyncTask) error {
	log := logger.WithFields(logrus.Fields{"task_id": task.TaskID, "type": task.Type})

	switch task.Type {
	case events.TaskPush:
		return runPush(ctx, log, engine, bus, cfg, auditor, task)
	case events.TaskPull:
		start := time.Now()
		_, err := engine.Download(ctx, task.ManifestPath, task.LocalPath, task.RemotePrefix, nil)
		auditor.LogPull(engine.DeviceID, task.LocalPath, task.ManifestPath, err == nil, err, time.Since(start), nil)
		if err != nil {
			return err
		}
		log.Info("pull complete")
		return nil
	case events.TaskUnsync:
		// Full stub re-materialization (the FUSE presentation layer's
		// grammar) is outside this daemon; the safest approximation is
		// dropping the locally hydrated copy so the next read re-pulls it.
		if err := os.Remove(task.LocalPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		log.Info("unsync complete")
		return nil
	default:
		return errs.ErrParse
	}
}

func runPush(ctx context.Context, log *logrus.Entry, engine *syncengine.Engine, bus *events.Client, cfg config.Config, auditor audit.Logger, task events.SyncTask) error {
	info, err := os.Stat(task.LocalPath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		collectCfg := syncengine.CollectConfig{
			SyncGitDirs:     cfg.Engine.SyncGitDirs,
			GitSyncMode:     cfg.Engine.GitSyncMode,
			SyncHiddenDirs:  cfg.Engine.SyncHiddenDirs,
			ExcludePatterns: cfg.Engine.ExcludePatterns,
		}
		start := time.Now()
		summary, err := engine.PushTree(ctx, task.LocalPath, task.RemotePrefix, collectCfg)
		auditor.LogPush(engine.DeviceID, task.LocalPath, task.RemotePrefix, err == nil, err, time.Since(start), map[string]interface{}{
			"uploaded": summary.Uploaded,
			"skipped":  summary.Skipped,
		})
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"uploaded": summary.Uploaded, "skipped": summary.Skipped, "bytes": summary.Bytes}).Info("push tree complete")
		return nil
	}

	relPath := filepath.Base(task.LocalPath)
	start := time.Now()
	result, err := engine.Upload(ctx, task.LocalPath, task.RemotePrefix, relPath, nil)
	auditor.LogPush(engine.DeviceID, task.LocalPath, task.RemotePrefix, err == nil, err, time.Since(start), nil)
	if err != nil {
		return err
	}
	if result.Outcome != nil && result.Outcome.Kind == conflict.Conflict {
		auditor.LogConflict(engine.DeviceID, task.LocalPath, result.RemotePath, map[string]interface{}{"reason": "remote manifest diverged"})
	}
	if result.Skipped {
		log.Info("push skipped, already up to date")
		return nil
	}

	event := events.NewFileSynced(engine.DeviceID, relPath, result.Hash, result.Bytes, vclockFromEngine(engine, task.LocalPath), result.RemotePath, nowUnix())
	if err := bus.PublishStateEvent(ctx, event); err != nil {
		log.WithError(err).Warn("failed to publish file-synced event")
	}
	log.WithFields(logrus.Fields{"chunks": result.Chunks, "bytes": result.Bytes}).Info("push complete")
	return nil
}

// noopAuditWriter discards every event; used when audit logging is
// disabled in configuration but the daemon's call sites still expect a
// non-nil audit.Logger.
type noopAuditWriter struct{}

func (noopAuditWriter) WriteEvent(*audit.AuditEvent) error { return nil }

func vclockFromEngine(engine *syncengine.Engine, localPath string) vclock.Clock {
	if st, ok := engine.State.Get(localPath); ok {
		return st.VClock
	}
	return vclock.New()
}

func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}

// loadMasterKey derives a master key from TCFS_PASSPHRASE if the
// environment variable is set, persisting a random salt alongside the
// state cache on first use so the same passphrase always yields the same
// key on this device.
func loadMasterKey(saltDir string, memCostKiB, timeCost uint32, parallelism uint8) (keys.MasterKey, bool, error) {
	passphrase := os.Getenv("TCFS_PASSPHRASE")
	if passphrase == "" {
		return keys.MasterKey{}, false, nil
	}

	saltPath := filepath.Join(saltDir, "master.salt")
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return keys.MasterKey{}, false, err
	}

	params := keys.Params{MemCostKiB: memCostKiB, TimeCost: timeCost, Parallelism: parallelism}
	masterKey, err := keys.DeriveMasterKey(passphrase, salt, params)
	if err != nil {
		return keys.MasterKey{}, false, err
	}
	return masterKey, true, nil
}

func loadOrCreateSalt(path string) ([16]byte, error) {
	var salt [16]byte

	if data, err := os.ReadFile(path); err == nil && len(data) == 16 {
		copy(salt[:], data)
		return salt, nil
	}

	if _, err := rand.Read(salt[:]); err != nil {
		return salt, err
	}
	if err := os.WriteFile(path, salt[:], 0o600); err != nil {
		return salt, err
	}
	return salt, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
