package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
	"ticksync.dev/internal/persistence/archive"
	persistlog "ticksync.dev/internal/persistence/log"
	"ticksync.dev/internal/persistence/mirror"
	"ticksync.dev/internal/persistence/snapshot"
	"ticksync.dev/internal/protocol"
	"ticksync.dev/internal/server"
	"ticksync.dev/internal/sim/tuning"
	"ticksync.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		sessionID  = flag.String("session", "session_1", "session directory name under -data")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults apply when missing)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (tics, events, save games)")
		validate   = flag.Bool("validate", true, "validate inbound messages against the wire schemas")
		graceSec   = flag.Int("resume_grace", 30, "seconds a disconnected player keeps its seat")

		savePath   = flag.String("save", "", "save game to resume from (optional)")
		loadLatest = flag.Bool("load_latest_save", true, "resume from the latest save in the session directory (when -save is empty)")

		logLevel = flag.String("log_level", "info", "debug, info, warn or error")
		logFile  = flag.String("log_file", "", "also log to this rotating file")
	)
	flag.Parse()

	logger := logging.New(logging.Options{Name: "server", Level: *logLevel, File: *logFile})
	defer func() { _ = logger.Sync() }()

	sessionDir := filepath.Join(*dataDir, "sessions", *sessionID)
	saveDir := filepath.Join(sessionDir, "saves")
	_ = os.MkdirAll(sessionDir, 0o755)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalw("load tuning", "path", *tuningPath, "err", err)
		}
		logger.Infow("tuning not found; using defaults", "path", *tuningPath)
		tune = tuning.Defaults()
	}

	// Optional: read-model index backend (does not affect sim determinism).
	idx, err := openRuntimeIndex(sessionDir, *disableDB)
	if err != nil {
		logger.Fatalw("open index backend", "err", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.RecordTuning(tune); err != nil {
			logger.Warnw("index backend: record tuning", "err", err)
		}
	}

	cfg := server.Config{Tuning: tune, ResumeGraceTics: *graceSec * tune.TicRateHz}
	toLoad := strings.TrimSpace(*savePath)
	if toLoad == "" && *loadLatest {
		toLoad = snapshot.Latest(saveDir)
	}
	var srv *server.Server
	if toLoad != "" {
		sg, err := snapshot.Read(toLoad)
		if err != nil {
			logger.Fatalw("read save game", "path", toLoad, "err", err)
		}
		srv, err = server.NewFromSave(cfg, sg, logger)
		if err != nil {
			logger.Fatalw("resume", "path", toLoad, "err", err)
		}
		logger.Infow("resumed", "save", filepath.Base(toLoad), "tic", sg.Header.Tic)
	} else {
		srv, err = server.New(cfg, logger)
		if err != nil {
			logger.Fatalw("new session", "err", err)
		}
	}

	ticLog := persistlog.NewTicLogger(sessionDir)
	eventLog := persistlog.NewEventLogger(sessionDir)
	defer ticLog.Close()
	defer eventLog.Close()
	if idx != nil {
		srv.SetTicLogger(multiTicLogger{a: ticLog, b: idx})
		srv.SetEventLogger(multiEventLogger{a: eventLog, b: idx})
	} else {
		srv.SetTicLogger(ticLog)
		srv.SetEventLogger(eventLog)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Save game writer.
	mirr, err := openMirror(*dataDir, logger.Named("mirror"))
	if err != nil {
		logger.Fatalw("mirror", "err", err)
	}
	saves := &saveWriter{dir: saveDir, idx: idx, mirror: mirr, log: logger}
	saveCh := make(chan snapshot.SaveGame, 2)
	srv.SetSaveSink(saveCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sg := <-saveCh:
				_, _ = saves.write(sg)
			}
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("server stopped", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, srv.SessionID(), srv.Metrics(), idx, mirr)
	})

	if envBool("TS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints (do not affect simulation determinism).
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				SessionID string         `json:"session_id"`
				Metrics   server.Metrics `json:"metrics"`
			}{
				SessionID: srv.SessionID(),
				Metrics:   srv.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/save", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			rw.Header().Set("Content-Type", "application/json")
			sg, err := srv.RequestSave(ctx2)
			var path string
			if err == nil {
				path, err = saves.write(sg)
			}
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tic": sg.Header.Tic, "path": path})
		})
	} else {
		logger.Infow("admin endpoints disabled (TS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("TS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	wsSrv := ws.NewServer(srv, logger.Named("ws"))
	if *validate {
		v, err := protocol.NewValidator()
		if err != nil {
			logger.Fatalw("wire schemas", "err", err)
		}
		wsSrv.Validate = v
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
	}()

	logger.Infow("listening", "addr", *addr, "session", srv.SessionID(), "tic_rate_hz", tune.TicRateHz)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalw("ListenAndServe", "err", err)
	}

	cancel()
	<-runDone
	// Run has returned, so the final save can be taken directly.
	if sg, ok := srv.SaveGame(); ok {
		if path, err := saves.write(sg); err == nil {
			if dst, err := archive.ArchiveSession(sessionDir, path, sg.Header); err != nil {
				logger.Warnw("archive session", "err", err)
			} else {
				mirr.Enqueue(dst)
				mirr.Enqueue(filepath.Join(filepath.Dir(dst), "meta.json"))
			}
		}
	}
	mirr.Close()
}

type saveWriter struct {
	dir    string
	idx    runtimeIndex
	mirror *mirror.Mirror
	log    *zap.SugaredLogger
}

func (w *saveWriter) write(sg snapshot.SaveGame) (string, error) {
	path := filepath.Join(w.dir, snapshot.FileName(sg.Header.Tic))
	if err := snapshot.Write(path, sg); err != nil {
		w.log.Errorw("save game write", "tic", sg.Header.Tic, "err", err)
		return "", err
	}
	if w.idx != nil {
		w.idx.RecordSaveGame(path, sg.Header)
	}
	w.mirror.Enqueue(path)
	w.log.Debugw("saved", "tic", sg.Header.Tic, "path", path)
	return path, nil
}

func writeMetrics(rw http.ResponseWriter, session string, m server.Metrics, idx runtimeIndex, mirr *mirror.Mirror) {
	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP ticksync_server_tic Next tic the server will run.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_tic gauge\n")
	fmt.Fprintf(rw, "ticksync_server_tic{session=%q} %d\n", session, m.Tic)

	fmt.Fprintf(rw, "# HELP ticksync_server_players Seated players, connected or not.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_players gauge\n")
	fmt.Fprintf(rw, "ticksync_server_players{session=%q} %d\n", session, m.Players)

	fmt.Fprintf(rw, "# HELP ticksync_server_peers Connected peers.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_peers gauge\n")
	fmt.Fprintf(rw, "ticksync_server_peers{session=%q} %d\n", session, m.Peers)

	fmt.Fprintf(rw, "# HELP ticksync_server_snapshots Snapshots retained for building deltas.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_snapshots gauge\n")
	fmt.Fprintf(rw, "ticksync_server_snapshots{session=%q} %d\n", session, m.Snapshots)

	fmt.Fprintf(rw, "# HELP ticksync_server_commands_out_of_order Received commands waiting on an index gap.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_commands_out_of_order gauge\n")
	fmt.Fprintf(rw, "ticksync_server_commands_out_of_order{session=%q} %d\n", session, m.OutOfOrder)

	fmt.Fprintf(rw, "# HELP ticksync_server_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_queue_depth gauge\n")
	fmt.Fprintf(rw, "ticksync_server_queue_depth{session=%q,queue=%q} %d\n", session, "inbox", m.QueueDepths.Inbox)
	fmt.Fprintf(rw, "ticksync_server_queue_depth{session=%q,queue=%q} %d\n", session, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "ticksync_server_queue_depth{session=%q,queue=%q} %d\n", session, "leave", m.QueueDepths.Leave)
	fmt.Fprintf(rw, "ticksync_server_queue_depth{session=%q,queue=%q} %d\n", session, "attach", m.QueueDepths.Attach)

	fmt.Fprintf(rw, "# HELP ticksync_server_step_ms Last tic step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_step_ms gauge\n")
	fmt.Fprintf(rw, "ticksync_server_step_ms{session=%q} %.3f\n", session, m.StepMS)

	fmt.Fprintf(rw, "# HELP ticksync_server_messages_total Messages sent to peers by kind.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_messages_total counter\n")
	fmt.Fprintf(rw, "ticksync_server_messages_total{session=%q,kind=%q} %d\n", session, "delta", m.Deltas)
	fmt.Fprintf(rw, "ticksync_server_messages_total{session=%q,kind=%q} %d\n", session, "full_state", m.FullStates)
	fmt.Fprintf(rw, "ticksync_server_messages_total{session=%q,kind=%q} %d\n", session, "dropped", m.Dropped)

	fmt.Fprintf(rw, "# HELP ticksync_server_lagged_resets_total Peers forced back to a full state.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_server_lagged_resets_total counter\n")
	fmt.Fprintf(rw, "ticksync_server_lagged_resets_total{session=%q} %d\n", session, m.LaggedResets)

	writeMirrorMetrics(rw, mirr)
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP ticksync_index_queue_depth Index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "ticksync_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP ticksync_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_index_dropped_total counter\n")
	fmt.Fprintf(rw, "ticksync_index_dropped_total{kind=%q} %d\n", "tic", s.DropTicTotal)
	fmt.Fprintf(rw, "ticksync_index_dropped_total{kind=%q} %d\n", "event", s.DropEventTotal)
	fmt.Fprintf(rw, "ticksync_index_dropped_total{kind=%q} %d\n", "save", s.DropSaveTotal)
}

func writeMirrorMetrics(rw http.ResponseWriter, mirr *mirror.Mirror) {
	if mirr == nil {
		return
	}
	s := mirr.Stats()
	fmt.Fprintf(rw, "# HELP ticksync_mirror_queue_depth Uploads waiting for a worker.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "ticksync_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP ticksync_mirror_uploads_total Mirror uploads by result.\n")
	fmt.Fprintf(rw, "# TYPE ticksync_mirror_uploads_total counter\n")
	fmt.Fprintf(rw, "ticksync_mirror_uploads_total{result=%q} %d\n", "ok", s.Uploaded)
	fmt.Fprintf(rw, "ticksync_mirror_uploads_total{result=%q} %d\n", "failed", s.Failed)
	fmt.Fprintf(rw, "ticksync_mirror_uploads_total{result=%q} %d\n", "dropped", s.Dropped)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

type multiTicLogger struct {
	a server.TicLogger
	b server.TicLogger
}

func (m multiTicLogger) WriteTic(entry server.TicEntry) error {
	if m.a != nil {
		_ = m.a.WriteTic(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTic(entry)
	}
	return nil
}

type multiEventLogger struct {
	a server.EventLogger
	b server.EventLogger
}

func (m multiEventLogger) WriteEvent(e server.Event) error {
	if m.a != nil {
		_ = m.a.WriteEvent(e)
	}
	if m.b != nil {
		_ = m.b.WriteEvent(e)
	}
	return nil
}
