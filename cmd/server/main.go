package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"netphys.dev/internal/config"
	"netphys.dev/internal/manager"
	"netphys.dev/internal/persistence/snapshot"
	"netphys.dev/internal/physics"
	"netphys.dev/internal/reconcile"
	"netphys.dev/internal/sim"
	"netphys.dev/internal/transport/ws"
)

type runtime struct {
	world  *sim.World
	engine *reconcile.Engine
	ws     *ws.Server
	logger *log.Logger
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/reconcile.yaml", "path to reconcile.yaml (empty for defaults)")
		bodies     = flag.Int("bodies", 8, "number of bodies to spawn (fresh world only)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		snapPath   = flag.String("snapshot", "", "checkpoint to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the newest checkpoint in the data dir when -snapshot is empty")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	diagRT, err := openDiagnostics(cfg.Diagnostics, logger)
	if err != nil {
		logger.Fatalf("open diagnostics: %v", err)
	}
	defer diagRT.Close()

	snapDir := filepath.Join(*dataDir, "snapshots")
	w := sim.New(cfg.WorldConfig(), logger)
	toLoad := strings.TrimSpace(*snapPath)
	if toLoad == "" && *loadLatest {
		toLoad = snapshot.Latest(snapDir)
	}
	if toLoad != "" {
		cp, err := snapshot.ReadCheckpoint(toLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := w.Restore(cp); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s frame=%d bodies=%d", filepath.Base(toLoad), w.CurrentFrame(), len(w.Bodies()))
	} else {
		for i := 0; i < *bodies; i++ {
			id := physics.BodyID(i + 1)
			s := physics.Sample{State: physics.Dynamic, Position: mgl64.Vec3{float64(i) * 2, 1, 0}}
			if err := w.Spawn(id, s); err != nil {
				logger.Fatalf("spawn %d: %v", id, err)
			}
		}
	}

	opts := cfg.EngineOptions(reconcile.RoleServer, logger, diagRT.sink)
	opts.Inputs = w.InputHandler()
	engine := reconcile.NewEngine(w, opts)
	w.Attach(engine)

	mgr := manager.New(reconcile.RoleServer, engine, nil, manager.Options{Logger: logger, Sink: diagRT.sink})
	states := make([]physics.NetState, 0, len(w.Bodies()))
	for _, id := range w.Bodies() {
		states = append(states, physics.NetState{Object: id, Frame: physics.NoFrame})
	}
	for i := range states {
		mgr.Register(&states[i])
	}

	wsSrv := ws.NewServer(engine, ws.ServerOptions{
		PhysicsHz:     cfg.Tick.PhysicsHz,
		RedundantCmds: cfg.Input.RedundantCmds,
		RateLimitHz:   cfg.Input.RateLimitHz,
		Burst:         cfg.Input.Burst,
		Frame:         w.Frame,
		Logger:        logger,
		Sink:          diagRT.sink,
	})
	rt := &runtime{world: w, engine: engine, ws: wsSrv, logger: logger}

	ctx, cancel := signalContext()
	defer cancel()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()
	gameDone := make(chan struct{})
	go func() {
		defer close(gameDone)
		runGameLoop(ctx, cfg.Tick.GameHz, mgr, wsSrv)
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           rt.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s physics_hz=%d game_hz=%d bodies=%d", *addr, cfg.Tick.PhysicsHz, cfg.Tick.GameHz, len(w.Bodies()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// The world has stopped ticking once Run returns, so it is safe to read.
	// Both loops record diagnostics and must exit before the sinks close.
	cancel()
	<-worldDone
	<-gameDone
	path := filepath.Join(snapDir, snapshot.FileName(w.CurrentFrame()))
	if err := snapshot.WriteCheckpoint(path, w.Checkpoint()); err != nil {
		logger.Printf("write snapshot: %v", err)
		return
	}
	logger.Printf("snapshot written path=%s frame=%d", path, w.CurrentFrame())
}

// runGameLoop is the game side of the server: it asks the physics goroutine
// for the tracked bodies and ships the newest snapshot to every client.
func runGameLoop(ctx context.Context, hz int, mgr *manager.Manager, srv *ws.Server) {
	if hz <= 0 {
		hz = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.PostReceive(physics.NoFrame)
			if snap, ok := mgr.PreSend(); ok {
				srv.Broadcast(mgr.LastFrame(), snap)
			}
		}
	}
}

func (rt *runtime) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.metricsHandler)

	if envBool("NP_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Frame     int64           `json:"frame"`
				World     sim.Stats       `json:"world"`
				Engine    reconcile.Stats `json:"engine"`
				Transport ws.ServerStats  `json:"transport"`
				Sessions  []string        `json:"sessions"`
			}{
				Frame:     rt.world.Frame(),
				World:     rt.world.Stats(),
				Engine:    rt.engine.Stats(),
				Transport: rt.ws.Stats(),
				Sessions:  rt.ws.Sessions(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		rt.logger.Printf("admin endpoints disabled (NP_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("NP_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", rt.ws.Handler())
	return mux
}

func (rt *runtime) metricsHandler(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	es := rt.engine.Stats()
	ts := rt.ws.Stats()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP netphys_frame Current physics frame.\n")
	fmt.Fprintf(rw, "# TYPE netphys_frame gauge\n")
	fmt.Fprintf(rw, "netphys_frame %d\n", rt.world.Frame())

	fmt.Fprintf(rw, "# HELP netphys_connections Connected clients.\n")
	fmt.Fprintf(rw, "# TYPE netphys_connections gauge\n")
	fmt.Fprintf(rw, "netphys_connections %d\n", len(rt.ws.Sessions()))

	fmt.Fprintf(rw, "# HELP netphys_inputs_total Input commands by outcome.\n")
	fmt.Fprintf(rw, "# TYPE netphys_inputs_total counter\n")
	fmt.Fprintf(rw, "netphys_inputs_total{outcome=%q} %d\n", "consumed", es.InputsConsumed)
	fmt.Fprintf(rw, "netphys_inputs_total{outcome=%q} %d\n", "repeated", es.InputsRepeated)
	fmt.Fprintf(rw, "netphys_inputs_total{outcome=%q} %d\n", "pushed", ts.InputsPushed)
	fmt.Fprintf(rw, "netphys_inputs_total{outcome=%q} %d\n", "queue_full", ts.InputsFull)
	fmt.Fprintf(rw, "netphys_inputs_total{outcome=%q} %d\n", "rate_limited", ts.RateLimited)

	fmt.Fprintf(rw, "# HELP netphys_snapshots_total Snapshots produced and states sent.\n")
	fmt.Fprintf(rw, "# TYPE netphys_snapshots_total counter\n")
	fmt.Fprintf(rw, "netphys_snapshots_total{stage=%q} %d\n", "produced", es.SnapshotsProduced)
	fmt.Fprintf(rw, "netphys_snapshots_total{stage=%q} %d\n", "sent", ts.StatesSent)
	fmt.Fprintf(rw, "netphys_snapshots_total{stage=%q} %d\n", "dropped", ts.StatesDropped)

	fmt.Fprintf(rw, "# HELP netphys_queue_full_total Engine queue overflows.\n")
	fmt.Fprintf(rw, "# TYPE netphys_queue_full_total counter\n")
	fmt.Fprintf(rw, "netphys_queue_full_total %d\n", es.QueueFull)
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
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
