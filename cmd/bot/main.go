package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"netphys.dev/internal/config"
	"netphys.dev/internal/diag"
	"netphys.dev/internal/manager"
	"netphys.dev/internal/physics"
	"netphys.dev/internal/protocol"
	"netphys.dev/internal/reconcile"
	"netphys.dev/internal/sim"
	"netphys.dev/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "client name")
		configPath = flag.String("config", "./configs/reconcile.yaml", "path to reconcile.yaml (empty for defaults)")
		bodyID     = flag.Uint("body", 1, "body this bot steers")
		thrust     = flag.Float64("thrust", 20, "peak thrust applied each frame")
		statsEvery = flag.Duration("stats", 5*time.Second, "stats log interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	sink := diag.LogSink{Logger: logger, Verbose: cfg.Diagnostics.Verbose}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := ws.Dial(dialCtx, *url, *name)
	dialCancel()
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()
	welcome := c.Welcome()
	logger.Printf("WELCOME conn=%s physics_hz=%d server_frame=%d redundant=%d", welcome.ConnID, welcome.PhysicsHz, welcome.ServerFrame, welcome.RedundantCmds)

	wcfg := cfg.WorldConfig()
	if welcome.PhysicsHz > 0 {
		wcfg.TickRateHz = welcome.PhysicsHz
	}
	w := sim.New(wcfg, logger)
	engine := reconcile.NewEngine(w, cfg.EngineOptions(reconcile.RoleClient, logger, sink))
	w.Attach(engine)

	inputs := sim.NewInputLog(int(wcfg.FramesRetained) + 1)
	steer := physics.BodyID(*bodyID)
	w.SetDrive(func(w *sim.World, step int64, resim bool) {
		if !resim {
			phase := float64(step) / float64(w.TickRateHz())
			ctl := sim.Control{Body: uint32(steer), Thrust: [3]float64{*thrust * math.Cos(phase), 0, *thrust * math.Sin(phase)}}
			p, err := sim.EncodeControl(ctl)
			if err != nil {
				logger.Printf("encode control: %v", err)
				return
			}
			inputs.Put(step, p)
			c.SendInputCmd(step, p)
		}
		p, _ := inputs.At(step)
		if err := w.ApplyControl(p); err != nil {
			logger.Printf("apply control frame=%d: %v", step, err)
		}
	})

	tr := cfg.NewTranslator()
	mgr := manager.New(reconcile.RoleClient, engine, tr, manager.Options{Logger: logger, Sink: sink})

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	tracked := make(map[physics.BodyID]*physics.NetState)
	ticker := time.NewTicker(*statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Printf("connection closed: %v", c.Err())
			return
		case st := <-c.States():
			receive(st, w, mgr, tracked, logger)
		case <-ticker.C:
			wst, es, ms := w.Stats(), engine.Stats(), mgr.Stats()
			offset, ok := tr.Offset()
			logger.Printf("frame=%d offset=%d/%t rewinds=%d resim_frames=%d corrections=%d stale=%d invalid=%d states_queued=%d untranslated=%d last_confirmed=%d dropped=%d",
				wst.Frame, offset, ok, es.Rewinds, wst.ResimFrames, es.Corrections, es.StaleDrops, es.InvalidTargets, ms.StatesQueued, ms.Untranslated, mgr.LastConfirmedFrame(), c.Dropped())
		}
	}
}

// receive writes one STATE message into the replicated values, spawning local
// bodies the first time they are seen, and hands the batch to the engine.
func receive(st protocol.StateMsg, w *sim.World, mgr *manager.Manager, tracked map[physics.BodyID]*physics.NetState, logger *log.Logger) {
	for _, obj := range st.Objects {
		ns := obj.NetState()
		dst, ok := tracked[ns.Object]
		if !ok {
			id, sample := ns.Object, ns.Sample
			if !w.Do(func(w *sim.World) {
				if err := w.Spawn(id, sample); err != nil {
					logger.Printf("spawn %d: %v", id, err)
				}
			}) {
				// Retried on the next state for this body.
				continue
			}
			dst = &physics.NetState{Object: id, Frame: physics.NoFrame}
			if mgr.Register(dst) == manager.NoHandle {
				continue
			}
			tracked[id] = dst
		}
		if ns.Frame > dst.Frame {
			*dst = ns
		}
	}
	if st.Ack != nil {
		mgr.ObserveAck(physics.Ack{InputFrame: st.Ack.InputFrame, ServerFrame: st.Ack.ServerFrame})
	}
	mgr.PostReceive(w.Frame())
}
