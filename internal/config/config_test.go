package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"netphys.dev/internal/reconcile"
)

func TestLoad_ReconcileYAML(t *testing.T) {
	cfg, err := Load("../../configs/reconcile.yaml")
	if err != nil {
		t.Fatalf("load reconcile.yaml: %v", err)
	}
	if cfg.Input.MaxBufferedCmds != 64 {
		t.Fatalf("max_buffered_cmds: got %d want 64", cfg.Input.MaxBufferedCmds)
	}
	if cfg.FrameTranslation.Policy != "ack" {
		t.Fatalf("policy: got %q", cfg.FrameTranslation.Policy)
	}
	if cfg.ForceResim.Enabled {
		t.Fatalf("forced resim must ship disabled")
	}
	opts := cfg.EngineOptions(reconcile.RoleServer, nil, nil)
	if opts.ForcedResim.Enabled() {
		t.Fatalf("engine options enable forced resim")
	}
	if opts.Tolerances.Position != 0.05 || opts.Input.MaxBufferedCmds != 64 {
		t.Fatalf("engine options: %+v", opts)
	}
	if cfg.NewTranslator().Policy() != reconcile.PolicyAck {
		t.Fatalf("translator policy")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tick.PhysicsHz != 60 || cfg.Tick.FramesRetained != 128 {
		t.Fatalf("defaults: %+v", cfg.Tick)
	}
}

func TestParse_PartialOverridesKeepDefaults(t *testing.T) {
	cfg, err := Parse([]byte("frame_translation:\n  policy: fixed_lead\n  fixed_lead_frames: 6\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.FrameTranslation.FixedLeadFrames != 6 || cfg.FrameTranslation.FixedLeadTolerance != 2 {
		t.Fatalf("frame translation: %+v", cfg.FrameTranslation)
	}
	if cfg.Input.MaxBufferedCmds != 64 {
		t.Fatalf("untouched section lost its default: %+v", cfg.Input)
	}
	if cfg.NewTranslator().Policy() != reconcile.PolicyFixedLead {
		t.Fatalf("translator policy")
	}
}

func TestParse_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "tolerances:\n  positon: 1\n",
		"negative":        "tolerances:\n  position: -1\n",
		"bad policy":      "frame_translation:\n  policy: nearest\n",
		"small buffer":    "input:\n  max_buffered_cmds: 1\n",
		"shallow rewind":  "force_resim_for_testing:\n  enabled: true\n  rewind_frames: 1\n",
		"wrong type":      "tick:\n  physics_hz: fast\n",
		"unknown section": "replication:\n  rate: 1\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: got %v want ErrInvalid", name, err)
		}
	}
}

func TestValidate_ForcedResimDeeperThanHistory(t *testing.T) {
	cfg := Defaults()
	cfg.ForceResim = ForceResim{Enabled: true, EveryFrames: 10, RewindFrames: 200}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("got %v want ErrInvalid", err)
	}
	opts := Defaults()
	opts.ForceResim = ForceResim{Enabled: true, EveryFrames: 10, RewindFrames: 4}
	if got := opts.EngineOptions(reconcile.RoleClient, nil, nil).ForcedResim; got.Every != 10 || got.Rewind != 4 {
		t.Fatalf("forced resim: %+v", got)
	}
	if got := opts.EngineOptions(reconcile.RoleServer, nil, nil).ForcedResim; got.Enabled() {
		t.Fatalf("server must not force resimulation: %+v", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v want not-exist", err)
	}
}
