package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/input"
	"netphys.dev/internal/physics"
	"netphys.dev/internal/reconcile"
	"netphys.dev/internal/sim"
)

var ErrInvalid = errors.New("invalid config")

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	Role             string           `yaml:"role"`
	Tolerances       Tolerances       `yaml:"tolerances"`
	Input            Input            `yaml:"input"`
	FrameTranslation FrameTranslation `yaml:"frame_translation"`
	ForceResim       ForceResim       `yaml:"force_resim_for_testing"`
	Queues           Queues           `yaml:"queues"`
	Tick             Tick             `yaml:"tick"`
	Diagnostics      Diagnostics      `yaml:"diagnostics"`
}

type Tolerances struct {
	Position        float32 `yaml:"position"`
	Rotation        float32 `yaml:"rotation"`
	LinearVelocity  float32 `yaml:"linear_velocity"`
	AngularVelocity float32 `yaml:"angular_velocity"`
}

type Input struct {
	MaxBufferedCmds   uint32  `yaml:"max_buffered_cmds"`
	InitialFaultLimit uint32  `yaml:"initial_fault_limit"`
	RedundantCmds     int     `yaml:"redundant_cmds"`
	RateLimitHz       float64 `yaml:"rate_limit_hz"`
	Burst             int     `yaml:"burst"`
}

type FrameTranslation struct {
	Policy             string `yaml:"policy"`
	FixedLeadFrames    int32  `yaml:"fixed_lead_frames"`
	FixedLeadTolerance int32  `yaml:"fixed_lead_tolerance"`
}

type ForceResim struct {
	Enabled      bool  `yaml:"enabled"`
	EveryFrames  int64 `yaml:"every_frames"`
	RewindFrames int64 `yaml:"rewind_frames"`
}

type Queues struct {
	Inbound  int `yaml:"inbound"`
	Outbound int `yaml:"outbound"`
	Requests int `yaml:"requests"`
	Inputs   int `yaml:"inputs"`
}

type Tick struct {
	PhysicsHz      int   `yaml:"physics_hz"`
	GameHz         int   `yaml:"game_hz"`
	FramesRetained int64 `yaml:"frames_retained"`
}

type Diagnostics struct {
	Dir     string `yaml:"dir"`
	SQLite  string `yaml:"sqlite"`
	Verbose bool   `yaml:"verbose"`
}

func Defaults() Config {
	return Config{
		Role: "client",
		Tolerances: Tolerances{
			Position:        0.05,
			Rotation:        0.05,
			LinearVelocity:  0.5,
			AngularVelocity: 0.5,
		},
		Input: Input{
			MaxBufferedCmds:   64,
			InitialFaultLimit: 2,
			RedundantCmds:     4,
			RateLimitHz:       240,
			Burst:             32,
		},
		FrameTranslation: FrameTranslation{
			Policy:             string(reconcile.PolicyAck),
			FixedLeadFrames:    4,
			FixedLeadTolerance: 2,
		},
		ForceResim: ForceResim{
			EveryFrames:  16,
			RewindFrames: 8,
		},
		Queues: Queues{
			Inbound:  256,
			Outbound: 256,
			Requests: 64,
			Inputs:   256,
		},
		Tick: Tick{
			PhysicsHz:      60,
			GameHz:         30,
			FramesRetained: 128,
		},
	}
}

// Load reads a reconcile.yaml. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("reconcile.yaml: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("reconcile.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("reconcile.yaml: %w", err)
	}
	return cfg, nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("reconcile.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("reconcile.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks the raw document against the embedded schema. The
// yaml tree is round-tripped through JSON so the validator sees JSON types.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	c.FrameTranslation.Policy = strings.ToLower(strings.TrimSpace(c.FrameTranslation.Policy))
	if c.FrameTranslation.Policy == "" {
		c.FrameTranslation.Policy = string(reconcile.PolicyAck)
	}
	if c.Input.MaxBufferedCmds < 2 {
		c.Input.MaxBufferedCmds = 2
	}
	if c.Input.InitialFaultLimit > c.Input.MaxBufferedCmds-1 {
		c.Input.InitialFaultLimit = c.Input.MaxBufferedCmds - 1
	}
	if c.Input.RedundantCmds < 1 {
		c.Input.RedundantCmds = 1
	}
	if c.Tick.GameHz <= 0 {
		c.Tick.GameHz = c.Tick.PhysicsHz
	}
	c.Diagnostics.Dir = strings.TrimSpace(c.Diagnostics.Dir)
	c.Diagnostics.SQLite = strings.TrimSpace(c.Diagnostics.SQLite)
}

func (c Config) Validate() error {
	if _, err := reconcile.ParseRole(c.Role); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := reconcile.ParsePolicy(c.FrameTranslation.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	t := c.Tolerances
	if t.Position < 0 || t.Rotation < 0 || t.LinearVelocity < 0 || t.AngularVelocity < 0 {
		return fmt.Errorf("%w: tolerances must be >= 0", ErrInvalid)
	}
	if c.Tick.PhysicsHz <= 0 {
		return fmt.Errorf("%w: tick.physics_hz must be > 0", ErrInvalid)
	}
	if c.Tick.FramesRetained < 4 {
		return fmt.Errorf("%w: tick.frames_retained must be >= 4", ErrInvalid)
	}
	if c.ForceResim.Enabled {
		if c.ForceResim.EveryFrames < 1 {
			return fmt.Errorf("%w: force_resim_for_testing.every_frames must be >= 1", ErrInvalid)
		}
		if c.ForceResim.RewindFrames < 2 {
			return fmt.Errorf("%w: force_resim_for_testing.rewind_frames must be >= 2", ErrInvalid)
		}
		if c.ForceResim.RewindFrames >= c.Tick.FramesRetained {
			return fmt.Errorf("%w: force_resim_for_testing.rewind_frames must be < tick.frames_retained", ErrInvalid)
		}
	}
	if c.Queues.Inbound < 0 || c.Queues.Outbound < 0 || c.Queues.Requests < 0 || c.Queues.Inputs < 0 {
		return fmt.Errorf("%w: queue capacities must be >= 0", ErrInvalid)
	}
	return nil
}

func (c Config) PhysicsTolerances() physics.Tolerances {
	return physics.Tolerances{
		Position:        c.Tolerances.Position,
		Rotation:        c.Tolerances.Rotation,
		LinearVelocity:  c.Tolerances.LinearVelocity,
		AngularVelocity: c.Tolerances.AngularVelocity,
	}
}

func (c Config) InputConfig() input.Config {
	return input.Config{
		MaxBufferedCmds:   int(c.Input.MaxBufferedCmds),
		InitialFaultLimit: c.Input.InitialFaultLimit,
	}
}

// EngineOptions maps the file onto reconcile.Options. The role comes from the
// binary, not the file, so one file can serve both ends.
func (c Config) EngineOptions(role reconcile.Role, logger *log.Logger, sink diag.Sink) reconcile.Options {
	opts := reconcile.Options{
		Role:              role,
		Tolerances:        c.PhysicsTolerances(),
		Input:             c.InputConfig(),
		InboundCapacity:   c.Queues.Inbound,
		OutboundCapacity:  c.Queues.Outbound,
		RequestCapacity:   c.Queues.Requests,
		ConnInputCapacity: c.Queues.Inputs,
		Logger:            logger,
		Sink:              sink,
	}
	// The authority never rewinds.
	if c.ForceResim.Enabled && role == reconcile.RoleClient {
		opts.ForcedResim = reconcile.ForcedResim{Every: c.ForceResim.EveryFrames, Rewind: c.ForceResim.RewindFrames}
	}
	return opts
}

// WorldConfig sizes the reference solver from the tick section.
func (c Config) WorldConfig() sim.Config {
	return sim.Config{
		TickRateHz:     c.Tick.PhysicsHz,
		FramesRetained: c.Tick.FramesRetained,
		Gravity:        mgl64.Vec3{0, -9.81, 0},
	}
}

func (c Config) NewTranslator() *reconcile.FrameTranslator {
	if reconcile.TranslationPolicy(c.FrameTranslation.Policy) == reconcile.PolicyFixedLead {
		return reconcile.NewFixedLeadTranslator(int64(c.FrameTranslation.FixedLeadFrames), int64(c.FrameTranslation.FixedLeadTolerance))
	}
	return reconcile.NewAckTranslator()
}
