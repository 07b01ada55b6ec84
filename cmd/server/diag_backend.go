package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"netphys.dev/internal/config"
	"netphys.dev/internal/diag"
)

type diagRuntime struct {
	sink   diag.Sink
	jsonl  *diag.JSONLWriter
	sqlite *diag.SQLiteIndex
}

// openDiagnostics builds the event sinks described by the diagnostics section.
// NP_DIAG_BACKEND=none disables the file backends; the log sink always stays.
func openDiagnostics(cfg config.Diagnostics, logger *log.Logger) (*diagRuntime, error) {
	rt := &diagRuntime{}
	sinks := diag.Multi{diag.LogSink{Logger: logger, Verbose: cfg.Verbose}}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("NP_DIAG_BACKEND")))
	switch backend {
	case "none", "off", "disabled":
		rt.sink = sinks
		return rt, nil
	case "", "files":
	default:
		return nil, fmt.Errorf("unsupported NP_DIAG_BACKEND: %s", backend)
	}

	if cfg.Dir != "" {
		rt.jsonl = diag.NewJSONLWriter(cfg.Dir)
		sinks = append(sinks, rt.jsonl)
	}
	if cfg.SQLite != "" {
		idx, err := diag.OpenSQLite(cfg.SQLite)
		if err != nil {
			if rt.jsonl != nil {
				_ = rt.jsonl.Close()
			}
			return nil, fmt.Errorf("open diag index: %w", err)
		}
		rt.sqlite = idx
		sinks = append(sinks, idx)
	}
	rt.sink = sinks
	return rt, nil
}

func (rt *diagRuntime) Close() {
	if rt.jsonl != nil {
		_ = rt.jsonl.Close()
	}
	if rt.sqlite != nil {
		_ = rt.sqlite.Close()
	}
}
