package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the diagnostics index written by the server.
//
//	admin db kinds
//	admin db worst [-kind CORRECTION] [-limit 20]
//	admin db object -object 3 [-limit 20]
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/diag/index.sqlite", "diag sqlite path")
	kind := fs.String("kind", "CORRECTION", "event kind (worst)")
	object := fs.Int64("object", -1, "body id (object)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "kinds"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	enc := json.NewEncoder(os.Stdout)
	switch q {
	case "kinds":
		rows, err := db.Query(`SELECT kind, COUNT(*), MAX(value) FROM events GROUP BY kind ORDER BY kind`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Kind  string  `json:"kind"`
				Count int64   `json:"count"`
				Max   float64 `json:"max_value"`
			}
			if err := rows.Scan(&r.Kind, &r.Count, &r.Max); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			_ = enc.Encode(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "worst":
		printEvents(db, enc, `SELECT at,kind,frame,object,conn,value,detail FROM events WHERE kind = ? ORDER BY value DESC LIMIT ?`, *kind, *limit)

	case "object":
		if *object < 0 {
			fmt.Fprintln(os.Stderr, "missing -object")
			os.Exit(2)
		}
		printEvents(db, enc, `SELECT at,kind,frame,object,conn,value,detail FROM events WHERE object = ? ORDER BY seq DESC LIMIT ?`, *object, *limit)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}
}

func printEvents(db *sql.DB, enc *json.Encoder, query string, args ...any) {
	rows, err := db.Query(query, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			At     string  `json:"at"`
			Kind   string  `json:"kind"`
			Frame  int64   `json:"frame"`
			Object int64   `json:"object"`
			Conn   string  `json:"conn,omitempty"`
			Value  float64 `json:"value"`
			Detail string  `json:"detail,omitempty"`
		}
		if err := rows.Scan(&r.At, &r.Kind, &r.Frame, &r.Object, &r.Conn, &r.Value, &r.Detail); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		_ = enc.Encode(r)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}
