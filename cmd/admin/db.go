package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type teleportRow struct {
	RecordedAt string  `json:"recorded_at"`
	ActorID    string  `json:"actor_id"`
	WorldID    string  `json:"world_id"`
	Outcome    string  `json:"outcome"`
	Attempts   int     `json:"attempts"`
	Pos        *[3]int `json:"pos,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/rtp.sqlite)")
	actor := fs.String("actor", "", "actor id (required for the actor query)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "recent"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "rtp.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "recent":
		err = queryTeleports(db, `SELECT recorded_at,actor_id,world_id,outcome,attempts,x,y,z,duration_ms,error FROM teleports ORDER BY id DESC LIMIT ?`, *limit)
	case "actor":
		if strings.TrimSpace(*actor) == "" {
			fmt.Fprintln(os.Stderr, "missing -actor")
			os.Exit(2)
		}
		err = queryTeleports(db, `SELECT recorded_at,actor_id,world_id,outcome,attempts,x,y,z,duration_ms,error FROM teleports WHERE actor_id=? ORDER BY id DESC LIMIT ?`, *actor, *limit)
	case "counts":
		err = queryCounts(db)
	case "catalogs":
		err = queryCatalogs(db)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

func queryTeleports(db *sql.DB, query string, args ...any) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r       teleportRow
			x, y, z sql.NullInt64
			errText sql.NullString
		)
		if err := rows.Scan(&r.RecordedAt, &r.ActorID, &r.WorldID, &r.Outcome, &r.Attempts, &x, &y, &z, &r.DurationMs, &errText); err != nil {
			return err
		}
		if x.Valid && y.Valid && z.Valid {
			r.Pos = &[3]int{int(x.Int64), int(y.Int64), int(z.Int64)}
		}
		r.Error = errText.String
		printJSON(r)
	}
	return rows.Err()
}

func queryCounts(db *sql.DB) error {
	rows, err := db.Query(`SELECT outcome, COUNT(*) FROM teleports GROUP BY outcome ORDER BY outcome`)
	if err != nil {
		return err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func queryCatalogs(db *sql.DB) error {
	rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Name      string `json:"name"`
			Digest    string `json:"digest"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
			return err
		}
		printJSON(r)
	}
	return rows.Err()
}
