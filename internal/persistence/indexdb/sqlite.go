package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelrtp/internal/rtp"
	"voxelrtp/internal/sim/catalogs"
)

// SQLiteIndex is a queryable secondary index of teleport outcomes. Writes are
// queued and applied in batched transactions by a single writer goroutine.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu orders sends on ch before Close closes it.
	sendMu sync.RWMutex
	closed atomic.Bool

	dropTotal  atomic.Uint64
	writeTotal atomic.Uint64
	errTotal   atomic.Uint64
}

type reqKind int

const (
	reqOutcome reqKind = iota + 1
	reqQuery
)

type req struct {
	kind reqKind

	outcome rtp.Record
	query   func(db *sql.DB)
	done    chan struct{}
}

type SQLiteStats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	WriteTotal    uint64 `json:"write_total"`
	DropTotal     uint64 `json:"drop_total"`
	ErrorTotal    uint64 `json:"error_total"`
}

const queueSize = 65536

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS teleports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			world_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			x INTEGER,
			y INTEGER,
			z INTEGER,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_teleports_actor ON teleports(actor_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_teleports_outcome ON teleports(outcome);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordOutcome queues r. It never blocks: when the writer falls behind the
// record is dropped and counted, the JSONL audit log stays authoritative.
func (s *SQLiteIndex) RecordOutcome(r rtp.Record) error {
	if s == nil {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqOutcome, outcome: r}:
	default:
		s.dropTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() SQLiteStats {
	if s == nil {
		return SQLiteStats{}
	}
	return SQLiteStats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		WriteTotal:    s.writeTotal.Load(),
		DropTotal:     s.dropTotal.Load(),
		ErrorTotal:    s.errTotal.Load(),
	}
}

// query runs fn on the writer goroutine after everything queued before it has
// been committed, so reads observe earlier writes.
func (s *SQLiteIndex) query(ctx context.Context, fn func(db *sql.DB)) error {
	if s == nil {
		return fmt.Errorf("index closed")
	}
	r := req{kind: reqQuery, query: fn, done: make(chan struct{})}
	if err := s.enqueue(ctx, r); err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns the most recent records for actorID, newest first.
func (s *SQLiteIndex) enqueue(ctx context.Context, r req) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return fmt.Errorf("index closed")
	}
	select {
	case s.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) History(ctx context.Context, actorID string, limit int) ([]rtp.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		out  []rtp.Record
		qerr error
	)
	err := s.query(ctx, func(db *sql.DB) {
		rows, err := db.QueryContext(ctx,
			`SELECT raw_json FROM teleports WHERE actor_id = ? ORDER BY id DESC LIMIT ?`, actorID, limit)
		if err != nil {
			qerr = err
			return
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				qerr = err
				return
			}
			var r rtp.Record
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				qerr = err
				return
			}
			out = append(out, r)
		}
		qerr = rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, qerr
}

// CountByOutcome tallies all recorded outcomes by kind.
func (s *SQLiteIndex) CountByOutcome(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	var qerr error
	err := s.query(ctx, func(db *sql.DB) {
		rows, err := db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM teleports GROUP BY outcome`)
		if err != nil {
			qerr = err
			return
		}
		defer rows.Close()
		for rows.Next() {
			var (
				kind string
				n    int
			)
			if err := rows.Scan(&kind, &n); err != nil {
				qerr = err
				return
			}
			out[kind] = n
		}
		qerr = rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, qerr
}

// UpsertCatalogs stores the block definitions the worlds were built from.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs) error {
	if s == nil || cats == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "blocks.json")); err == nil {
			rows = append(rows, kv{name: "blocks_defs", digest: cats.Blocks.DefsDigest, json: b})
		}
	}
	if b, _ := json.Marshal(cats.Blocks.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "blocks_palette", digest: cats.Blocks.PaletteDigest, json: b})
	}

	var txErr error
	err := s.query(context.Background(), func(db *sql.DB) {
		tx, err := db.BeginTx(context.Background(), nil)
		if err != nil {
			txErr = err
			return
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
			txErr = err
			return
		}
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
		if err != nil {
			txErr = err
			return
		}
		defer stmt.Close()
		for _, r := range rows {
			if r.name == "" || r.digest == "" || len(r.json) == 0 {
				continue
			}
			if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
				txErr = err
				return
			}
		}
		txErr = tx.Commit()
	})
	if err != nil {
		return err
	}
	return txErr
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertOutcome, _ := s.db.Prepare(`INSERT INTO teleports(recorded_at,actor_id,world_id,outcome,attempts,x,y,z,duration_ms,error,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertOutcome != nil {
			_ = insertOutcome.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.errTotal.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.errTotal.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			switch r.kind {
			case reqQuery:
				commit()
				r.query(s.db)
				close(r.done)
				continue

			case reqOutcome:
				begin()
				if tx == nil || insertOutcome == nil {
					s.errTotal.Add(1)
					continue
				}
				o := r.outcome
				raw, _ := json.Marshal(o)
				var x, y, z sql.NullInt64
				if o.Pos != nil {
					x = sql.NullInt64{Int64: int64(o.Pos[0]), Valid: true}
					y = sql.NullInt64{Int64: int64(o.Pos[1]), Valid: true}
					z = sql.NullInt64{Int64: int64(o.Pos[2]), Valid: true}
				}
				var errText sql.NullString
				if o.Error != "" {
					errText = sql.NullString{String: o.Error, Valid: true}
				}
				if _, err := tx.Stmt(insertOutcome).Exec(
					o.Time.UTC().Format(time.RFC3339Nano),
					o.ActorID,
					o.WorldID,
					o.Outcome,
					o.Attempts,
					x, y, z,
					o.DurationMs,
					errText,
					string(raw),
				); err != nil {
					s.errTotal.Add(1)
					rollback()
					continue
				}
				s.writeTotal.Add(1)
				opCount++
			}
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}
