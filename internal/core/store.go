package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ Recorder = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serialises anyway.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun stores rec and its facts in one transaction.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (fleet, started, finished, nodes, failures) VALUES (?, ?, ?, ?, ?)`,
		rec.Fleet, rec.Started.UnixNano(), rec.Finished.UnixNano(), rec.Nodes, strings.Join(rec.Failed, ","))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	for name, fact := range rec.Facts {
		data, err := json.Marshal(fact)
		if err != nil {
			return fmt.Errorf("encode fact %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO facts (run_id, node, fact) VALUES (?, ?, ?)`, runID, name, string(data)); err != nil {
			return fmt.Errorf("insert fact %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of run history.
type RunSummary struct {
	ID       int64
	Fleet    string
	Started  time.Time
	Finished time.Time
	Nodes    int
	Failed   []string
}

// ListRuns returns the most recent runs, newest first. An empty fleet lists
// every fleet.
func (s *Store) ListRuns(ctx context.Context, fleet string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fleet, started, finished, nodes, failures FROM runs
		 WHERE ? = '' OR fleet = ? ORDER BY started DESC, id DESC LIMIT ?`, fleet, fleet, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			started, finished int64
			failures          string
		)
		if err := rows.Scan(&r.ID, &r.Fleet, &started, &finished, &r.Nodes, &failures); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started, r.Finished = time.Unix(0, started), time.Unix(0, finished)
		if failures != "" {
			r.Failed = strings.Split(failures, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunFacts returns the facts recorded for run id.
func (s *Store) RunFacts(ctx context.Context, id int64) (FleetFacts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node, fact FROM facts WHERE run_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := FleetFacts{}
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		var f Fact
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("decode fact %s: %w", name, err)
		}
		facts[name] = f
	}
	return facts, rows.Err()
}
