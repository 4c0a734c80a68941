/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. The whole increment is a single UPSERT
// statement, so concurrent completions for the same key are serialized by the
// database and no update is lost.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore opens (or creates) the stats database at dsn and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer
	// anyway and this avoids SQLITE_BUSY under concurrent completions.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS model_stats (
		cluster TEXT NOT NULL,
		model TEXT NOT NULL,
		calls INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		cost_sum REAL NOT NULL DEFAULT 0,
		latency_sum REAL NOT NULL DEFAULT 0,
		PRIMARY KEY(cluster, model)
	);`)
	return err
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, cluster, model string, success bool, cost, latency float64) error {
	succ := 0
	if success {
		succ = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO model_stats(cluster,model,calls,successes,cost_sum,latency_sum)
		VALUES(?,?,1,?,?,?)
		ON CONFLICT(cluster,model) DO UPDATE SET
			calls=calls+1,
			successes=successes+excluded.successes,
			cost_sum=cost_sum+excluded.cost_sum,
			latency_sum=latency_sum+excluded.latency_sum`,
		cluster, model, succ, cost, latency)
	return err
}

// Fetch implements Store. Results are ordered by model name for stable
// iteration order downstream.
func (s *SQLiteStore) Fetch(ctx context.Context, cluster string) ([]ModelStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model,calls,successes,cost_sum,latency_sum FROM model_stats WHERE cluster=? ORDER BY model ASC`, cluster)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ModelStat, 0)
	for rows.Next() {
		var m ModelStat
		if err := rows.Scan(&m.Model, &m.Calls, &m.Successes, &m.CostSum, &m.LatencySum); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FetchClusters implements Store.
func (s *SQLiteStore) FetchClusters(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT cluster FROM model_stats ORDER BY cluster ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Reset drops all counters for the cluster. Administrative operation.
func (s *SQLiteStore) Reset(ctx context.Context, cluster string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM model_stats WHERE cluster=?`, cluster)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
