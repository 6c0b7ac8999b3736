// Package results persists the outcome of run/test executions so the graph
// scheduler can skip redundant re-runs. Records are versioned, keyed
// deterministically by action identity, and oversized logs are trimmed to a
// byte budget before storage.
package results

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	resultsDBRelPath = "results.sqlite"

	// APIVersion stamps stored records so future schema changes can migrate.
	APIVersion = "stackrun.dev/cached-result/v1"
)

// ErrNotFound signals a cache miss.
var ErrNotFound = errors.New("cached result not found")

// Key identifies a cached result: one record exists per (kind, name,
// version, namespace).
type Key struct {
	Kind      string // "run" or "test"
	Name      string
	Version   string
	Namespace string
}

// CacheKey returns the deterministic storage key for k.
func (k Key) CacheKey() string {
	h := sha256.New()
	for _, part := range []string{k.Kind, k.Name, k.Version, k.Namespace} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the execution outcome to persist.
type Result struct {
	Log         string
	Success     bool
	ExitCode    int
	Failure     string
	StartedAt   time.Time
	CompletedAt time.Time
}

// CachedResult is a persisted record. Reads are all-or-nothing; a record is
// never returned partially written.
type CachedResult struct {
	APIVersion     string    `json:"apiVersion"`
	Key            Key       `json:"key"`
	Log            string    `json:"log"`
	Truncated      bool      `json:"truncated,omitempty"`
	Success        bool      `json:"success"`
	ExitCode       int       `json:"exitCode,omitempty"`
	Failure        string    `json:"failure,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	StoredAt       time.Time `json:"storedAt"`
	NamespaceState string    `json:"namespaceState,omitempty"`
}

// Store is the sqlite-backed result cache. Safe for concurrent writers to
// different keys; same-key writers race with last-write-wins.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates (or opens) the cache under the project-local state directory.
func Open(stateDir string) (*Store, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("state directory is required")
	}
	absDir, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(absDir, resultsDBRelPath)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS stackrun_results (
  cache_key TEXT PRIMARY KEY,
  api_version TEXT NOT NULL,
  action_kind TEXT NOT NULL,
  action_name TEXT NOT NULL,
  action_version TEXT NOT NULL,
  namespace TEXT NOT NULL,
  success INTEGER NOT NULL,
  exit_code INTEGER NOT NULL,
  failure TEXT NOT NULL,
  log TEXT NOT NULL,
  truncated INTEGER NOT NULL,
  namespace_state TEXT NOT NULL,
  started_at_ns INTEGER NOT NULL,
  completed_at_ns INTEGER NOT NULL,
  stored_at_ns INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_stackrun_results_name ON stackrun_results(action_kind, action_name);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Store persists the result under its deterministic key, overwriting any
// prior record. Logs over trimBudget bytes are trimmed to their tail with a
// truncation marker; the stored log never exceeds the budget.
func (s *Store) Store(ctx context.Context, key Key, res Result, trimBudget int) (*CachedResult, error) {
	log, truncated := TrimLog(res.Log, trimBudget)
	rec := &CachedResult{
		APIVersion:     APIVersion,
		Key:            key,
		Log:            log,
		Truncated:      truncated,
		Success:        res.Success,
		ExitCode:       res.ExitCode,
		Failure:        res.Failure,
		StartedAt:      res.StartedAt,
		CompletedAt:    res.CompletedAt,
		StoredAt:       time.Now().UTC(),
		NamespaceState: "ready",
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO stackrun_results (
  cache_key, api_version, action_kind, action_name, action_version, namespace,
  success, exit_code, failure, log, truncated, namespace_state,
  started_at_ns, completed_at_ns, stored_at_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
  api_version = excluded.api_version,
  success = excluded.success,
  exit_code = excluded.exit_code,
  failure = excluded.failure,
  log = excluded.log,
  truncated = excluded.truncated,
  namespace_state = excluded.namespace_state,
  started_at_ns = excluded.started_at_ns,
  completed_at_ns = excluded.completed_at_ns,
  stored_at_ns = excluded.stored_at_ns
`, key.CacheKey(), rec.APIVersion, key.Kind, key.Name, key.Version, key.Namespace,
		boolToInt(rec.Success), rec.ExitCode, rec.Failure, rec.Log, boolToInt(rec.Truncated), rec.NamespaceState,
		rec.StartedAt.UnixNano(), rec.CompletedAt.UnixNano(), rec.StoredAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store result for %s/%s: %w", key.Kind, key.Name, err)
	}
	return rec, nil
}

// Get returns the stored record for the key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key Key) (*CachedResult, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT api_version, success, exit_code, failure, log, truncated, namespace_state,
       started_at_ns, completed_at_ns, stored_at_ns
FROM stackrun_results WHERE cache_key = ?
`, key.CacheKey())

	var rec CachedResult
	var success, truncated int
	var startedNS, completedNS, storedNS int64
	err := row.Scan(&rec.APIVersion, &success, &rec.ExitCode, &rec.Failure, &rec.Log, &truncated,
		&rec.NamespaceState, &startedNS, &completedNS, &storedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result for %s/%s: %w", key.Kind, key.Name, err)
	}
	rec.Key = key
	rec.Success = success != 0
	rec.Truncated = truncated != 0
	rec.StartedAt = time.Unix(0, startedNS).UTC()
	rec.CompletedAt = time.Unix(0, completedNS).UTC()
	rec.StoredAt = time.Unix(0, storedNS).UTC()
	return &rec, nil
}

// Delete removes the record for the key; missing records are not an error.
func (s *Store) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stackrun_results WHERE cache_key = ?`, key.CacheKey())
	return err
}

// ListKeys returns the identities of all stored records, most recent first.
func (s *Store) ListKeys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT action_kind, action_name, action_version, namespace
FROM stackrun_results ORDER BY stored_at_ns DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Kind, &k.Name, &k.Version, &k.Namespace); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Export writes the record for key as indented JSON, atomically, for
// debugging and support bundles.
func (s *Store) Export(ctx context.Context, key Key, path string) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return writeJSONAtomic(path, rec)
}

// truncationMarker notes why the stored log is shorter than the original.
const truncationMarker = "[log truncated: exceeded result cache size budget]\n"

// TrimLog bounds log to budget bytes, keeping the tail (the part that usually
// explains the outcome) behind a truncation marker. The returned string never
// exceeds budget; a budget of zero or less disables trimming.
func TrimLog(log string, budget int) (string, bool) {
	if budget <= 0 || len(log) <= budget {
		return log, false
	}
	if len(truncationMarker) >= budget {
		return log[len(log)-budget:], true
	}
	keep := budget - len(truncationMarker)
	return truncationMarker + log[len(log)-keep:], true
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
