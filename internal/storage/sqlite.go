package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "devpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// auditKeep bounds the audit table; older rows are pruned every pruneEvery inserts.
const auditKeep = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, task_id, key, category, job_id, attempt, detail, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, nullStr(e.TaskID), nullStr(e.Key), nullStr(e.Category),
		nullStr(e.JobID), e.Attempt, nullStr(e.Detail), nullStr(e.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneAudit(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, action, task_id, key, category, job_id, attempt, detail, err
		 FROM (SELECT * FROM audit ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                                            AuditEntry
			at                                           string
			taskID, key, category, jobID, detail, errStr sql.NullString
		)
		if err := rows.Scan(&at, &e.Action, &taskID, &key, &category, &jobID, &e.Attempt, &detail, &errStr); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.TaskID, e.Key, e.Category = taskID.String, key.String, category.String
		e.JobID, e.Detail, e.Error = jobID.String, detail.String, errStr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !validName(name) {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(name, saved_at, data) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET saved_at=excluded.saved_at, data=excluded.data`,
		name, time.Now().UTC().Format(time.RFC3339Nano), data,
	)
	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context, name string) (Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, false, ErrDisabled
	}
	var (
		at   string
		data []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT saved_at, data FROM snapshots WHERE name = ?`, name).Scan(&at, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	savedAt, _ := time.Parse(time.RFC3339Nano, at)
	return Snapshot{Name: name, SavedAt: savedAt, Data: data}, true, nil
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM audit) - ?`, auditKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
