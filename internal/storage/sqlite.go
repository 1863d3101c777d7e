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
	"time"

	logx "drover/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) AppendActivity(ctx context.Context, r ActivityRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(at, task_id, account_id, proxy_id, kind, outcome, detail, attempt, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.UnixMilli(), r.TaskID, r.AccountID, nullStr(r.ProxyID),
		r.Kind, r.Outcome, nullStr(r.Detail), r.Attempt, r.TookMS,
	)
	return err
}

func (s *sqliteStore) ActivitySince(ctx context.Context, since time.Time, limit int) ([]ActivityRecord, error) {
	return s.queryActivity(ctx, `WHERE at >= ?`, []any{since.UnixMilli()}, limit)
}

func (s *sqliteStore) ActivityFor(ctx context.Context, resourceID string, since time.Time, limit int) ([]ActivityRecord, error) {
	return s.queryActivity(ctx,
		`WHERE at >= ? AND (account_id = ? OR proxy_id = ?)`,
		[]any{since.UnixMilli(), resourceID, resourceID}, limit)
}

func (s *sqliteStore) queryActivity(ctx context.Context, where string, args []any, limit int) ([]ActivityRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT at, task_id, account_id, COALESCE(proxy_id,''), kind, outcome, COALESCE(detail,''), attempt, took_ms
	      FROM activity ` + where + ` ORDER BY at ASC, id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var r ActivityRecord
		var at int64
		if err := rows.Scan(&at, &r.TaskID, &r.AccountID, &r.ProxyID, &r.Kind, &r.Outcome, &r.Detail, &r.Attempt, &r.TookMS); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) UpsertAccount(ctx context.Context, a AccountSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(a.ID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, credential, state, last_action) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET credential=excluded.credential, state=excluded.state, last_action=excluded.last_action`,
		a.ID, nullStr(a.Credential), a.State, a.LastAction.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Accounts(ctx context.Context) ([]AccountSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(credential,''), state, last_action FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountSnapshot
	for rows.Next() {
		var a AccountSnapshot
		var last int64
		if err := rows.Scan(&a.ID, &a.Credential, &a.State, &last); err != nil {
			return nil, err
		}
		if last > 0 {
			a.LastAction = time.UnixMilli(last)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertProxy(ctx context.Context, p ProxySnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxies(id, addr, protocol, auth_ref) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET addr=excluded.addr, protocol=excluded.protocol, auth_ref=excluded.auth_ref`,
		p.ID, p.Addr, nullStr(p.Protocol), nullStr(p.AuthRef),
	)
	return err
}

func (s *sqliteStore) RemoveProxy(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) Proxies(ctx context.Context) ([]ProxySnapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, addr, COALESCE(protocol,''), COALESCE(auth_ref,'') FROM proxies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProxySnapshot
	for rows.Next() {
		var p ProxySnapshot
		if err := rows.Scan(&p.ID, &p.Addr, &p.Protocol, &p.AuthRef); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
