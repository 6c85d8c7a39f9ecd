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

	_ "modernc.org/sqlite"

	logx "nowplaying/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db         *sql.DB
	log        logx.Logger
	batchLimit int
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
	// One connection serializes writers, which gives every method its per-key atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, batchLimit: cfg.BatchLimit}
	if st.batchLimit <= 0 {
		st.batchLimit = DefaultBatchLimit
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	st.pragmas(busy)

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

// pragmas applies connection settings and returns the journal mode in effect.
// Failures are logged and opening continues. journal_mode answers with the
// mode it ended in instead of failing.
func (s *sqliteStore) pragmas(busy time.Duration) string {
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := s.db.Exec(p); err != nil {
			s.log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		s.log.Warn("sqlite pragma failed", logx.String("pragma", "journal_mode"), logx.Err(err))
		return ""
	}
	if !strings.EqualFold(mode, "wal") {
		s.log.Warn("sqlite not in WAL mode", logx.String("journal_mode", mode))
	}
	return mode
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

func (s *sqliteStore) BatchLimit() int { return s.batchLimit }

// inTx runs fn inside a transaction, committing on success.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func touchSet(ctx context.Context, tx *sql.Tx, key string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO connection_sets(key, updated_at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET updated_at=excluded.updated_at`,
		key, now,
	)
	return err
}

func (s *sqliteStore) AddConnection(ctx context.Context, key, handle string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSet(ctx, tx, key, time.Now().UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO connections(key, handle) VALUES(?,?)`, key, handle)
		return err
	})
}

func (s *sqliteStore) AddConnectionBatch(ctx context.Context, keys []string, handle string) error {
	if len(keys) > s.batchLimit {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(keys), s.batchLimit)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, key := range keys {
			if err := touchSet(ctx, tx, key, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO connections(key, handle) VALUES(?,?)`, key, handle); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) RemoveConnections(ctx context.Context, key string, handles []string) (int, error) {
	var remaining int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, h := range handles {
			if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE key = ? AND handle = ?`, key, h); err != nil {
				return err
			}
		}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM connection_sets WHERE key = ?`, key).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			remaining = 0
			return nil
		}
		if err != nil {
			return err
		}
		if len(handles) > 0 {
			if err := touchSet(ctx, tx, key, time.Now().UnixMilli()); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections WHERE key = ?`, key).Scan(&remaining)
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *sqliteStore) ClearConnections(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSet(ctx, tx, key, time.Now().UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE key = ?`, key)
		return err
	})
}

func (s *sqliteStore) LoadConnections(ctx context.Context, key string) (*ConnectionSet, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM connection_sets WHERE key = ?`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT handle FROM connections WHERE key = ? ORDER BY handle`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := &ConnectionSet{Key: key, Handles: []string{}}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		set.Handles = append(set.Handles, h)
	}
	return set, rows.Err()
}

func (s *sqliteStore) PutJob(ctx context.Context, j JobRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(subject, tier, next_fire, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(subject) DO NOTHING`,
		j.Subject, j.Tier, j.NextFire.UnixMilli(), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) SwapJobTier(ctx context.Context, subject, from, to string, next time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET tier = ?, next_fire = ?, updated_at = ? WHERE subject = ? AND tier = ?`,
			to, next.UnixMilli(), time.Now().UnixMilli(), subject, from,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var tier string
		err = tx.QueryRowContext(ctx, `SELECT tier FROM jobs WHERE subject = ?`, subject).Scan(&tier)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	})
}

func (s *sqliteStore) DeleteJob(ctx context.Context, subject, tier string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE subject = ? AND tier = ?`, subject, tier)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, subject string) (*JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT subject, tier, next_fire, created_at, updated_at FROM jobs WHERE subject = ?`, subject)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, tier, next_fire, created_at, updated_at FROM jobs ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (JobRecord, error) {
	var j JobRecord
	var next, created, updated int64
	if err := r.Scan(&j.Subject, &j.Tier, &next, &created, &updated); err != nil {
		return JobRecord{}, err
	}
	j.NextFire = time.UnixMilli(next)
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return j, nil
}

func (s *sqliteStore) GetCredentials(ctx context.Context, subject string) (*Credentials, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var (
		c       = Credentials{Subject: subject}
		refresh sql.NullString
		typ     sql.NullString
		expiry  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, token_type, expiry FROM credentials WHERE subject = ?`, subject,
	).Scan(&c.AccessToken, &refresh, &typ, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.RefreshToken = refresh.String
	c.TokenType = typ.String
	if expiry > 0 {
		c.Expiry = time.UnixMilli(expiry)
	}
	return &c, nil
}

func (s *sqliteStore) PutCredentials(ctx context.Context, c Credentials) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	var expiry int64
	if !c.Expiry.IsZero() {
		expiry = c.Expiry.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(subject, access_token, refresh_token, token_type, expiry) VALUES(?,?,?,?,?)
		 ON CONFLICT(subject) DO UPDATE SET access_token=excluded.access_token,
		   refresh_token=excluded.refresh_token, token_type=excluded.token_type, expiry=excluded.expiry`,
		c.Subject, c.AccessToken, nullStr(c.RefreshToken), nullStr(c.TokenType), expiry,
	)
	return err
}

func (s *sqliteStore) PutStatus(ctx context.Context, st StatusRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if st.ChangedAt.IsZero() {
		st.ChangedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statuses(subject, payload, changed_at) VALUES(?,?,?)
		 ON CONFLICT(subject) DO UPDATE SET payload=excluded.payload, changed_at=excluded.changed_at`,
		st.Subject, string(st.Payload), st.ChangedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetStatus(ctx context.Context, subject string) (*StatusRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var (
		payload string
		changed int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT payload, changed_at FROM statuses WHERE subject = ?`, subject).
		Scan(&payload, &changed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &StatusRecord{Subject: subject, Payload: []byte(payload), ChangedAt: time.UnixMilli(changed)}, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
