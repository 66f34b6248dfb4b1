package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("store circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite backs the document store contract with a single documents table:
// JSON bodies addressed by (collection, id), queried through the json1
// extension. A small circuit breaker keeps a wedged database from piling
// up request goroutines.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		doc TEXT NOT NULL,
		server_ts DATETIME NOT NULL,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_docs_created ON documents(collection, server_ts);
	CREATE INDEX IF NOT EXISTS idx_docs_expires ON documents(collection, json_extract(doc, '$.expiresAt'));
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed, circuitHalfOpen:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) Create(ctx context.Context, collection string, doc any) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal doc")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	id, err := s.newDocID(queryCtx, collection)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	q := `
	INSERT INTO documents (collection, id, doc, server_ts)
	VALUES (?, ?, json_set(?, '$.id', ?, '$.createdAt', ?), ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		collection, id, string(body), id, now.Format(time.RFC3339Nano), now,
	)
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "db create")
	}
	return id, nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string, out any) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var body string
	err := s.db.QueryRowContext(queryCtx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return ErrDocMissing
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db get")
	}
	return errors.Wrap(json.Unmarshal([]byte(body), out), "unmarshal doc")
}

func (s *SQLite) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	patch["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	body, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, "marshal patch")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE documents SET doc = json_patch(doc, ?) WHERE collection = ? AND id = ?`,
		string(body), collection, id,
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocMissing
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	s.recordError(err)
	return errors.Wrap(err, "db delete")
}

func (s *SQLite) Query(ctx context.Context, collection string, filters []Filter, orderBy Order, limit int) ([]Doc, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(`SELECT id, doc FROM documents WHERE collection = ?`)
	args := []any{collection}
	for _, f := range filters {
		sb.WriteString(` AND json_extract(doc, ?) = ?`)
		args = append(args, "$."+f.Field, f.Value)
	}
	if orderBy.Field != "" {
		sb.WriteString(` ORDER BY json_extract(doc, ?)`)
		args = append(args, "$."+orderBy.Field)
	} else {
		sb.WriteString(` ORDER BY server_ts`)
	}
	if orderBy.Desc {
		sb.WriteString(` DESC`)
	}
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, sb.String(), args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db query")
	}
	defer rows.Close()
	var docs []Doc
	for rows.Next() {
		var d Doc
		var body string
		if err := rows.Scan(&d.ID, &body); err != nil {
			return nil, errors.Wrap(err, "scan doc")
		}
		d.Data = []byte(body)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "iterate docs")
	}
	return docs, nil
}

func (s *SQLite) AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := incrementField(queryCtx, s.db, collection, id, field, delta)
	s.recordError(err)
	return err
}

func (s *SQLite) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&sqliteTx{ctx: queryCtx, tx: tx}); err != nil {
		tx.Rollback()
		s.recordError(err)
		return err
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit tx")
}

// CleanupExpiredPastes physically removes paste rows whose expiry has
// passed, in small batches so writers are never starved. Reads remain
// correct without it; this is storage hygiene only.
func (s *SQLite) CleanupExpiredPastes(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	const maxIterations = 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM documents
			WHERE collection = ? AND id IN (
				SELECT id FROM documents
				WHERE collection = ? AND json_extract(doc, '$.expiresAt') < ?
				LIMIT 100
			)
		`, Pastes, Pastes, time.Now().UTC().Format(time.RFC3339Nano))
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDoc(ctx context.Context, db execer, collection, id, body string) error {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, doc, server_ts)
		VALUES (?, ?, json_set(?, '$.createdAt', ?), ?)
	`, collection, id, body, now.Format(time.RFC3339Nano), now)
	if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrDocExists
	}
	return errors.Wrap(err, "db insert")
}

func incrementField(ctx context.Context, db execer, collection, id, field string, delta int64) error {
	path := "$." + field
	res, err := db.ExecContext(ctx, `
		UPDATE documents
		SET doc = json_set(doc, ?, COALESCE(json_extract(doc, ?), 0) + ?)
		WHERE collection = ? AND id = ?
	`, path, path, delta, collection, id)
	if err != nil {
		return errors.Wrap(err, "db increment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocMissing
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Exists(collection, id string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ? LIMIT 1`,
		collection, id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "tx exists")
	}
	return true, nil
}

func (t *sqliteTx) Get(collection, id string, out any) error {
	var body string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return ErrDocMissing
	}
	if err != nil {
		return errors.Wrap(err, "tx get")
	}
	return errors.Wrap(json.Unmarshal([]byte(body), out), "unmarshal doc")
}

func (t *sqliteTx) Create(collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal doc")
	}
	return insertDoc(t.ctx, t.tx, collection, id, string(body))
}

func (t *sqliteTx) Update(collection, id string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, "marshal patch")
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE documents SET doc = json_patch(doc, ?) WHERE collection = ? AND id = ?`,
		string(body), collection, id,
	)
	if err != nil {
		return errors.Wrap(err, "tx update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocMissing
	}
	return nil
}

func (t *sqliteTx) Increment(collection, id, field string, delta int64) error {
	return incrementField(t.ctx, t.tx, collection, id, field, delta)
}

// IsUnavailable classifies store failures the API reports as transient
// backend trouble, as opposed to data errors.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return true
		}
	}
	return false
}

// IsPermissionDenied classifies store failures caused by the database
// refusing the operation rather than being down.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrAuth, sqlite3.ErrPerm, sqlite3.ErrReadonly:
			return true
		}
	}
	return false
}
