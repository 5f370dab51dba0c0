// Package sqlstore keeps the counter table in a SQL database through
// database/sql. Supported drivers are "sqlite3" (github.com/mattn/go-sqlite3)
// and "postgres" (github.com/lib/pq); the caller imports the driver.
package sqlstore

import (
	"context"
	"database/sql"
	"sync"

	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// rows fetched per scan query. Rows are buffered before the callback runs
// so the callback may issue queries on the same transaction.
const scanPage = 256

type dialect struct {
	blob string
}

var dialects = map[string]dialect{
	"sqlite3":  {blob: "BLOB"},
	"postgres": {blob: "BYTEA"},
}

type Engine struct {
	db     *sql.DB
	log    *zap.Logger
	writer sync.Mutex
}

var _ storage.Engine = (*Engine)(nil)

// Open connects to dsn with the given driver and creates the schema.
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*Engine, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Newf("unsupported sql driver %q", driver)
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if driver == "sqlite3" {
		// sqlite has a single writer and every :memory: connection is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", driver)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS counter_groups (
			doc_key    TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			etag       BIGINT NOT NULL,
			value      ` + d.blob + `
		)`,
		`CREATE INDEX IF NOT EXISTS counter_groups_etag ON counter_groups (etag)`,
		`CREATE INDEX IF NOT EXISTS counter_groups_collection_etag ON counter_groups (collection, etag)`,
		`CREATE TABLE IF NOT EXISTS counter_meta (
			name  TEXT PRIMARY KEY,
			value ` + d.blob + `
		)`,
	}
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}
	log.Info("sql storage ready", zap.String("driver", driver))
	return &Engine{db: db, log: log}, nil
}

func (e *Engine) Update(ctx context.Context, fn func(storage.Tx) error) error {
	e.writer.Lock()
	tx, err := e.apply(ctx, fn)
	e.writer.Unlock()
	if err != nil {
		return err
	}
	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, fn func(storage.Tx) error) (*sqlTx, error) {
	t, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	tx := &sqlTx{ctx: ctx, tx: t, writable: true}
	if err := fn(tx); err != nil {
		if rerr := t.Rollback(); rerr != nil {
			e.log.Warn("rollback failed", zap.Error(rerr))
		}
		return nil, err
	}
	if err := t.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return tx, nil
}

func (e *Engine) View(ctx context.Context, fn func(storage.Tx) error) error {
	t, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "begin read")
	}
	defer t.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: t})
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	onCommit []func()
}

func (t *sqlTx) Writable() bool {
	return t.writable
}

func (t *sqlTx) Get(key string) (storage.Row, error) {
	r := storage.Row{Key: key}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT collection, etag, value FROM counter_groups WHERE doc_key = $1`, key).
		Scan(&r.Collection, &r.Etag, &r.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Row{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Row{}, errors.Wrapf(err, "get %q", key)
	}
	return r, nil
}

func (t *sqlTx) Put(row storage.Row) error {
	if !t.writable {
		return storage.ErrReadOnly
	}
	if err := storage.ValidateKey("key", row.Key); err != nil {
		return err
	}
	if err := storage.ValidateKey("collection", row.Collection); err != nil {
		return err
	}
	if row.Etag <= 0 {
		return errors.Newf("row %q: etag must be positive, got %d", row.Key, row.Etag)
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO counter_groups (doc_key, collection, etag, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (doc_key) DO UPDATE SET
			collection = excluded.collection, etag = excluded.etag, value = excluded.value`,
		row.Key, row.Collection, row.Etag, row.Value)
	return errors.Wrapf(err, "put %q", row.Key)
}

func (t *sqlTx) Delete(key string) (bool, error) {
	if !t.writable {
		return false, storage.ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM counter_groups WHERE doc_key = $1`, key)
	if err != nil {
		return false, errors.Wrapf(err, "delete %q", key)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *sqlTx) ScanByEtag(from int64, fn func(storage.Row) error) error {
	return t.scan(from, fn, func(from int64) (*sql.Rows, error) {
		return t.tx.QueryContext(t.ctx,
			`SELECT doc_key, collection, etag, value FROM counter_groups
			WHERE etag >= $1 ORDER BY etag LIMIT $2`, from, scanPage)
	})
}

func (t *sqlTx) ScanCollectionByEtag(collection string, from int64, fn func(storage.Row) error) error {
	return t.scan(from, fn, func(from int64) (*sql.Rows, error) {
		return t.tx.QueryContext(t.ctx,
			`SELECT doc_key, collection, etag, value FROM counter_groups
			WHERE collection = $1 AND etag >= $2 ORDER BY etag LIMIT $3`, collection, from, scanPage)
	})
}

func (t *sqlTx) scan(from int64, fn func(storage.Row) error, query func(int64) (*sql.Rows, error)) error {
	for {
		page, err := readPage(query(from))
		if err != nil {
			return err
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				if errors.Is(err, storage.ErrStopScan) {
					return nil
				}
				return err
			}
		}
		if len(page) < scanPage {
			return nil
		}
		from = page[len(page)-1].Etag + 1
	}
}

func readPage(rows *sql.Rows, err error) ([]storage.Row, error) {
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	defer rows.Close()
	var page []storage.Row
	for rows.Next() {
		var r storage.Row
		if err := rows.Scan(&r.Key, &r.Collection, &r.Etag, &r.Value); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		page = append(page, r)
	}
	return page, rows.Err()
}

func (t *sqlTx) LastEtag() (int64, error) {
	var etag int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(etag), 0) FROM counter_groups`).Scan(&etag)
	return etag, errors.Wrap(err, "last etag")
}

func (t *sqlTx) GetMeta(name string) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM counter_meta WHERE name = $1`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return v, errors.Wrapf(err, "get meta %q", name)
}

func (t *sqlTx) SetMeta(name string, value []byte) error {
	if !t.writable {
		return storage.ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO counter_meta (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	return errors.Wrapf(err, "set meta %q", name)
}

func (t *sqlTx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}
