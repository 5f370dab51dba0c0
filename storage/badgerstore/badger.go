// Package badgerstore provides the counter table on top of BadgerDB.
//
// Thread Safety: an Engine is safe for concurrent use. Write transactions
// are serialised, read transactions run on badger snapshots.
package badgerstore

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config holds configuration for a BadgerDB backed table.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *zap.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns defaults for production use.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf("[badger] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf("[badger] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf("[badger] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf("[badger] "+format, args...)
}

type Engine struct {
	db     *badger.DB
	log    *zap.Logger
	writer sync.Mutex

	stopGC chan struct{}
	gcDone chan struct{}
}

var _ storage.Engine = (*Engine)(nil)

func Open(cfg Config) (*Engine, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	log := cfg.Logger
	if log != nil {
		opts = opts.WithLogger(&badgerLogger{log: log.Sugar()})
	} else {
		log = zap.NewNop()
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger database")
	}
	e := &Engine{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		e.stopGC = make(chan struct{})
		e.gcDone = make(chan struct{})
		go e.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return e, nil
}

func (e *Engine) runGC(interval time.Duration, ratio float64) {
	defer close(e.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing worth collecting
			err := e.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				e.log.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) Update(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := e.apply(fn)
	if err != nil {
		return err
	}
	tx.Committed()
	return nil
}

func (e *Engine) apply(fn func(storage.Tx) error) (*storage.KVTx, error) {
	e.writer.Lock()
	defer e.writer.Unlock()

	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	tx := storage.NewKVTx(&txnKV{txn: txn, writable: true}, true)
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit badger txn")
	}
	return tx, nil
}

func (e *Engine) View(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := e.db.NewTransaction(false)
	defer txn.Discard()
	return fn(storage.NewKVTx(&txnKV{txn: txn}, false))
}

func (e *Engine) Close() error {
	if e.stopGC != nil {
		close(e.stopGC)
		<-e.gcDone
	}
	return e.db.Close()
}

// txnKV exposes a badger transaction as storage.KV.
// Badger allows one open iterator per read-write transaction; KVTx never
// nests iterations, lookups inside a scan go through txn.Get.
type txnKV struct {
	txn      *badger.Txn
	writable bool
}

func (kv *txnKV) Get(key []byte) ([]byte, error) {
	item, err := kv.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "badger get")
	}
	return item.ValueCopy(nil)
}

func (kv *txnKV) Set(key, value []byte) error {
	if !kv.writable {
		return storage.ErrReadOnly
	}
	return kv.txn.Set(key, value)
}

func (kv *txnKV) Delete(key []byte) error {
	if !kv.writable {
		return storage.ErrReadOnly
	}
	return kv.txn.Delete(key)
}

func (kv *txnKV) Iterate(lower, upper []byte, fn func(key, value []byte) error) error {
	it := kv.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(lower); it.Valid(); it.Next() {
		item := it.Item()
		if upper != nil && bytes.Compare(item.Key(), upper) >= 0 {
			return nil
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "badger value")
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func (kv *txnKV) Last(lower, upper []byte) ([]byte, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := kv.txn.NewIterator(opts)
	defer it.Close()
	// reverse Seek lands on the greatest key <= upper, upper is exclusive
	for it.Seek(upper); it.Valid(); it.Next() {
		k := it.Item().Key()
		if bytes.Equal(k, upper) {
			continue
		}
		if bytes.Compare(k, lower) < 0 {
			return nil, false, nil
		}
		return it.Item().KeyCopy(nil), true, nil
	}
	return nil, false, nil
}
