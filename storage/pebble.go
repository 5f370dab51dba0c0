// Pebble engine.
//
// Writes are serialised behind one writer lock, so etags are committed in
// the order they are handed out and the etag index never has holes that are
// filled later. Durability uses group commit: a write transaction commits
// its batch without sync and waits until the flush loop has synced the WAL.
//
// '|_' - Start,  U- Update Logic   '_|' - End,  '_' - waiting,  '^' - data is flushed
// Request #1 ------|U_____________________|-------
// Request #2 --------------|U_____________|-------
// Request #3 ---------------|_U___________|-------
// Flush Loop -----------------------------^-------
//
// Since pebble has only 1 WAL and writes are sequential, a synced write of
// a marker record means every batch committed before it is on disk too.
package storage

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

type PebbleOptions struct {
	Path string
	// FS overrides the filesystem, vfs.NewMem() keeps everything in RAM.
	FS          vfs.FS
	CacheSizeMB int64
	// GroupCommit makes Update wait for FlushLoop instead of syncing
	// every batch. FlushLoop must be running when it is set.
	GroupCommit   bool
	FlushInterval time.Duration
	Logger        *zap.Logger
}

type Pebble struct {
	db     *pebble.DB
	log    *zap.Logger
	opts   PebbleOptions
	writer sync.Mutex

	mu      sync.Mutex
	done    chan struct{}
	count   int  // number of commits since last WAL sync
	stopped bool // graceful shutdown
	pending int  // number of updates inflight (track for graceful shutdown)
}

var _ Engine = (*Pebble)(nil)

// pebbleLogger routes pebble's own logging to zap
type pebbleLogger struct {
	log *zap.SugaredLogger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf("[pebble] "+format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf("[pebble] "+format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatalf("[pebble] "+format, args...)
}

func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Millisecond
	}
	po := &pebble.Options{
		FS:     opts.FS,
		Logger: pebbleLogger{log: opts.Logger.Sugar()},
		// point lookups by document key dominate, bloom filters on every level
		Levels: make([]pebble.LevelOptions, 7),
	}
	for i := range po.Levels {
		po.Levels[i].FilterPolicy = bloom.FilterPolicy(10)
	}
	if opts.CacheSizeMB > 0 {
		cache := pebble.NewCache(opts.CacheSizeMB << 20)
		defer cache.Unref() // DB holds its own reference
		po.Cache = cache
	}
	db, err := pebble.Open(opts.Path, po)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %q", opts.Path)
	}
	return &Pebble{
		db:   db,
		log:  opts.Logger,
		opts: opts,
		done: make(chan struct{}),
	}, nil
}

func (p *Pebble) Flush() int {
	p.mu.Lock()
	count := p.count
	p.count = 0
	done := p.done // all previous updates are waiting on this chan
	pending := p.pending
	p.done = make(chan struct{}) // create new chan for future updates to wait on
	p.mu.Unlock()

	if count > 0 {
		// just make a write to WAL and wait for it to complete.
		// if this operation finish - it means all previous updates are flushed too
		err := p.db.LogData([]byte("f"), pebble.Sync)
		if err != nil {
			p.log.Fatal("wal sync failed", zap.Error(err))
		}
	}
	close(done)
	return pending
}

func (p *Pebble) FlushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true // make sure all new requests are failing
			p.mu.Unlock()
			for {
				pending := p.Flush() // flush all pending requests
				if pending == 0 {
					return nil
				}
			}
		default:
			p.mu.Lock()
			n := p.count
			p.mu.Unlock()
			if n == 0 {
				// avoid infinite loops if no data needs to be flushed
				time.Sleep(p.opts.FlushInterval)
				continue
			}
			p.Flush()
		}
	}
}

func (p *Pebble) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}()

	tx, err := p.apply(fn)
	if err != nil {
		return err
	}

	if p.opts.GroupCommit {
		// wait till our update is flushed to disk
		p.mu.Lock()
		p.count++
		done := p.done
		p.mu.Unlock()
		<-done
	}
	tx.Committed()
	return nil
}

func (p *Pebble) apply(fn func(Tx) error) (*KVTx, error) {
	p.writer.Lock()
	defer p.writer.Unlock()

	b := p.db.NewIndexedBatch()
	defer b.Close()

	tx := NewKVTx(&pebbleKV{r: b, w: b}, true)
	if err := fn(tx); err != nil {
		return nil, err
	}
	opts := pebble.Sync
	if p.opts.GroupCommit {
		opts = pebble.NoSync
	}
	if err := b.Commit(opts); err != nil {
		return nil, errors.Wrap(err, "commit batch")
	}
	return tx, nil
}

func (p *Pebble) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := p.db.NewSnapshot()
	defer snap.Close()
	return fn(NewKVTx(&pebbleKV{r: snap}, false))
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return p.db.Close()
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleKV struct {
	r pebbleReader
	w *pebble.Batch
}

func (kv *pebbleKV) Get(key []byte) ([]byte, error) {
	d, closer, err := kv.r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble get")
	}
	defer closer.Close()
	return append([]byte(nil), d...), nil
}

func (kv *pebbleKV) Set(key, value []byte) error {
	if kv.w == nil {
		return ErrReadOnly
	}
	return kv.w.Set(key, value, pebble.NoSync)
}

func (kv *pebbleKV) Delete(key []byte) error {
	if kv.w == nil {
		return ErrReadOnly
	}
	return kv.w.Delete(key, pebble.NoSync)
}

func (kv *pebbleKV) Iterate(lower, upper []byte, fn func(key, value []byte) error) error {
	iter, err := kv.r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Wrap(err, "pebble iter")
	}
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

func (kv *pebbleKV) Last(lower, upper []byte) ([]byte, bool, error) {
	iter, err := kv.r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, false, errors.Wrap(err, "pebble iter")
	}
	var k []byte
	ok := iter.Last()
	if ok {
		k = append([]byte(nil), iter.Key()...)
	}
	return k, ok, iter.Close()
}
