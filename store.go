// Storage engine selection.
//
// The pebble engine keeps the group commit of the original store: every
// write transaction commits without fsync and waits for FlushLoop, which
// syncs the WAL once for all of them.
//
// '|_' - Start,  U- Update Logic   '_|' - End,  '_' - waiting,  '^' - data is flushed
// Request #1 ------|U_____________________|-------
// Request #2 --------------|U_____________|-------
// Flush Loop -----------------------------^-------
package main

import (
	"context"

	"dragoncounters/storage"
	"dragoncounters/storage/badgerstore"
	"dragoncounters/storage/sqlstore"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the opened engine plus its background loop, if any.
type Store struct {
	storage.Engine
	// Run blocks until ctx is done. Engines without background work
	// just wait.
	Run func(ctx context.Context) error
}

func waitDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func OpenStore(ctx context.Context, cfg StorageConfig, log *zap.Logger) (*Store, error) {
	log = log.With(zap.String("engine", cfg.Engine))
	switch cfg.Engine {
	case EnginePebble:
		groupCommit := cfg.GroupCommit == nil || *cfg.GroupCommit
		p, err := storage.OpenPebble(storage.PebbleOptions{
			Path:          cfg.Path,
			CacheSizeMB:   cfg.CacheSizeMB,
			GroupCommit:   groupCommit,
			FlushInterval: cfg.FlushInterval,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		run := waitDone
		if groupCommit {
			run = p.FlushLoop
		}
		log.Info("storage opened", zap.String("path", cfg.Path), zap.Bool("groupCommit", groupCommit))
		return &Store{Engine: p, Run: run}, nil

	case EngineBadger:
		bc := badgerstore.DefaultConfig(cfg.Path)
		bc.Logger = log
		e, err := badgerstore.Open(bc)
		if err != nil {
			return nil, err
		}
		log.Info("storage opened", zap.String("path", cfg.Path))
		return &Store{Engine: e, Run: waitDone}, nil

	case EngineSQLite, EnginePostgres:
		e, err := sqlstore.Open(ctx, cfg.Engine, cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		return &Store{Engine: e, Run: waitDone}, nil
	}
	return nil, errors.Newf("unknown storage engine %q", cfg.Engine)
}
