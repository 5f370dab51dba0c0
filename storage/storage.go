// Package storage is the ordered transactional table the counters live in.
//
// A table row is one counter group record keyed by the lowercase document id.
// Every row carries an etag and a collection; the table keeps two secondary
// indexes over them (global etag order and per-collection etag order) so the
// change feed can seek forward from any etag.
//
// Engines serialise write transactions (single writer) and run read
// transactions on a consistent snapshot.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrReadOnly = errors.New("write in read-only transaction")
	ErrClosed   = errors.New("storage closed")
	// ErrStopScan ends a scan early without failing it.
	ErrStopScan = errors.New("stop scan")
)

// Row is one stored record.
type Row struct {
	Key        string
	Collection string
	Etag       int64
	Value      []byte
}

// Tx is the transaction handed to Engine.Update / Engine.View callbacks.
// Values returned by Get and scans are owned by the caller.
type Tx interface {
	Writable() bool
	Get(key string) (Row, error)
	// Put inserts or replaces the row stored under row.Key and moves its
	// index entries to the new etag and collection.
	Put(row Row) error
	Delete(key string) (bool, error)
	// ScanByEtag visits rows with etag >= from in ascending etag order.
	ScanByEtag(from int64, fn func(Row) error) error
	ScanCollectionByEtag(collection string, from int64, fn func(Row) error) error
	// LastEtag is the highest etag currently indexed, 0 for an empty table.
	LastEtag() (int64, error)
	GetMeta(name string) ([]byte, error)
	SetMeta(name string, value []byte) error
	// OnCommit registers fn to run after the transaction committed.
	OnCommit(fn func())
}

// Engine owns a table.
type Engine interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// ValidateKey rejects keys that cannot be stored in composite index keys.
func ValidateKey(what, s string) error {
	if len(s) == 0 || len(s) > 512 {
		return errors.Newf("%s length is not in range 1~512", what)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return errors.Newf("0 is not allowed as a character in %s", what)
		}
	}
	return nil
}
