package storage

import (
	"dragoncounters/cd"
	"github.com/cockroachdb/errors"
)

var etagIndexEnd = []byte{cd.EtagIndexPrefix + 1}

// KV is the primitive ordered key-value view an engine exposes for one
// transaction. Returned slices must be owned by the caller.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Iterate visits keys in [lower, upper) in ascending order.
	Iterate(lower, upper []byte, fn func(key, value []byte) error) error
	// Last returns the greatest key in [lower, upper).
	Last(lower, upper []byte) ([]byte, bool, error)
}

// KVTx implements Tx, including index maintenance, on top of a KV.
type KVTx struct {
	kv       KV
	writable bool
	onCommit []func()
}

var _ Tx = (*KVTx)(nil)

func NewKVTx(kv KV, writable bool) *KVTx {
	return &KVTx{kv: kv, writable: writable}
}

func (t *KVTx) Writable() bool {
	return t.writable
}

func (t *KVTx) Get(key string) (Row, error) {
	b, err := t.kv.Get(rowKey(key))
	if err != nil {
		return Row{}, err
	}
	return decodeRow(key, b)
}

func (t *KVTx) Put(row Row) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := ValidateKey("key", row.Key); err != nil {
		return err
	}
	if err := ValidateKey("collection", row.Collection); err != nil {
		return err
	}
	if row.Etag <= 0 {
		return errors.Newf("row %q: etag must be positive, got %d", row.Key, row.Etag)
	}
	old, err := t.Get(row.Key)
	switch {
	case err == nil:
		if err := t.unindex(old); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	k := []byte(row.Key)
	if err := t.kv.Set(etagKey(row.Etag), k); err != nil {
		return err
	}
	if err := t.kv.Set(collectionEtagKey(row.Collection, row.Etag), k); err != nil {
		return err
	}
	return t.kv.Set(rowKey(row.Key), encodeRow(row))
}

func (t *KVTx) unindex(old Row) error {
	if err := t.kv.Delete(etagKey(old.Etag)); err != nil {
		return err
	}
	return t.kv.Delete(collectionEtagKey(old.Collection, old.Etag))
}

func (t *KVTx) Delete(key string) (bool, error) {
	if !t.writable {
		return false, ErrReadOnly
	}
	old, err := t.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := t.unindex(old); err != nil {
		return false, err
	}
	return true, t.kv.Delete(rowKey(key))
}

func (t *KVTx) ScanByEtag(from int64, fn func(Row) error) error {
	if from < 0 {
		from = 0
	}
	return t.scanIndex(etagKey(from), etagIndexEnd, fn)
}

func (t *KVTx) ScanCollectionByEtag(collection string, from int64, fn func(Row) error) error {
	if from < 0 {
		from = 0
	}
	return t.scanIndex(collectionEtagKey(collection, from), prefixEnd(collectionPrefix(collection)), fn)
}

func (t *KVTx) scanIndex(lower, upper []byte, fn func(Row) error) error {
	err := t.kv.Iterate(lower, upper, func(_, docKey []byte) error {
		row, err := t.Get(string(docKey))
		if err != nil {
			return errors.Wrapf(err, "index points at %q", docKey)
		}
		return fn(row)
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

func (t *KVTx) LastEtag() (int64, error) {
	k, ok, err := t.kv.Last(etagKey(0), etagIndexEnd)
	if err != nil || !ok {
		return 0, err
	}
	return etagFromIndexKey(k), nil
}

func (t *KVTx) GetMeta(name string) ([]byte, error) {
	return t.kv.Get(metaKey(name))
}

func (t *KVTx) SetMeta(name string, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.kv.Set(metaKey(name), append([]byte(nil), value...))
}

func (t *KVTx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// Committed runs the OnCommit callbacks. Engines call it once the
// transaction is durable.
func (t *KVTx) Committed() {
	for _, fn := range t.onCommit {
		fn()
	}
	t.onCommit = nil
}
