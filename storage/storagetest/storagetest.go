// Package storagetest holds the behaviour every storage.Engine must share.
package storagetest

import (
	"context"
	"testing"

	"dragoncounters/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run runs the engine conformance tests. open must return a fresh, empty
// engine; Run closes it.
func Run(t *testing.T, open func(t *testing.T) storage.Engine) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e storage.Engine)
	}{
		{"PutGet", testPutGet},
		{"EtagOrder", testEtagOrder},
		{"Reindex", testReindex},
		{"Delete", testDelete},
		{"CollectionScan", testCollectionScan},
		{"StopScan", testStopScan},
		{"ReadOnly", testReadOnly},
		{"Meta", testMeta},
		{"OnCommit", testOnCommit},
		{"Rollback", testRollback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := open(t)
			defer e.Close()
			tt.fn(t, e)
		})
	}
}

func put(t *testing.T, e storage.Engine, rows ...storage.Row) {
	t.Helper()
	err := e.Update(context.Background(), func(tx storage.Tx) error {
		for _, r := range rows {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func scan(t *testing.T, e storage.Engine, from int64) []storage.Row {
	t.Helper()
	var rows []storage.Row
	err := e.View(context.Background(), func(tx storage.Tx) error {
		return tx.ScanByEtag(from, func(r storage.Row) error {
			rows = append(rows, r)
			return nil
		})
	})
	require.NoError(t, err)
	return rows
}

func keys(rows []storage.Row) []string {
	var ks []string
	for _, r := range rows {
		ks = append(ks, r.Key)
	}
	return ks
}

func testPutGet(t *testing.T, e storage.Engine) {
	put(t, e, storage.Row{Key: "users/1", Collection: "users", Etag: 1, Value: []byte{1, 2, 3}})

	err := e.View(context.Background(), func(tx storage.Tx) error {
		assert.False(t, tx.Writable())
		r, err := tx.Get("users/1")
		require.NoError(t, err)
		assert.Equal(t, storage.Row{Key: "users/1", Collection: "users", Etag: 1, Value: []byte{1, 2, 3}}, r)

		_, err = tx.Get("users/2")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		last, err := tx.LastEtag()
		require.NoError(t, err)
		assert.EqualValues(t, 1, last)
		return nil
	})
	require.NoError(t, err)
}

func testEtagOrder(t *testing.T, e storage.Engine) {
	err := e.View(context.Background(), func(tx storage.Tx) error {
		last, err := tx.LastEtag()
		assert.EqualValues(t, 0, last)
		return err
	})
	require.NoError(t, err)

	// etags above 255 make sure the index compares numerically
	put(t, e,
		storage.Row{Key: "c", Collection: "x", Etag: 300, Value: []byte("c")},
		storage.Row{Key: "a", Collection: "x", Etag: 2, Value: []byte("a")},
		storage.Row{Key: "b", Collection: "y", Etag: 256, Value: []byte("b")},
	)
	assert.Equal(t, []string{"a", "b", "c"}, keys(scan(t, e, 0)))
	assert.Equal(t, []string{"b", "c"}, keys(scan(t, e, 256)))
	assert.Empty(t, scan(t, e, 301))
}

func testReindex(t *testing.T, e storage.Engine) {
	put(t, e,
		storage.Row{Key: "a", Collection: "x", Etag: 1, Value: []byte("a1")},
		storage.Row{Key: "b", Collection: "x", Etag: 2, Value: []byte("b")},
	)
	put(t, e, storage.Row{Key: "a", Collection: "z", Etag: 3, Value: []byte("a2")})

	rows := scan(t, e, 0)
	require.Len(t, rows, 2)
	assert.Equal(t, storage.Row{Key: "a", Collection: "z", Etag: 3, Value: []byte("a2")}, rows[1])

	err := e.View(context.Background(), func(tx storage.Tx) error {
		var got []string
		err := tx.ScanCollectionByEtag("x", 0, func(r storage.Row) error {
			got = append(got, r.Key)
			return nil
		})
		assert.Equal(t, []string{"b"}, got)
		return err
	})
	require.NoError(t, err)
}

func testDelete(t *testing.T, e storage.Engine) {
	put(t, e,
		storage.Row{Key: "a", Collection: "x", Etag: 1, Value: []byte("a")},
		storage.Row{Key: "b", Collection: "x", Etag: 2, Value: []byte("b")},
	)
	err := e.Update(context.Background(), func(tx storage.Tx) error {
		ok, err := tx.Delete("b")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.Delete("missing")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, keys(scan(t, e, 0)))
	err = e.View(context.Background(), func(tx storage.Tx) error {
		last, err := tx.LastEtag()
		assert.EqualValues(t, 1, last)
		return err
	})
	require.NoError(t, err)
}

func testCollectionScan(t *testing.T, e storage.Engine) {
	put(t, e,
		storage.Row{Key: "a", Collection: "users", Etag: 1, Value: []byte("a")},
		storage.Row{Key: "b", Collection: "orders", Etag: 2, Value: []byte("b")},
		storage.Row{Key: "c", Collection: "users", Etag: 3, Value: []byte("c")},
		// shares a prefix with "users"
		storage.Row{Key: "d", Collection: "users2", Etag: 4, Value: []byte("d")},
	)
	err := e.View(context.Background(), func(tx storage.Tx) error {
		var got []string
		err := tx.ScanCollectionByEtag("users", 2, func(r storage.Row) error {
			got = append(got, r.Key)
			return nil
		})
		assert.Equal(t, []string{"c"}, got)
		return err
	})
	require.NoError(t, err)
}

func testStopScan(t *testing.T, e storage.Engine) {
	put(t, e,
		storage.Row{Key: "a", Collection: "x", Etag: 1, Value: []byte("a")},
		storage.Row{Key: "b", Collection: "x", Etag: 2, Value: []byte("b")},
	)
	err := e.View(context.Background(), func(tx storage.Tx) error {
		n := 0
		err := tx.ScanByEtag(0, func(storage.Row) error {
			n++
			return storage.ErrStopScan
		})
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)
}

func testReadOnly(t *testing.T, e storage.Engine) {
	err := e.View(context.Background(), func(tx storage.Tx) error {
		return tx.Put(storage.Row{Key: "a", Collection: "x", Etag: 1})
	})
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	err = e.Update(context.Background(), func(tx storage.Tx) error {
		return tx.Put(storage.Row{Key: "", Collection: "x", Etag: 1})
	})
	assert.Error(t, err)
}

func testMeta(t *testing.T, e storage.Engine) {
	err := e.Update(context.Background(), func(tx storage.Tx) error {
		return tx.SetMeta("instance-id", []byte("abc"))
	})
	require.NoError(t, err)
	err = e.View(context.Background(), func(tx storage.Tx) error {
		v, err := tx.GetMeta("instance-id")
		assert.Equal(t, []byte("abc"), v)
		_, missing := tx.GetMeta("other")
		assert.ErrorIs(t, missing, storage.ErrNotFound)
		return err
	})
	require.NoError(t, err)
	// meta rows never show up in the change feed
	assert.Empty(t, scan(t, e, 0))
}

func testOnCommit(t *testing.T, e storage.Engine) {
	committed := false
	err := e.Update(context.Background(), func(tx storage.Tx) error {
		tx.OnCommit(func() { committed = true })
		assert.False(t, committed)
		return tx.Put(storage.Row{Key: "a", Collection: "x", Etag: 1, Value: []byte("a")})
	})
	require.NoError(t, err)
	assert.True(t, committed)
}

func testRollback(t *testing.T, e storage.Engine) {
	called := false
	err := e.Update(context.Background(), func(tx storage.Tx) error {
		tx.OnCommit(func() { called = true })
		if err := tx.Put(storage.Row{Key: "a", Collection: "x", Etag: 1, Value: []byte("a")}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, called)
	assert.Empty(t, scan(t, e, 0))
}
