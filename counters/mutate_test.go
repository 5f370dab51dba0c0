package counters

import (
	"context"
	"math"
	"testing"

	"dragoncounters/causal"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementSum(t *testing.T) {
	r := newReplica(t, "A")

	var want int64
	for i := int64(1); i <= 10; i++ {
		res := r.incr("users/1", "hits", i)
		want += i
		assert.Equal(t, i > 1, res.Exists)
		assert.Equal(t, want, res.Value)
		assert.Equal(t, []string{"hits"}, res.Names)
	}
	v, ok := r.value("users/1", "hits")
	require.True(t, ok)
	assert.EqualValues(t, 55, v)

	// document ids are case insensitive
	v, ok = r.value("USERS/1", "hits")
	require.True(t, ok)
	assert.EqualValues(t, 55, v)

	_, ok = r.value("users/1", "Hits")
	assert.False(t, ok, "counter names are case sensitive")
}

func TestEtagIsTheClock(t *testing.T) {
	r := newReplica(t, "A")
	first := r.incr("users/1", "a", 1)
	second := r.incr("users/1", "b", 1)
	assert.Greater(t, second.Etag, first.Etag)

	rec := r.record("users/1")
	assert.Equal(t, second.Etag, rec.Etag)
	assert.Equal(t, causal.Vector{{Source: r.s.Source(), Clock: second.Etag}}, causal.MustParse(rec.ChangeVector))

	r.view(func(tx storage.Tx) error {
		vals, ok, err := r.s.PerSourceValues(tx, "users/1", "a")
		require.True(t, ok)
		assert.Equal(t, []SourceValue{{Source: r.s.Source(), Value: 1, Clock: first.Etag}}, vals)
		return err
	})
}

func TestOverflow(t *testing.T) {
	r := newReplica(t, "A")
	r.incr("users/1", "hits", math.MaxInt64)
	before := r.record("users/1")

	err := r.engine.Update(context.Background(), func(tx storage.Tx) error {
		_, err := r.s.IncrementCounter(tx, "users/1", "users", "hits", 1)
		return err
	})
	require.ErrorIs(t, err, ErrOverflow)
	var oe *OverflowError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "users/1", oe.DocID)
	assert.Equal(t, "hits", oe.Counter)
	assert.EqualValues(t, math.MaxInt64, oe.Value)
	assert.Equal(t, "1", oe.Delta)

	v, ok := r.value("users/1", "hits")
	require.True(t, ok)
	assert.EqualValues(t, math.MaxInt64, v)
	assert.Equal(t, before, r.record("users/1"))
}

func TestOverflowAcrossSources(t *testing.T) {
	a, b := newReplica(t, "A"), newReplica(t, "B")
	a.incr("users/1", "hits", math.MaxInt64)
	b.pull(a, "users/1")

	// B's own slot fits, the resolved value does not
	err := b.engine.Update(context.Background(), func(tx storage.Tx) error {
		_, err := b.s.IncrementCounter(tx, "users/1", "users", "hits", 1)
		return err
	})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestPreconditions(t *testing.T) {
	r := newReplica(t, "A")

	_, err := r.s.IncrementCounter(nil, "users/1", "users", "hits", 1)
	assert.True(t, errors.IsAssertionFailure(err))

	err = r.engine.View(context.Background(), func(tx storage.Tx) error {
		_, err := r.s.PutCounter(tx, "users/1", "users", "hits", 1)
		return err
	})
	assert.True(t, errors.IsAssertionFailure(err))

	err = r.engine.View(context.Background(), func(tx storage.Tx) error {
		_, err := r.s.DeleteCounter(tx, "users/1", "users", "hits")
		return err
	})
	assert.True(t, errors.IsAssertionFailure(err))
	assert.Nil(t, r.record("users/1"))

	err = r.engine.Update(context.Background(), func(tx storage.Tx) error {
		_, err := r.s.IncrementCounter(tx, "users/1", "users", "", 1)
		return err
	})
	assert.Error(t, err)
}

func TestPutOverridesEveryContribution(t *testing.T) {
	a, b := newReplica(t, "A"), newReplica(t, "B")
	a.incr("users/1", "score", 10)
	b.pull(a, "users/1")
	b.incr("users/1", "score", 5)
	a.pull(b, "users/1")
	stale := b.record("users/1")

	res := a.put("users/1", "score", 0)
	assert.True(t, res.Exists)
	assert.EqualValues(t, 0, res.Value)

	// B's slot stays, the local slot offsets it
	a.view(func(tx storage.Tx) error {
		vals, ok, err := a.s.PerSourceValues(tx, "users/1", "score")
		assert.True(t, ok)
		got := map[string]int64{}
		for _, v := range vals {
			got[v.Source] = v.Value
		}
		assert.Equal(t, map[string]int64{a.s.Source(): -5, b.s.Source(): 5}, got)
		return err
	})

	// an old copy of B's state does not bring the overridden value back
	assert.False(t, a.apply(stale))
	v, _ := a.value("users/1", "score")
	assert.EqualValues(t, 0, v)

	b.pull(a, "users/1")
	v, _ = b.value("users/1", "score")
	assert.EqualValues(t, 0, v)

	// writes after the override count on top of it
	b.incr("users/1", "score", 1)
	a.pull(b, "users/1")
	va, _ := a.value("users/1", "score")
	vb, _ := b.value("users/1", "score")
	assert.EqualValues(t, 1, va)
	assert.EqualValues(t, 1, vb)
}

func TestPutFresh(t *testing.T) {
	r := newReplica(t, "A")
	res := r.put("users/1", "score", 42)
	assert.False(t, res.Exists)
	assert.EqualValues(t, 42, res.Value)
	res = r.put("users/1", "score", -7)
	assert.True(t, res.Exists)
	assert.EqualValues(t, -7, res.Value)
}

func TestDelete(t *testing.T) {
	a, b := newReplica(t, "A"), newReplica(t, "B")
	b.incr("users/1", "score", 3)
	a.pull(b, "users/1")
	a.incr("users/1", "score", 4)
	before := a.record("users/1")

	assert.True(t, a.del("users/1", "score"))
	assert.False(t, a.del("users/1", "score"), "already deleted")
	assert.False(t, a.del("users/1", "missing"))
	assert.False(t, a.del("users/2", "score"))

	_, ok := a.value("users/1", "score")
	assert.False(t, ok)

	rec := a.record("users/1")
	tomb := causal.MustParse(rec.Counters["score"].Tombstone)
	require.Len(t, tomb, 2)
	assert.Equal(t, causal.MustParse(before.ChangeVector).Get(b.s.Source()), tomb.Get(b.s.Source()))
	// the deleting source carries the delete's own etag
	assert.Equal(t, rec.Etag, tomb.Get(a.s.Source()))
	assert.Greater(t, tomb.Get(a.s.Source()), causal.MustParse(before.ChangeVector).Get(a.s.Source()))

	a.view(func(tx storage.Tx) error {
		names, err := a.s.CounterNames(tx, "users/1")
		assert.Empty(t, names)
		tombs, terr := a.s.Tombstones(tx, "users/1")
		assert.Equal(t, map[string]causal.Vector{"score": tomb}, tombs)
		require.NoError(t, terr)
		return err
	})

	// increments after a delete start over
	res := a.incr("users/1", "score", 2)
	assert.False(t, res.Exists)
	assert.EqualValues(t, 2, res.Value)
}

func TestDeleteOmitsGapSlots(t *testing.T) {
	a, b := newReplica(t, "A"), newReplica(t, "B")
	// A's registry learns B through "other", "score" has a gap at B's index
	b.incr("users/1", "other", 1)
	a.pull(b, "users/1")
	a.incr("users/1", "score", 1)
	a.del("users/1", "score")

	tomb := causal.MustParse(a.record("users/1").Counters["score"].Tombstone)
	assert.Equal(t, int64(0), tomb.Get(b.s.Source()))
	assert.Len(t, tomb, 1)
}

func TestDeleteAllCounters(t *testing.T) {
	r := newReplica(t, "A")
	var synced [][]string
	r.s.opts.SyncMetadata = func(tx storage.Tx, docID, collection string, names []string) error {
		synced = append(synced, names)
		return nil
	}
	r.incr("users/1", "a", 1)
	r.incr("users/1", "b", 1)
	last := r.s.LastEtag()

	r.update(func(tx storage.Tx) error {
		ok, err := r.s.DeleteAllCounters(tx, "users/1", "users")
		assert.True(t, ok)
		return err
	})
	assert.Nil(t, r.record("users/1"))
	assert.Equal(t, [][]string{{"a"}, {"a", "b"}, nil}, synced)
	require.Len(t, r.notes, 4)
	assert.Equal(t, ChangeDelete, r.notes[3].Kind)

	r.update(func(tx storage.Tx) error {
		ok, err := r.s.DeleteAllCounters(tx, "users/1", "users")
		assert.False(t, ok)
		return err
	})

	r.view(func(tx storage.Tx) error {
		n := 0
		err := r.s.ChangesFrom(tx, 0, func(Change) error {
			n++
			return nil
		})
		assert.Zero(t, n)
		return err
	})

	// etags handed out to the removed record are never reused
	reopened := openReplica(t, r.engine, "A")
	assert.Equal(t, r.s.Source(), reopened.s.Source())
	assert.Greater(t, reopened.s.LastEtag(), last)
}

func TestNotificationsAfterCommit(t *testing.T) {
	r := newReplica(t, "A")
	err := r.engine.Update(context.Background(), func(tx storage.Tx) error {
		if _, err := r.s.IncrementCounter(tx, "users/1", "users", "hits", 1); err != nil {
			return err
		}
		assert.Empty(t, r.notes)
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Empty(t, r.notes)
	assert.Nil(t, r.record("users/1"))

	res := r.incr("users/1", "hits", 2)
	r.del("users/1", "hits")
	require.Len(t, r.notes, 2)
	assert.Equal(t, Notification{DocID: "users/1", Collection: "users", Counter: "hits", Value: 2, Kind: ChangeIncrement, Etag: res.Etag}, r.notes[0])
	assert.Equal(t, ChangeDelete, r.notes[1].Kind)
}

func TestSyncMetadataOnNameChanges(t *testing.T) {
	r := newReplica(t, "A")
	var calls []string
	r.s.opts.SyncMetadata = func(tx storage.Tx, docID, collection string, names []string) error {
		assert.True(t, tx.Writable())
		calls = append(calls, docID+"="+joinNames(names))
		return nil
	}
	r.incr("users/1", "a", 1)
	r.incr("users/1", "a", 1) // no name change
	r.incr("users/1", "b", 1)
	r.del("users/1", "a")
	assert.Equal(t, []string{"users/1=a", "users/1=a,b", "users/1=b"}, calls)
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

func TestOpenValidatesNodeTag(t *testing.T) {
	engine, err := storage.OpenPebble(storage.PebbleOptions{Path: "x", FS: vfs.NewMem()})
	require.NoError(t, err)
	defer engine.Close()
	for _, tag := range []string{"", "a:b", "a b", "a,b"} {
		_, err := Open(context.Background(), engine, Options{NodeTag: tag})
		assert.Error(t, err, tag)
	}
}
