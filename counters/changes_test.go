package counters

import (
	"testing"

	"dragoncounters/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeFeed(t *testing.T) {
	r := newReplica(t, "A")
	r.update(func(tx storage.Tx) error {
		for _, w := range []struct{ doc, coll string }{
			{"users/1", "users"},
			{"orders/1", "orders"},
			{"users/2", "users"},
			{"users/3", "users"},
		} {
			if _, err := r.s.IncrementCounter(tx, w.doc, w.coll, "n", 1); err != nil {
				return err
			}
		}
		return nil
	})
	// moves users/1 to the end of the feed
	r.incr("users/1", "n", 1)

	r.view(func(tx storage.Tx) error {
		var ids []string
		var etags []int64
		err := r.s.ChangesFrom(tx, 0, func(c Change) error {
			ids = append(ids, c.ID)
			etags = append(etags, c.Etag)
			assert.Equal(t, c.Etag, c.Counters.Etag)
			assert.Equal(t, c.ChangeVector, c.Counters.ChangeVector)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"orders/1", "users/2", "users/3", "users/1"}, ids)
		assert.IsIncreasing(t, etags)

		// inclusive of the starting etag
		var from []string
		err = r.s.ChangesFrom(tx, etags[2], func(c Change) error {
			from = append(from, c.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"users/3", "users/1"}, from)

		n := 0
		err = r.s.ChangesFrom(tx, 0, func(Change) error {
			n++
			return storage.ErrStopScan
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		page, err := r.s.ChangesFromCollection(tx, "users", 0, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "users/3", page[0].ID)
		assert.Equal(t, "users", page[0].Collection)

		page, err = r.s.ChangesFromCollection(tx, "users", 0, 0, 10)
		require.NoError(t, err)
		assert.Len(t, page, 3)

		page, err = r.s.ChangesFromCollection(tx, "users", 0, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, page)

		toProcess, total, err := r.s.CountBetween(tx, "users", etags[1])
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		assert.EqualValues(t, 2, toProcess)

		toProcess, total, err = r.s.CountBetween(tx, "missing", 0)
		assert.Zero(t, toProcess)
		assert.Zero(t, total)
		return err
	})
}

func TestChangeFeedFeedsReplication(t *testing.T) {
	a, b := newReplica(t, "A"), newReplica(t, "B")
	a.incr("users/1", "x", 1)
	a.incr("users/2", "y", 2)
	a.del("users/2", "y")

	var changes []Change
	a.view(func(tx storage.Tx) error {
		return a.s.ChangesFrom(tx, 0, func(c Change) error {
			changes = append(changes, c)
			return nil
		})
	})
	b.update(func(tx storage.Tx) error {
		for _, c := range changes {
			if _, err := b.s.ApplyReplicatedCounters(tx, c.ID, c.Collection, c.ChangeVector, c.Counters); err != nil {
				return err
			}
		}
		return nil
	})
	v, ok := b.value("users/1", "x")
	assert.True(t, ok)
	assert.EqualValues(t, 1, v)
	_, ok = b.value("users/2", "y")
	assert.False(t, ok)
}
