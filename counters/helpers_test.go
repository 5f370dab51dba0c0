package counters

import (
	"context"
	"testing"

	"dragoncounters/cd"
	"dragoncounters/storage"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type replica struct {
	t      *testing.T
	engine storage.Engine
	s      *Storage
	notes  []Notification
}

func newReplica(t *testing.T, tag string) *replica {
	t.Helper()
	engine, err := storage.OpenPebble(storage.PebbleOptions{Path: "counters.db", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return openReplica(t, engine, tag)
}

func openReplica(t *testing.T, engine storage.Engine, tag string) *replica {
	t.Helper()
	r := &replica{t: t, engine: engine}
	s, err := Open(context.Background(), engine, Options{
		NodeTag:  tag,
		Logger:   zaptest.NewLogger(t),
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		OnChange: func(n Notification) { r.notes = append(r.notes, n) },
	})
	require.NoError(t, err)
	r.s = s
	return r
}

func (r *replica) update(fn func(tx storage.Tx) error) {
	r.t.Helper()
	require.NoError(r.t, r.engine.Update(context.Background(), fn))
}

func (r *replica) view(fn func(tx storage.Tx) error) {
	r.t.Helper()
	require.NoError(r.t, r.engine.View(context.Background(), fn))
}

func (r *replica) incr(doc, name string, delta int64) Result {
	r.t.Helper()
	var res Result
	r.update(func(tx storage.Tx) (err error) {
		res, err = r.s.IncrementCounter(tx, doc, "users", name, delta)
		return err
	})
	return res
}

func (r *replica) put(doc, name string, value int64) Result {
	r.t.Helper()
	var res Result
	r.update(func(tx storage.Tx) (err error) {
		res, err = r.s.PutCounter(tx, doc, "users", name, value)
		return err
	})
	return res
}

func (r *replica) del(doc, name string) bool {
	r.t.Helper()
	var ok bool
	r.update(func(tx storage.Tx) (err error) {
		ok, err = r.s.DeleteCounter(tx, doc, "users", name)
		return err
	})
	return ok
}

// value returns the resolved value, false for absent or deleted counters.
func (r *replica) value(doc, name string) (int64, bool) {
	r.t.Helper()
	var v int64
	var ok bool
	r.view(func(tx storage.Tx) (err error) {
		v, ok, err = r.s.ResolvedValue(tx, doc, name)
		return err
	})
	return v, ok
}

func (r *replica) record(doc string) *cd.GroupRecord {
	r.t.Helper()
	var rec *cd.GroupRecord
	r.view(func(tx storage.Tx) (err error) {
		rec, err = r.s.GetRecord(tx, doc)
		return err
	})
	return rec
}

func (r *replica) apply(rec *cd.GroupRecord) bool {
	r.t.Helper()
	var changed bool
	r.update(func(tx storage.Tx) (err error) {
		changed, err = r.s.ApplyReplicatedCounters(tx, rec.Key, rec.Collection, rec.ChangeVector, rec)
		return err
	})
	return changed
}

// pull merges from's record of doc into r.
func (r *replica) pull(from *replica, doc string) bool {
	r.t.Helper()
	rec := from.record(doc)
	if rec == nil {
		return false
	}
	return r.apply(rec)
}
