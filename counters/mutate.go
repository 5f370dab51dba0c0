package counters

import (
	"strconv"

	"dragoncounters/cd"
	"dragoncounters/causal"
	"dragoncounters/slots"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
)

// Result describes a local Put or Increment.
type Result struct {
	// Exists is true when the local source already had a slot for the
	// counter before the write. PutCounter reports it the same way.
	Exists       bool
	Value        int64
	Etag         int64
	ChangeVector string
	// Names are the live counter names of the document after the write.
	Names []string
}

// IncrementCounter adds delta to the local source's contribution to name.
// A missing or deleted counter starts over at delta.
func (s *Storage) IncrementCounter(tx storage.Tx, docID, collection, name string, delta int64) (Result, error) {
	return s.mutate(tx, docID, collection, name, delta, false)
}

// PutCounter overrides the resolved value of name with value. The counter
// does not collapse into a single slot: the slots of other sources are kept
// and PerSourceValues still lists them, while the local slot is set to
// value minus their sum.
func (s *Storage) PutCounter(tx storage.Tx, docID, collection, name string, value int64) (Result, error) {
	return s.mutate(tx, docID, collection, name, value, true)
}

func (s *Storage) mutate(tx storage.Tx, docID, collection, name string, delta int64, override bool) (Result, error) {
	op, kind := "IncrementCounter", ChangeIncrement
	if override {
		op, kind = "PutCounter", ChangePut
	}
	if err := checkWritable(tx, op); err != nil {
		return Result{}, err
	}
	if err := ValidateName(name); err != nil {
		return Result{}, err
	}
	rec, err := s.load(tx, docID)
	if err != nil {
		return Result{}, err
	}
	if rec == nil {
		rec = newRecord(docID, collection)
	}
	rec.Collection = collection
	before := liveNames(rec)
	cv, err := localVector(rec)
	if err != nil {
		return Result{}, err
	}

	reg := slots.NewRegistry(rec.SourceIDs)
	local := reg.IndexOf(s.source)

	var arr slots.Array
	var exists bool
	slotValue := delta
	if cur, ok := rec.Counters[name]; ok && !cur.IsTombstone() {
		if arr, err = localLive(rec, name); err != nil {
			return Result{}, err
		}
		mine := arr.At(local)
		exists = mine.Clock != 0
		if override {
			others, ok := sumExcept(arr, local)
			if ok {
				slotValue, ok = slots.Sub(delta, others)
			}
			if !ok {
				return Result{}, s.overflow(docID, name, arr, local, "set "+strconv.FormatInt(delta, 10))
			}
		} else if exists {
			var ok bool
			if slotValue, ok = slots.Add(mine.Value, delta); !ok {
				return Result{}, s.overflow(docID, name, arr, local, strconv.FormatInt(delta, 10))
			}
		}
	}

	// clock is stamped once the etag is drawn, nothing is written before
	// the resolved value is known to fit
	next := arr.Clone()
	next.Set(local, slotValue, 0)
	value, ok := next.Sum()
	if !ok {
		return Result{}, s.overflow(docID, name, arr, local, strconv.FormatInt(delta, 10))
	}

	rec.SourceIDs = reg.IDs()
	etag, err := s.save(tx, rec, cv, func(etag int64) {
		next.Set(local, slotValue, etag)
		rec.Counters[name] = cd.CounterValue{Kind: cd.KindLive, Slots: next.Bytes()}
	})
	if err != nil {
		return Result{}, err
	}
	names, err := s.syncMetadata(tx, rec, docID, before)
	if err != nil {
		return Result{}, err
	}
	s.m.Mutations.WithLabelValues(kind.String()).Inc()
	s.notify(tx, Notification{DocID: docID, Collection: collection, Counter: name, Value: value, Kind: kind, Etag: etag})
	return Result{Exists: exists, Value: value, Etag: etag, ChangeVector: rec.ChangeVector, Names: names}, nil
}

func sumExcept(arr slots.Array, skip int) (int64, bool) {
	var total int64
	for _, sl := range arr.Slots() {
		if sl.Index == skip {
			continue
		}
		var ok bool
		if total, ok = slots.Add(total, sl.Value); !ok {
			return 0, false
		}
	}
	return total, true
}

// overflow reports the resolved value before the write, or the local
// slot when the resolved value itself does not fit.
func (s *Storage) overflow(docID, name string, arr slots.Array, local int, delta string) error {
	s.m.Overflows.Inc()
	value, ok := arr.Sum()
	if !ok {
		value = arr.At(local).Value
	}
	return &OverflowError{DocID: docID, Counter: name, Value: value, Delta: delta}
}

// DeleteCounter replaces a live counter with a tombstone. It reports false
// when the counter is absent or already deleted.
func (s *Storage) DeleteCounter(tx storage.Tx, docID, collection, name string) (bool, error) {
	if err := checkWritable(tx, "DeleteCounter"); err != nil {
		return false, err
	}
	rec, err := s.load(tx, docID)
	if err != nil || rec == nil {
		return false, err
	}
	cur, ok := rec.Counters[name]
	if !ok || cur.IsTombstone() {
		return false, nil
	}
	arr, err := localLive(rec, name)
	if err != nil {
		return false, err
	}
	cv, err := localVector(rec)
	if err != nil {
		return false, err
	}
	before := liveNames(rec)
	reg := slots.NewRegistry(rec.SourceIDs)
	// the local source gets a fresh clock, which puts the tombstone after
	// every local write of the counter
	reg.IndexOf(s.source)

	var tomb causal.Vector
	for _, sl := range arr.Slots() {
		src, known := reg.ID(sl.Index)
		if !known || sl.Clock == 0 || src == s.source {
			continue
		}
		tomb = tomb.With(src, sl.Clock)
	}

	rec.Collection = collection
	rec.SourceIDs = reg.IDs()
	etag, err := s.save(tx, rec, cv, func(etag int64) {
		rec.Counters[name] = cd.CounterValue{Kind: cd.KindTombstone, Tombstone: tomb.With(s.source, etag).String()}
	})
	if err != nil {
		return false, err
	}
	if _, err := s.syncMetadata(tx, rec, docID, before); err != nil {
		return false, err
	}
	s.m.Mutations.WithLabelValues(ChangeDelete.String()).Inc()
	s.notify(tx, Notification{DocID: docID, Collection: collection, Counter: name, Kind: ChangeDelete, Etag: etag})
	return true, nil
}

// DeleteAllCounters removes the whole record of a deleted document. No
// tombstones are kept; the document's own deletion replicates the absence.
func (s *Storage) DeleteAllCounters(tx storage.Tx, docID, collection string) (bool, error) {
	if err := checkWritable(tx, "DeleteAllCounters"); err != nil {
		return false, err
	}
	rec, err := s.load(tx, docID)
	if err != nil || rec == nil {
		return false, err
	}
	if _, err := tx.Delete(rec.Key); err != nil {
		return false, errors.Wrapf(err, "delete counters of %q", docID)
	}
	// removal has no record etag, draw one so watchers see progress
	etag, err := s.nextEtag(tx)
	if err != nil {
		return false, err
	}
	names := liveNames(rec)
	if s.opts.SyncMetadata != nil {
		if err := s.opts.SyncMetadata(tx, docID, collection, nil); err != nil {
			return false, errors.Wrapf(err, "sync metadata of %q", docID)
		}
	}
	n := make([]Notification, 0, len(names))
	for _, name := range names {
		n = append(n, Notification{DocID: docID, Collection: collection, Counter: name, Kind: ChangeDelete, Etag: etag})
	}
	s.m.Mutations.WithLabelValues("delete_all").Inc()
	s.notify(tx, n...)
	return true, nil
}
