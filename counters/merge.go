package counters

import (
	"sort"

	"dragoncounters/cd"
	"dragoncounters/causal"
	"dragoncounters/slots"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ConflictPolicyBlobWins is how a live value and a tombstone that are
// causally concurrent are reconciled: the live value survives and the
// delete is dropped.
const ConflictPolicyBlobWins = "blob-wins"

// ConflictStatus is the causal relation of a live value to a tombstone.
type ConflictStatus int

const (
	// AlreadyMerged: neither side has a clock the other lacks.
	AlreadyMerged ConflictStatus = iota
	// BlobWins: the live value has seen writes the tombstone has not,
	// and the tombstone nothing beyond the live value.
	BlobWins
	// TombstoneWins: the delete observed everything in the live value
	// and more.
	TombstoneWins
	Conflict
)

func (c ConflictStatus) String() string {
	switch c {
	case AlreadyMerged:
		return "already_merged"
	case BlobWins:
		return "blob_wins"
	case TombstoneWins:
		return "tombstone_wins"
	}
	return "conflict"
}

// Classify compares the clocks of a live slot array, whose slot indices
// resolve through reg, against a tombstone, over the union of the sources
// either side mentions. A source missing on one side counts as clock 0.
func Classify(blob slots.Array, reg *slots.Registry, tomb causal.Vector) ConflictStatus {
	blobGreater, tombGreater := false, false
	for _, sl := range blob.Slots() {
		src, ok := reg.ID(sl.Index)
		if !ok {
			continue
		}
		if t := tomb.Get(src); sl.Clock > t {
			blobGreater = true
		} else if sl.Clock < t {
			tombGreater = true
		}
	}
	for _, e := range tomb {
		var c int64
		if i, ok := reg.Lookup(e.Source); ok {
			c = blob.At(i).Clock
		}
		if e.Clock > c {
			tombGreater = true
		}
	}
	switch {
	case blobGreater && tombGreater:
		return Conflict
	case tombGreater:
		return TombstoneWins
	case blobGreater:
		return BlobWins
	}
	return AlreadyMerged
}

// incomingCounter is a validated counter of a replicated record.
type incomingCounter struct {
	live slots.Array
	tomb causal.Vector
	kind cd.Kind
}

func parseIncoming(name string, v cd.CounterValue, inReg *slots.Registry, bad map[int]error) (incomingCounter, error) {
	if err := ValidateName(name); err != nil {
		return incomingCounter{}, malformed(name, err)
	}
	switch v.Kind {
	case cd.KindLive:
		if v.Tombstone != "" {
			return incomingCounter{}, malformed(name, errors.New("live value carries a tombstone"))
		}
		arr, err := slots.FromBytes(v.Slots)
		if err != nil {
			return incomingCounter{}, malformed(name, err)
		}
		for _, sl := range arr.Slots() {
			if sl.Empty() {
				continue
			}
			if _, ok := inReg.ID(sl.Index); !ok {
				return incomingCounter{}, malformed(name, errors.Newf("slot %d has no source", sl.Index))
			}
			if err := bad[sl.Index]; err != nil {
				return incomingCounter{}, malformed(name, errors.Wrapf(err, "slot %d", sl.Index))
			}
		}
		return incomingCounter{live: arr, kind: cd.KindLive}, nil
	case cd.KindTombstone:
		if len(v.Slots) != 0 {
			return incomingCounter{}, malformed(name, errors.New("tombstone carries slots"))
		}
		tomb, err := causal.Parse(v.Tombstone)
		if err != nil {
			return incomingCounter{}, malformed(name, err)
		}
		if len(tomb) == 0 {
			return incomingCounter{}, malformed(name, errors.New("empty tombstone"))
		}
		if err := validateVector(tomb); err != nil {
			return incomingCounter{}, malformed(name, err)
		}
		return incomingCounter{tomb: tomb, kind: cd.KindTombstone}, nil
	}
	return incomingCounter{}, malformed(name, errors.Newf("unknown kind %d", v.Kind))
}

// badSources maps the index of every unusable incoming source id to the
// reason: ids that fail ValidateSourceID and repeats of an earlier id.
func badSources(ids []string) map[int]error {
	var bad map[int]error
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		err := ValidateSourceID(id)
		if _, dup := seen[id]; dup && err == nil {
			err = errors.Newf("duplicate source id %q", id)
		}
		seen[id] = struct{}{}
		if err != nil {
			if bad == nil {
				bad = make(map[int]error)
			}
			bad[i] = err
		}
	}
	return bad
}

func validateVector(v causal.Vector) error {
	for _, e := range v {
		if err := ValidateSourceID(e.Source); err != nil {
			return err
		}
	}
	return nil
}

// reindex moves the slots of a foreign array into the local registry.
// Slots whose index the foreign registry cannot resolve contribute nothing.
func reindex(in slots.Array, inReg, reg *slots.Registry) slots.Array {
	var out slots.Array
	for _, sl := range in.Slots() {
		src, ok := inReg.ID(sl.Index)
		if !ok || sl.Empty() {
			continue
		}
		out.Set(reg.IndexOf(src), sl.Value, sl.Clock)
	}
	return out
}

// ApplyReplicatedCounters merges a record received from another replica
// into the local one. The whole record is skipped when changeVector is
// already included in the local change vector. It reports whether the
// local record changed. incoming is never modified.
//
// Counters that cannot be decoded, or whose slots or tombstone refer to a
// malformed or repeated source id, are skipped and counted as malformed.
func (s *Storage) ApplyReplicatedCounters(tx storage.Tx, docID, collection, changeVector string, incoming *cd.GroupRecord) (bool, error) {
	if err := checkWritable(tx, "ApplyReplicatedCounters"); err != nil {
		return false, err
	}
	if incoming == nil {
		return false, errors.AssertionFailedf("ApplyReplicatedCounters called without a record")
	}
	incoming = incoming.Clone()
	if changeVector == "" {
		changeVector = incoming.ChangeVector
	}
	if collection == "" {
		collection = incoming.Collection
	}
	inCV, err := causal.Parse(changeVector)
	if err == nil {
		err = validateVector(inCV)
	}
	if err != nil {
		// the counters can still be merged one by one
		s.log.Warn("ignoring malformed change vector", zap.String("doc", docID), zap.Error(err))
		inCV = nil
	}

	rec, err := s.load(tx, docID)
	if err != nil {
		return false, err
	}
	var localCV causal.Vector
	if rec == nil {
		rec = newRecord(docID, collection)
	} else {
		if localCV, err = localVector(rec); err != nil {
			return false, err
		}
		if len(inCV) > 0 && localCV.Includes(inCV) {
			s.m.Merges.WithLabelValues("record_included").Inc()
			return false, nil
		}
	}
	before := liveNames(rec)
	reg := slots.NewRegistry(rec.SourceIDs)
	inReg := slots.NewRegistry(incoming.SourceIDs)
	bad := badSources(incoming.SourceIDs)
	for i, err := range bad {
		s.log.Warn("unusable replicated source id",
			zap.String("doc", docID), zap.Int("index", i), zap.Error(err))
	}

	names := make([]string, 0, len(incoming.Counters))
	for name := range incoming.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var changed []Notification
	for _, name := range names {
		in, err := parseIncoming(name, incoming.Counters[name], inReg, bad)
		if err != nil {
			s.m.Malformed.Inc()
			s.log.Warn("skipping malformed replicated counter",
				zap.String("doc", docID), zap.String("counter", name), zap.Error(err))
			continue
		}
		n, ok, err := s.mergeCounter(rec, reg, inReg, docID, name, in)
		if err != nil {
			return false, err
		}
		if ok {
			n.DocID, n.Collection, n.Counter = docID, collection, name
			changed = append(changed, n)
		}
	}
	if len(changed) == 0 {
		return false, nil
	}

	rec.Collection = collection
	rec.SourceIDs = reg.IDs()
	etag, err := s.save(tx, rec, causal.Merge(localCV, inCV), nil)
	if err != nil {
		return false, err
	}
	if _, err := s.syncMetadata(tx, rec, docID, before); err != nil {
		return false, err
	}
	for i := range changed {
		changed[i].Etag = etag
	}
	s.notify(tx, changed...)
	return true, nil
}

// mergeCounter applies one incoming counter to rec. It returns the
// notification describing the net effect and whether anything changed.
func (s *Storage) mergeCounter(rec *cd.GroupRecord, reg, inReg *slots.Registry, docID, name string, in incomingCounter) (Notification, bool, error) {
	cur, exists := rec.Counters[name]
	outcome := "already_merged"
	defer func() { s.m.Merges.WithLabelValues(outcome).Inc() }()

	switch {
	case !exists && in.kind == cd.KindLive:
		outcome = "adopted"
		return s.adopt(rec, reg, inReg, docID, name, in.live)

	case !exists:
		outcome = "tombstone_stored"
		rec.Counters[name] = cd.CounterValue{Kind: cd.KindTombstone, Tombstone: in.tomb.String()}
		return Notification{Kind: ChangeDelete}, true, nil

	case cur.IsTombstone() && in.kind == cd.KindTombstone:
		local, err := causal.Parse(cur.Tombstone)
		if err != nil {
			return Notification{}, false, errors.Mark(errors.Wrapf(err, "record %q counter %q", rec.Key, name), cd.ErrCorruptRecord)
		}
		merged := causal.Merge(local, in.tomb)
		if causal.Compare(merged, local) == causal.Equal {
			return Notification{}, false, nil
		}
		outcome = "tombstone_union"
		rec.Counters[name] = cd.CounterValue{Kind: cd.KindTombstone, Tombstone: merged.String()}
		return Notification{Kind: ChangeDelete}, true, nil

	case cur.IsTombstone():
		local, err := causal.Parse(cur.Tombstone)
		if err != nil {
			return Notification{}, false, errors.Mark(errors.Wrapf(err, "record %q counter %q", rec.Key, name), cd.ErrCorruptRecord)
		}
		switch Classify(in.live, inReg, local) {
		case AlreadyMerged, TombstoneWins:
			outcome = "stale_live"
			return Notification{}, false, nil
		case Conflict:
			s.log.Debug("live value concurrent with tombstone",
				zap.String("doc", docID), zap.String("counter", name), zap.String("policy", ConflictPolicyBlobWins))
			outcome = "conflict_revived"
		default:
			outcome = "revived"
		}
		return s.adopt(rec, reg, inReg, docID, name, in.live)

	case in.kind == cd.KindTombstone:
		arr, err := localLive(rec, name)
		if err != nil {
			return Notification{}, false, err
		}
		switch Classify(arr, reg, in.tomb) {
		case TombstoneWins:
			outcome = "delete_wins"
			rec.Counters[name] = cd.CounterValue{Kind: cd.KindTombstone, Tombstone: in.tomb.String()}
			return Notification{Kind: ChangeDelete}, true, nil
		case Conflict:
			s.log.Debug("tombstone concurrent with live value",
				zap.String("doc", docID), zap.String("counter", name), zap.String("policy", ConflictPolicyBlobWins))
			outcome = "conflict_kept_live"
		default:
			outcome = "stale_delete"
		}
		return Notification{}, false, nil
	}

	arr, err := localLive(rec, name)
	if err != nil {
		return Notification{}, false, err
	}
	grew := false
	for _, sl := range in.live.Slots() {
		src, ok := inReg.ID(sl.Index)
		if !ok || sl.Empty() {
			continue
		}
		i := reg.IndexOf(src)
		// ties keep the local slot
		if sl.Clock > arr.At(i).Clock {
			arr.Set(i, sl.Value, sl.Clock)
			grew = true
		}
	}
	if !grew {
		return Notification{}, false, nil
	}
	outcome = "merged"
	rec.Counters[name] = cd.CounterValue{Kind: cd.KindLive, Slots: arr.Bytes()}
	return Notification{Kind: ChangeIncrement, Value: s.resolved(docID, name, arr)}, true, nil
}

func (s *Storage) adopt(rec *cd.GroupRecord, reg, inReg *slots.Registry, docID, name string, live slots.Array) (Notification, bool, error) {
	arr := reindex(live, inReg, reg)
	rec.Counters[name] = cd.CounterValue{Kind: cd.KindLive, Slots: arr.Bytes()}
	return Notification{Kind: ChangePut, Value: s.resolved(docID, name, arr)}, true, nil
}

// resolved is the notified value of a merged counter. Merges are never
// rejected for overflow, the reader reports it instead.
func (s *Storage) resolved(docID, name string, arr slots.Array) int64 {
	v, ok := arr.Sum()
	if !ok {
		s.log.Warn("merged counter overflows int64", zap.String("doc", docID), zap.String("counter", name))
	}
	return v
}
