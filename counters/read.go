package counters

import (
	"dragoncounters/cd"
	"dragoncounters/causal"
	"dragoncounters/slots"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
)

// SourceValue is one writer's contribution to a counter.
type SourceValue struct {
	Source string `json:"source"`
	Value  int64  `json:"value"`
	Clock  int64  `json:"clock"`
}

// live returns the slots of a live counter, false when it is absent or
// deleted.
func (s *Storage) live(tx storage.Tx, docID, name string) (*cd.GroupRecord, slots.Array, bool, error) {
	rec, err := s.load(tx, docID)
	if err != nil || rec == nil {
		return nil, slots.Array{}, false, err
	}
	v, ok := rec.Counters[name]
	if !ok || v.IsTombstone() {
		return nil, slots.Array{}, false, nil
	}
	arr, err := localLive(rec, name)
	if err != nil {
		return nil, slots.Array{}, false, err
	}
	return rec, arr, true, nil
}

// ResolvedValue is the sum of every source's contribution to name.
func (s *Storage) ResolvedValue(tx storage.Tx, docID, name string) (int64, bool, error) {
	_, arr, ok, err := s.live(tx, docID, name)
	if err != nil || !ok {
		return 0, false, err
	}
	v, fits := arr.Sum()
	if !fits {
		return 0, true, &OverflowError{DocID: docID, Counter: name}
	}
	return v, true, nil
}

// PerSourceValues lists the non-empty slots of name, in slot order.
func (s *Storage) PerSourceValues(tx storage.Tx, docID, name string) ([]SourceValue, bool, error) {
	rec, arr, ok, err := s.live(tx, docID, name)
	if err != nil || !ok {
		return nil, false, err
	}
	reg := slots.NewRegistry(rec.SourceIDs)
	var out []SourceValue
	for _, sl := range arr.Slots() {
		src, known := reg.ID(sl.Index)
		if !known || sl.Empty() {
			continue
		}
		out = append(out, SourceValue{Source: src, Value: sl.Value, Clock: sl.Clock})
	}
	return out, true, nil
}

// CounterNames lists the live counters of a document, sorted.
func (s *Storage) CounterNames(tx storage.Tx, docID string) ([]string, error) {
	rec, err := s.load(tx, docID)
	if err != nil {
		return nil, err
	}
	return liveNames(rec), nil
}

// GetRecord returns a private copy of the raw record, nil when the
// document has no counters.
func (s *Storage) GetRecord(tx storage.Tx, docID string) (*cd.GroupRecord, error) {
	return s.load(tx, docID)
}

// Tombstones returns the retained tombstones of a document by counter
// name. Tombstones are never collected.
func (s *Storage) Tombstones(tx storage.Tx, docID string) (map[string]causal.Vector, error) {
	rec, err := s.load(tx, docID)
	if err != nil || rec == nil {
		return nil, err
	}
	out := map[string]causal.Vector{}
	for name, v := range rec.Counters {
		if !v.IsTombstone() {
			continue
		}
		tomb, err := causal.Parse(v.Tombstone)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "record %q counter %q", rec.Key, name), cd.ErrCorruptRecord)
		}
		out[name] = tomb
	}
	return out, nil
}
