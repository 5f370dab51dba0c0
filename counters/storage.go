// Package counters keeps multi-writer replicated counters inside a
// storage.Engine table.
//
// Every document with at least one counter owns one cd.GroupRecord. A live
// counter is a packed slot array with one (value, clock) slot per writer
// source, a deleted counter is a causal stamp tombstone. Local writes
// touch the local source's slot only; replicated records are merged per
// counter so that every replica converges to the same state regardless of
// the order or repetition of merges.
//
// The node etag is the logical clock. Each write of a record draws one
// fresh etag, which becomes the record etag, the clock of the mutated
// slots and the local component of the record change vector.
//
// All operations run inside a caller supplied storage.Tx and never block.
package counters

import (
	"context"
	"encoding/binary"
	"regexp"
	"sort"
	"strings"
	"sync"

	"dragoncounters/cd"
	"dragoncounters/causal"
	"dragoncounters/slots"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	metaInstanceID = "instance-id"
	metaLastEtag   = "last-etag"
)

var (
	nodeTagRe  = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	sourceIDRe = regexp.MustCompile(`^[A-Za-z0-9]+:[^\s,:]+$`)
)

// ChangeKind describes the net effect of a write on one counter.
type ChangeKind uint8

const (
	ChangeIncrement ChangeKind = iota + 1
	ChangePut
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeIncrement:
		return "increment"
	case ChangePut:
		return "put"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// Notification is emitted once per changed counter after the transaction
// that changed it committed.
type Notification struct {
	DocID      string
	Collection string
	Counter    string
	Value      int64
	Kind       ChangeKind
	Etag       int64
}

type Options struct {
	// NodeTag identifies the node, [A-Za-z0-9]+.
	NodeTag string
	Logger  *zap.Logger
	Metrics *Metrics
	// OnChange receives notifications after commit.
	OnChange func(Notification)
	// SyncMetadata runs inside the write transaction whenever the set of
	// live counter names of a document changes. names is nil when the
	// document lost its counters entirely.
	SyncMetadata func(tx storage.Tx, docID, collection string, names []string) error
}

// Storage is the counter store of one engine. It is safe for concurrent
// use; writes are serialised by the engine.
type Storage struct {
	opts   Options
	log    *zap.Logger
	m      *Metrics
	source string

	mu       sync.Mutex
	lastEtag int64
}

// Open loads (or creates) the store instance id and the etag high-water
// mark of engine.
func Open(ctx context.Context, engine storage.Engine, opts Options) (*Storage, error) {
	if !nodeTagRe.MatchString(opts.NodeTag) {
		return nil, errors.Newf("node tag %q must match %s", opts.NodeTag, nodeTagRe)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	s := &Storage{opts: opts, log: opts.Logger, m: opts.Metrics}

	err := engine.Update(ctx, func(tx storage.Tx) error {
		id, err := tx.GetMeta(metaInstanceID)
		if errors.Is(err, storage.ErrNotFound) {
			id = []byte(uuid.NewString())
			err = tx.SetMeta(metaInstanceID, id)
		}
		if err != nil {
			return errors.Wrap(err, "instance id")
		}
		s.source = opts.NodeTag + ":" + string(id)
		if err := ValidateSourceID(s.source); err != nil {
			return errors.Wrap(err, "instance id")
		}

		last, err := tx.LastEtag()
		if err != nil {
			return errors.Wrap(err, "last etag")
		}
		// records may have been removed by bulk delete, the meta row
		// remembers etags handed out to them
		b, err := tx.GetMeta(metaLastEtag)
		switch {
		case err == nil && len(b) == 8:
			if stored := int64(binary.BigEndian.Uint64(b)); stored > last {
				last = stored
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return errors.Wrap(err, "last etag")
		}
		s.lastEtag = last
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("counter storage opened", zap.String("source", s.source), zap.Int64("lastEtag", s.lastEtag))
	return s, nil
}

// Source is the identifier of this store as a writer, <nodeTag>:<instanceId>.
func (s *Storage) Source() string {
	return s.source
}

// LastEtag is the most recently handed out etag.
func (s *Storage) LastEtag() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEtag
}

func (s *Storage) nextEtag(tx storage.Tx) (int64, error) {
	s.mu.Lock()
	s.lastEtag++
	etag := s.lastEtag
	s.mu.Unlock()
	return etag, tx.SetMeta(metaLastEtag, binary.BigEndian.AppendUint64(nil, uint64(etag)))
}

func checkWritable(tx storage.Tx, op string) error {
	if tx == nil {
		return errors.AssertionFailedf("%s called without a transaction", op)
	}
	if !tx.Writable() {
		return errors.AssertionFailedf("%s called with a read-only transaction", op)
	}
	return nil
}

// DocKey normalises a document id into the table key.
func DocKey(docID string) string {
	return strings.ToLower(docID)
}

// ValidateName checks a counter name. Names are case sensitive.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > 512 {
		return errors.Newf("counter name length is not in range 1~512")
	}
	return nil
}

// ValidateSourceID checks that id has the form <node tag>:<instance id>.
// Source ids end up in causal stamps, so the instance id may not contain
// separators or whitespace.
func ValidateSourceID(id string) error {
	if !sourceIDRe.MatchString(id) {
		return errors.Newf("source id %q is not <node tag>:<instance id>", id)
	}
	return nil
}

// load returns a private copy of the record of docID, nil when absent.
func (s *Storage) load(tx storage.Tx, docID string) (*cd.GroupRecord, error) {
	if tx == nil {
		return nil, errors.AssertionFailedf("read called without a transaction")
	}
	row, err := tx.Get(DocKey(docID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read counters of %q", docID)
	}
	return decodeRecord(row)
}

func decodeRecord(row storage.Row) (*cd.GroupRecord, error) {
	var rec cd.GroupRecord
	if _, err := rec.UnmarshalMsg(row.Value); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "record %q", row.Key), cd.ErrCorruptRecord)
	}
	if rec.Counters == nil {
		rec.Counters = map[string]cd.CounterValue{}
	}
	rec.Key = row.Key
	rec.Collection = row.Collection
	rec.Etag = row.Etag
	return &rec, nil
}

func newRecord(docID, collection string) *cd.GroupRecord {
	return &cd.GroupRecord{
		Key:        DocKey(docID),
		Collection: collection,
		Counters:   map[string]cd.CounterValue{},
	}
}

// save stamps rec with a fresh etag, advances the local component of its
// change vector to that etag and writes it. The etag is returned so the
// caller can stamp mutated slots with the same clock; stamp is applied
// before the record is encoded.
func (s *Storage) save(tx storage.Tx, rec *cd.GroupRecord, cv causal.Vector, stamp func(etag int64)) (int64, error) {
	etag, err := s.nextEtag(tx)
	if err != nil {
		return 0, err
	}
	if stamp != nil {
		stamp(etag)
	}
	rec.Etag = etag
	rec.ChangeVector = cv.With(s.source, etag).String()
	b, err := rec.MarshalMsg(nil)
	if err != nil {
		return 0, errors.Wrap(err, "encode record")
	}
	err = tx.Put(storage.Row{Key: rec.Key, Collection: rec.Collection, Etag: etag, Value: b})
	return etag, errors.Wrapf(err, "write counters of %q", rec.Key)
}

func liveNames(rec *cd.GroupRecord) []string {
	if rec == nil {
		return nil
	}
	var names []string
	for name, v := range rec.Counters {
		if !v.IsTombstone() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// syncMetadata reports the live names when they differ from before.
func (s *Storage) syncMetadata(tx storage.Tx, rec *cd.GroupRecord, docID string, before []string) ([]string, error) {
	after := liveNames(rec)
	if s.opts.SyncMetadata == nil || sameNames(before, after) {
		return after, nil
	}
	if err := s.opts.SyncMetadata(tx, docID, rec.Collection, after); err != nil {
		return nil, errors.Wrapf(err, "sync metadata of %q", docID)
	}
	return after, nil
}

func (s *Storage) notify(tx storage.Tx, n ...Notification) {
	if s.opts.OnChange == nil || len(n) == 0 {
		return
	}
	tx.OnCommit(func() {
		for _, x := range n {
			s.opts.OnChange(x)
		}
	})
}

func localVector(rec *cd.GroupRecord) (causal.Vector, error) {
	v, err := causal.Parse(rec.ChangeVector)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "record %q", rec.Key), cd.ErrCorruptRecord)
	}
	return v, nil
}

// localLive decodes a stored live value into a private slot array.
func localLive(rec *cd.GroupRecord, name string) (slots.Array, error) {
	arr, err := slots.FromBytes(rec.Counters[name].Slots)
	if err != nil {
		return slots.Array{}, errors.Mark(errors.Wrapf(err, "record %q counter %q", rec.Key, name), cd.ErrCorruptRecord)
	}
	return arr, nil
}
