package cd

//go:generate msgp

// GroupRecord holds every counter of one document.
type GroupRecord struct {
	Key          string                  `json:"k" msg:"k"`
	Collection   string                  `json:"c" msg:"c"`
	Etag         int64                   `json:"e" msg:"e"`
	ChangeVector string                  `json:"cv" msg:"cv"`
	SourceIDs    []string                `json:"s" msg:"s"`
	Counters     map[string]CounterValue `json:"n" msg:"n"`
}

// CounterValue is either packed slots (KindLive) or a causal stamp (KindTombstone).
type CounterValue struct {
	Kind      Kind   `json:"t" msg:"t"`
	Slots     []byte `json:"v,omitempty" msg:"v"`
	Tombstone string `json:"d,omitempty" msg:"d"`
}

// ChangeBatch is what the change feed hands to replication and what
// the inbound replication endpoint accepts.
type ChangeBatch struct {
	LastEtag int64         `json:"l" msg:"l"`
	Records  []GroupRecord `json:"r" msg:"r"`
}

func (v CounterValue) IsTombstone() bool {
	return v.Kind == KindTombstone
}

// Clone deep-copies the record so it can be mutated without touching
// buffers owned by the caller or by a transaction.
func (z *GroupRecord) Clone() *GroupRecord {
	c := &GroupRecord{
		Key:          z.Key,
		Collection:   z.Collection,
		Etag:         z.Etag,
		ChangeVector: z.ChangeVector,
		SourceIDs:    append([]string(nil), z.SourceIDs...),
		Counters:     make(map[string]CounterValue, len(z.Counters)),
	}
	for name, v := range z.Counters {
		cv := CounterValue{Kind: v.Kind, Tombstone: v.Tombstone}
		if v.Slots != nil {
			cv.Slots = append([]byte(nil), v.Slots...)
		}
		c.Counters[name] = cv
	}
	return c
}
