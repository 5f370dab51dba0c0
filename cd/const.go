package cd

import "github.com/cockroachdb/errors"

// Key prefixes of the KV engines. Every key starts with one of them.
const (
	GroupPrefix           = 0x10 // GroupPrefix|docKey -> Row
	EtagIndexPrefix       = 0x11 // EtagIndexPrefix|etag -> docKey
	CollectionIndexPrefix = 0x12 // CollectionIndexPrefix|collection|0|etag -> docKey
	MetaPrefix            = 0x13 // MetaPrefix|name -> raw
)

// Kind tags a counter value as live slots or a tombstone.
type Kind uint8

const (
	KindLive      Kind = 1
	KindTombstone Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindTombstone:
		return "tombstone"
	}
	return "unknown"
}

var ErrCorruptRecord = errors.New("corrupt counter group record")
