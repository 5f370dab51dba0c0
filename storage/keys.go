package storage

import (
	"encoding/binary"

	"dragoncounters/cd"
	"github.com/cockroachdb/errors"
)

// Prefix|ID
func rowKey(key string) []byte {
	b := make([]byte, 0, len(key)+1)
	b = append(b, cd.GroupPrefix)
	b = append(b, key...)
	return b
}

func metaKey(name string) []byte {
	b := make([]byte, 0, len(name)+1)
	b = append(b, cd.MetaPrefix)
	b = append(b, name...)
	return b
}

// Prefix|etag, big endian so byte order is numeric order.
func etagKey(etag int64) []byte {
	b := make([]byte, 9)
	b[0] = cd.EtagIndexPrefix
	binary.BigEndian.PutUint64(b[1:], uint64(etag))
	return b
}

// Prefix|collection|0|etag
// 0 byte delimited is used to construct composite key from collection and etag
func collectionPrefix(collection string) []byte {
	b := make([]byte, 0, len(collection)+10)
	b = append(b, cd.CollectionIndexPrefix)
	b = append(b, collection...)
	b = append(b, 0)
	return b
}

func collectionEtagKey(collection string, etag int64) []byte {
	b := collectionPrefix(collection)
	return binary.BigEndian.AppendUint64(b, uint64(etag))
}

func etagFromIndexKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// Row envelope: etag(8) | len(collection)(2) | collection | value
func encodeRow(r Row) []byte {
	b := make([]byte, 0, 10+len(r.Collection)+len(r.Value))
	b = binary.BigEndian.AppendUint64(b, uint64(r.Etag))
	b = binary.BigEndian.AppendUint16(b, uint16(len(r.Collection)))
	b = append(b, r.Collection...)
	return append(b, r.Value...)
}

func decodeRow(key string, b []byte) (Row, error) {
	if len(b) < 10 {
		return Row{}, errors.Newf("row %q: envelope too short", key)
	}
	n := int(binary.BigEndian.Uint16(b[8:]))
	if len(b) < 10+n {
		return Row{}, errors.Newf("row %q: collection truncated", key)
	}
	return Row{
		Key:        key,
		Etag:       int64(binary.BigEndian.Uint64(b)),
		Collection: string(b[10 : 10+n]),
		Value:      append([]byte(nil), b[10+n:]...),
	}, nil
}

// upper bound of every key starting with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
