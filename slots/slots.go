// Package slots packs per-source counter contributions into a fixed-stride
// byte array.
//
// Layout of one slot (little endian):
//
//	| value int64 | logical clock int64 |
//
// Slot i belongs to the i-th entry of the owning record's source registry.
// Slots past the end of the array are implicitly zero.
package slots

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const (
	ValueSize = 8
	ClockSize = 8
	Stride    = ValueSize + ClockSize
)

var ErrMalformed = errors.New("slot array length is not a multiple of the slot stride")

// Slot is one decoded entry.
type Slot struct {
	Index int
	Value int64
	Clock int64
}

// Empty reports whether the slot never received a write.
func (s Slot) Empty() bool {
	return s.Clock == 0 && s.Value == 0
}

// Array is an owned, bounds-checked slot buffer.
type Array struct {
	buf []byte
}

// FromBytes copies b into a new Array.
func FromBytes(b []byte) (Array, error) {
	if len(b)%Stride != 0 {
		return Array{}, errors.Wrapf(ErrMalformed, "length %d", len(b))
	}
	return Array{buf: append([]byte(nil), b...)}, nil
}

// New builds an array holding the given slots.
func New(slots ...Slot) Array {
	var a Array
	for _, s := range slots {
		a.Set(s.Index, s.Value, s.Clock)
	}
	return a
}

func (a Array) Len() int {
	return len(a.buf) / Stride
}

// Bytes returns the underlying buffer. Callers must not modify it.
func (a Array) Bytes() []byte {
	return a.buf
}

func (a Array) Clone() Array {
	return Array{buf: append([]byte(nil), a.buf...)}
}

func offset(index int) (int, bool) {
	if index < 0 || index > (1<<31)/Stride {
		return 0, false
	}
	return index * Stride, true
}

// At returns slot index. Indices beyond the array are reported as empty.
func (a Array) At(index int) Slot {
	off, ok := offset(index)
	if !ok || off+Stride > len(a.buf) {
		return Slot{Index: index}
	}
	return Slot{
		Index: index,
		Value: int64(binary.LittleEndian.Uint64(a.buf[off:])),
		Clock: int64(binary.LittleEndian.Uint64(a.buf[off+ValueSize:])),
	}
}

// Has reports whether index is backed by the buffer.
func (a Array) Has(index int) bool {
	off, ok := offset(index)
	return ok && off+Stride <= len(a.buf)
}

// Set writes slot index, in place when it exists, otherwise by growing
// the buffer and zero-filling the gap. Existing slots are never moved.
func (a *Array) Set(index int, value, clock int64) {
	off, ok := offset(index)
	if !ok {
		panic(errors.AssertionFailedf("slot index %d out of range", index))
	}
	if off+Stride > len(a.buf) {
		grown := make([]byte, off+Stride)
		copy(grown, a.buf)
		a.buf = grown
	}
	binary.LittleEndian.PutUint64(a.buf[off:], uint64(value))
	binary.LittleEndian.PutUint64(a.buf[off+ValueSize:], uint64(clock))
}

// Slots decodes every slot, including zero-filled gaps.
func (a Array) Slots() []Slot {
	out := make([]Slot, 0, a.Len())
	for i := 0; i < a.Len(); i++ {
		out = append(out, a.At(i))
	}
	return out
}

// Sum adds every slot value. Overflow is reported, never wrapped.
func (a Array) Sum() (int64, bool) {
	var total int64
	for i := 0; i < a.Len(); i++ {
		var ok bool
		total, ok = Add(total, a.At(i).Value)
		if !ok {
			return 0, false
		}
	}
	return total, true
}

// Add returns x+y and false on signed overflow.
func Add(x, y int64) (int64, bool) {
	s := x + y
	if (y > 0 && s < x) || (y < 0 && s > x) {
		return 0, false
	}
	return s, true
}

// Sub returns x-y and false on signed overflow.
func Sub(x, y int64) (int64, bool) {
	s := x - y
	if (y > 0 && s > x) || (y < 0 && s < x) {
		return 0, false
	}
	return s, true
}
