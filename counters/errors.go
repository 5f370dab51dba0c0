package counters

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrOverflow = errors.New("counter overflow")
	// ErrMalformedCounter marks an incoming replicated counter that could
	// not be decoded. Such counters are skipped, never stored.
	ErrMalformedCounter = errors.New("malformed replicated counter")
)

// OverflowError reports a signed 64-bit overflow. Delta is empty when the
// overflow happened while summing slots for a read.
type OverflowError struct {
	DocID   string
	Counter string
	Value   int64
	Delta   string
}

func (e *OverflowError) Error() string {
	if e.Delta == "" {
		return fmt.Sprintf("counter %q of document %q: resolved value overflows int64", e.Counter, e.DocID)
	}
	return fmt.Sprintf("counter %q of document %q: overflow applying %s to %d", e.Counter, e.DocID, e.Delta, e.Value)
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrOverflow
}

func malformed(name string, err error) error {
	return errors.Mark(errors.Wrapf(err, "counter %q", name), ErrMalformedCounter)
}
