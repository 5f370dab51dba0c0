// Package causal implements the causal stamps shared by group records and
// counter tombstones: for every source, the highest logical clock known.
//
// Text form: "A:4f1c...:12, B:9e02...:7". Source identifiers contain a
// colon themselves, so an entry is split at its last colon.
package causal

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrMalformed = errors.New("malformed causal stamp")

type Entry struct {
	Source string
	Clock  int64
}

// Vector is kept sorted by Source with at most one entry per source.
type Vector []Entry

// Order is the relation of one vector to another.
type Order int

const (
	Equal Order = iota
	Before
	After
	Concurrent
)

func (o Order) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	}
	return "concurrent"
}

// Parse reads the text form. The empty string is the empty vector.
func Parse(s string) (Vector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	v := make(Vector, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		i := strings.LastIndexByte(p, ':')
		if i <= 0 || i == len(p)-1 {
			return nil, errors.Wrapf(ErrMalformed, "entry %q", p)
		}
		clock, err := strconv.ParseInt(p[i+1:], 10, 64)
		if err != nil || clock < 0 {
			return nil, errors.Wrapf(ErrMalformed, "entry %q", p)
		}
		v = v.With(p[:i], clock)
	}
	return v, nil
}

// MustParse is Parse for literals.
func MustParse(s string) Vector {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Vector) String() string {
	var sb strings.Builder
	for i, e := range v {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.Source)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(e.Clock, 10))
	}
	return sb.String()
}

func (v Vector) find(source string) (int, bool) {
	i := sort.Search(len(v), func(i int) bool { return v[i].Source >= source })
	return i, i < len(v) && v[i].Source == source
}

// Get returns the clock of source, 0 when absent.
func (v Vector) Get(source string) int64 {
	if i, ok := v.find(source); ok {
		return v[i].Clock
	}
	return 0
}

// With returns a copy where source carries at least clock.
func (v Vector) With(source string, clock int64) Vector {
	out := make(Vector, len(v), len(v)+1)
	copy(out, v)
	i, ok := out.find(source)
	if ok {
		if clock > out[i].Clock {
			out[i].Clock = clock
		}
		return out
	}
	out = append(out, Entry{})
	copy(out[i+1:], out[i:])
	out[i] = Entry{Source: source, Clock: clock}
	return out
}

// Merge returns the per-source maximum of a and b.
func Merge(a, b Vector) Vector {
	out := make(Vector, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].Source < b[j].Source):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j].Source < a[i].Source:
			out = append(out, b[j])
			j++
		default:
			e := a[i]
			if b[j].Clock > e.Clock {
				e.Clock = b[j].Clock
			}
			out = append(out, e)
			i++
			j++
		}
	}
	return out
}

// Compare reports how a relates to b. Missing entries count as zero.
func Compare(a, b Vector) Order {
	aGreater, bGreater := false, false
	for _, e := range a {
		if o := b.Get(e.Source); e.Clock > o {
			aGreater = true
		} else if e.Clock < o {
			bGreater = true
		}
	}
	for _, e := range b {
		if _, ok := a.find(e.Source); !ok && e.Clock > 0 {
			bGreater = true
		}
	}
	switch {
	case aGreater && bGreater:
		return Concurrent
	case aGreater:
		return After
	case bGreater:
		return Before
	}
	return Equal
}

// Includes reports whether every clock of other is covered by v.
func (v Vector) Includes(other Vector) bool {
	o := Compare(v, other)
	return o == Equal || o == After
}
