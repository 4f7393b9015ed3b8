package http

import (
	"strings"
)

// Unspecified marks an absent endpoint in a byte-range spec: either the
// suffix length form "-N" or the open-ended form "A-".
const Unspecified = int64(-1)

// ByteRange is one raw range out of a Range header. Either endpoint may be
// Unspecified, never both.
type ByteRange struct {
	First, Last int64
}

// RangeSpec is the ordered list of ranges a request asked for.
type RangeSpec []ByteRange

// ParseRange parses a "bytes=A-B,..." header value. Returns ok == false on
// any syntactic flaw, upon which callers fall back to a full response.
func ParseRange(value string) (spec RangeSpec, ok bool) {
	const unit = "bytes="

	if !strings.HasPrefix(value, unit) {
		return nil, false
	}

	for _, part := range strings.Split(value[len(unit):], ",") {
		part = strings.TrimSpace(part)

		dash := strings.IndexByte(part, '-')
		if dash == -1 {
			return nil, false
		}

		first, last := Unspecified, Unspecified

		if dash > 0 {
			n, ok := parseOffset(part[:dash])
			if !ok {
				return nil, false
			}

			first = n
		}

		if dash < len(part)-1 {
			n, ok := parseOffset(part[dash+1:])
			if !ok {
				return nil, false
			}

			last = n
		}

		if first == Unspecified && last == Unspecified {
			return nil, false
		}

		spec = append(spec, ByteRange{First: first, Last: last})
	}

	if len(spec) == 0 {
		return nil, false
	}

	return spec, true
}

// Resolve turns a raw range into concrete file offsets:
//
//	(-, N) -> the last N bytes, clamped to the file start
//	(A, -) -> from A through the end
//	(A, B) -> taken literally
//
// An inverted result (last < first) signals an unsatisfiable range.
func (r ByteRange) Resolve(size int64) (first, last int64) {
	switch {
	case r.First == Unspecified:
		first = size - r.Last
		if first < 0 {
			first = 0
		}

		return first, size - 1
	case r.Last == Unspecified:
		return r.First, size - 1
	default:
		return r.First, r.Last
	}
}

func parseOffset(s string) (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}

	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}

		n = n*10 + int64(c-'0')
		if n < 0 {
			return 0, false
		}
	}

	return n, true
}
