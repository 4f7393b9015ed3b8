package http

import "strings"

// VaryMatch is the outcome of comparing a cached Vary fingerprint against a
// request.
type VaryMatch uint8

const (
	// VaryNone means the field sets are incomparable.
	VaryNone VaryMatch = iota
	// VaryValuesDiffer means same fields, different request values.
	VaryValuesDiffer
	// VaryEquals means the fingerprints agree; the cached entry applies.
	VaryEquals
)

// Vary captures the request values of the header fields named by a response's
// Vary header, forming a cache-key fingerprint: parallel name and value
// vectors.
type Vary struct {
	names  []string
	values []string
}

// NewVary builds a fingerprint from a Vary response header value (a comma
// separated field list) and the request it was produced for.
func NewVary(varyHeader string, r *Request) *Vary {
	fields := strings.Split(varyHeader, ",")

	v := &Vary{
		names:  make([]string, 0, len(fields)),
		values: make([]string, 0, len(fields)),
	}

	for _, name := range fields {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		v.names = append(v.names, name)
		v.values = append(v.values, r.Header(name))
	}

	return v
}

func (v *Vary) Len() int {
	return len(v.names)
}

func (v *Vary) Names() []string {
	return v.names
}

func (v *Vary) Values() []string {
	return v.values
}

// MatchRequest compares the fingerprint against a live request.
func (v *Vary) MatchRequest(r *Request) VaryMatch {
	for i, name := range v.names {
		if r.Header(name) != v.values[i] {
			return VaryValuesDiffer
		}
	}

	return VaryEquals
}

// Match compares two fingerprints.
func (v *Vary) Match(other *Vary) VaryMatch {
	if len(v.names) != len(other.names) {
		return VaryNone
	}

	for i := range v.names {
		if v.names[i] != other.names[i] {
			return VaryNone
		}

		if v.values[i] != other.values[i] {
			return VaryValuesDiffer
		}
	}

	return VaryEquals
}
