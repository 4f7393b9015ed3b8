package headers

import (
	"github.com/indigo-web/iter"
	"github.com/indigo-web/utils/strcomp"
)

type Pair struct {
	Key, Value string
}

// Storage is an insertion-ordered list of header pairs. Keys are compared
// case-insensitively via linear search, which beats a map by a fair margin on
// the header counts real requests carry. Duplicate keys are allowed.
type Storage struct {
	pairs      []Pair
	valuesBuff []string
}

func New() *Storage {
	return new(Storage)
}

// NewPrealloc returns an instance of Storage with pre-allocated underlying storage.
func NewPrealloc(n int) *Storage {
	return &Storage{
		pairs: make([]Pair, 0, n),
	}
}

// Add appends a new pair, preserving the insertion order.
func (s *Storage) Add(key, value string) *Storage {
	s.pairs = append(s.pairs, Pair{Key: key, Value: value})
	return s
}

// Overwrite replaces the first entry of the key with the given value, dropping
// any further duplicates. If no entry exists, the pair is simply appended.
func (s *Storage) Overwrite(key, value string) *Storage {
	for i := range s.pairs {
		if strcomp.EqualFold(key, s.pairs[i].Key) {
			s.pairs[i].Value = value
			s.removeDuplicatesAfter(i, key)
			return s
		}
	}

	return s.Add(key, value)
}

func (s *Storage) removeDuplicatesAfter(i int, key string) {
	for j := i + 1; j < len(s.pairs); {
		if strcomp.EqualFold(key, s.pairs[j].Key) {
			s.pairs = append(s.pairs[:j], s.pairs[j+1:]...)
			continue
		}

		j++
	}
}

// Value returns the first value corresponding to the key, or an empty string.
func (s *Storage) Value(key string) string {
	value, _ := s.Get(key)
	return value
}

// Get returns a value corresponding to the key and a bool, indicating whether
// the key exists at all.
func (s *Storage) Get(key string) (string, bool) {
	for _, pair := range s.pairs {
		if strcomp.EqualFold(key, pair.Key) {
			return pair.Value, true
		}
	}

	return "", false
}

// Values returns all values by the key in insertion order. Returns nil if the
// key doesn't exist.
//
// WARNING: calling it twice will override values, returned by the first call.
func (s *Storage) Values(key string) []string {
	s.valuesBuff = s.valuesBuff[:0]

	for _, pair := range s.pairs {
		if strcomp.EqualFold(pair.Key, key) {
			s.valuesBuff = append(s.valuesBuff, pair.Value)
		}
	}

	if len(s.valuesBuff) == 0 {
		return nil
	}

	return s.valuesBuff
}

// Has indicates whether there's at least one entry of the key.
func (s *Storage) Has(key string) bool {
	_, found := s.Get(key)
	return found
}

// Iter returns an iterator over the pairs.
func (s *Storage) Iter() iter.Iterator[Pair] {
	return iter.Slice(s.pairs)
}

// Unwrap reveals the underlying pair slice. The slice stays valid until the
// storage is mutated.
func (s *Storage) Unwrap() []Pair {
	return s.pairs
}

// Len returns the number of stored pairs, duplicates included.
func (s *Storage) Len() int {
	return len(s.pairs)
}

// Clear all the entries, keeping the allocated space.
func (s *Storage) Clear() {
	s.pairs = s.pairs[:0]
}
