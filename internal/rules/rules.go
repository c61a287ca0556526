// Package rules holds the in-memory SCHC rule model: field descriptors,
// rules with per-rule id bit lengths, and the validated rule set both
// endpoints share.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ewancrowle/crimp/internal/packet"
)

// ErrRuleFileInvalid wraps every construction-time rule problem.
var ErrRuleFileInvalid = errors.New("rules: invalid rule file")

// MatchOp decides whether a packet field satisfies a descriptor.
type MatchOp int

const (
	OpEqual MatchOp = iota
	OpIgnore
	OpMSB
	OpMatchMapping
)

func (o MatchOp) String() string {
	switch o {
	case OpEqual:
		return "equal"
	case OpIgnore:
		return "ignore"
	case OpMSB:
		return "msb"
	case OpMatchMapping:
		return "match-mapping"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Action describes how a field's residue is emitted and reconstructed.
type Action int

const (
	ActionNotSent Action = iota
	ActionValueSent
	ActionLSB
	ActionMappingSent
	ActionComputeLength
	ActionComputeChecksum
)

func (a Action) String() string {
	switch a {
	case ActionNotSent:
		return "not-sent"
	case ActionValueSent:
		return "value-sent"
	case ActionLSB:
		return "lsb"
	case ActionMappingSent:
		return "mapping-sent"
	case ActionComputeLength:
		return "compute-length"
	case ActionComputeChecksum:
		return "compute-checksum"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// FieldDescriptor binds one protocol field to its matching and coding
// behavior within a rule. Bits is the nominal field width; zero means
// variable (resolved from a sibling length field or parser context).
type FieldDescriptor struct {
	Field     packet.FieldID
	Direction packet.Direction
	Position  int
	Target    []byte
	Op        MatchOp
	MSBBits   int
	Mapping   [][]byte
	Action    Action
	LSBBits   int
	Bits      int
}

// Rule is one compression context. ID occupies IDBits bits on the wire.
type Rule struct {
	ID      uint32
	IDBits  int
	Comment string
	Fields  []FieldDescriptor
	Dynamic bool
}

// Specificity counts non-ignore descriptors; the tree uses it to break ties
// between rules that both accept a packet.
func (r *Rule) Specificity() int {
	n := 0
	for i := range r.Fields {
		if r.Fields[i].Op != OpIgnore {
			n++
		}
	}
	return n
}

// Clone deep-copies the rule so a dynamic variant can be edited safely.
func (r *Rule) Clone() Rule {
	c := *r
	c.Fields = make([]FieldDescriptor, len(r.Fields))
	copy(c.Fields, r.Fields)
	return c
}

// Set is an ordered rule list. Sets are treated as immutable once published;
// mutation goes through Clone and a snapshot swap.
type Set struct {
	Rules []Rule
}

// ByID returns the rule with the given (id, id bit length), or nil.
func (s *Set) ByID(id uint32, idBits int) *Rule {
	for i := range s.Rules {
		if s.Rules[i].ID == id && s.Rules[i].IDBits == idBits {
			return &s.Rules[i]
		}
	}
	return nil
}

// IDLengths returns the distinct rule id bit lengths, ascending. The
// decompressor scans these smallest first.
func (s *Set) IDLengths() []int {
	seen := [17]bool{}
	for i := range s.Rules {
		if l := s.Rules[i].IDBits; l >= 1 && l <= 16 {
			seen[l] = true
		}
	}
	var out []int
	for l := 1; l <= 16; l++ {
		if seen[l] {
			out = append(out, l)
		}
	}
	return out
}

// Clone copies the rule list so the copy can be appended to without
// disturbing readers of the original.
func (s *Set) Clone() *Set {
	c := &Set{Rules: make([]Rule, len(s.Rules))}
	copy(c.Rules, s.Rules)
	return c
}

// Remove drops any rule with the given (id, id bit length) in place.
func (s *Set) Remove(id uint32, idBits int) {
	out := s.Rules[:0]
	for _, r := range s.Rules {
		if r.ID != id || r.IDBits != idBits {
			out = append(out, r)
		}
	}
	s.Rules = out
}

// Validate rejects sets the decompressor could not disambiguate: duplicate
// (id, L) pairs, ids wider than their bit length, and rule ids in one length
// class that are bit-prefixes of ids in a longer class.
func (s *Set) Validate() error {
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.IDBits < 1 || r.IDBits > 16 {
			return fmt.Errorf("%w: rule %d has id length %d, want 1..16", ErrRuleFileInvalid, r.ID, r.IDBits)
		}
		if r.IDBits < 32 && uint64(r.ID) >= 1<<uint(r.IDBits) {
			return fmt.Errorf("%w: rule id %d does not fit in %d bits", ErrRuleFileInvalid, r.ID, r.IDBits)
		}
		for j := range r.Fields {
			if err := validateDescriptor(&r.Fields[j]); err != nil {
				return fmt.Errorf("%w: rule %d/%d field %s: %v", ErrRuleFileInvalid, r.ID, r.IDBits, r.Fields[j].Field, err)
			}
		}
		for j := 0; j < i; j++ {
			o := &s.Rules[j]
			if o.ID == r.ID && o.IDBits == r.IDBits {
				return fmt.Errorf("%w: duplicate rule id %d/%d", ErrRuleFileInvalid, r.ID, r.IDBits)
			}
			if prefixCollision(o.ID, o.IDBits, r.ID, r.IDBits) {
				return fmt.Errorf("%w: rule id %d/%d is a prefix of %d/%d", ErrRuleFileInvalid,
					minRule(o, r).ID, minRule(o, r).IDBits, maxRule(o, r).ID, maxRule(o, r).IDBits)
			}
		}
	}
	return nil
}

func validateDescriptor(fd *FieldDescriptor) error {
	if fd.Position < 1 {
		return fmt.Errorf("position %d, want >= 1", fd.Position)
	}
	switch fd.Op {
	case OpMSB:
		if fd.MSBBits <= 0 || (fd.Bits > 0 && fd.MSBBits >= fd.Bits) {
			return fmt.Errorf("msb width %d out of range for %d-bit field", fd.MSBBits, fd.Bits)
		}
	case OpMatchMapping:
		if len(fd.Mapping) == 0 {
			return errors.New("empty mapping")
		}
	}
	switch fd.Action {
	case ActionLSB:
		if fd.LSBBits <= 0 || (fd.Bits > 0 && fd.LSBBits > fd.Bits) {
			return fmt.Errorf("lsb width %d out of range for %d-bit field", fd.LSBBits, fd.Bits)
		}
	case ActionMappingSent:
		if len(fd.Mapping) == 0 {
			return errors.New("mapping-sent without mapping")
		}
	}
	return nil
}

func prefixCollision(idA uint32, lA int, idB uint32, lB int) bool {
	if lA == lB {
		return false
	}
	if lA > lB {
		idA, lA, idB, lB = idB, lB, idA, lA
	}
	return idB>>uint(lB-lA) == idA
}

func minRule(a, b *Rule) *Rule {
	if a.IDBits <= b.IDBits {
		return a
	}
	return b
}

func maxRule(a, b *Rule) *Rule {
	if a.IDBits > b.IDBits {
		return a
	}
	return b
}

// ReserveRange checks that dynamic rule ids [lo, hi] with the given bit
// length cannot collide with or shadow any static rule id.
func (s *Set) ReserveRange(lo, hi uint32, idBits int) error {
	if idBits < 1 || idBits > 16 {
		return fmt.Errorf("%w: dynamic id length %d, want 1..16", ErrRuleFileInvalid, idBits)
	}
	if lo > hi || uint64(hi) >= 1<<uint(idBits) {
		return fmt.Errorf("%w: dynamic id range [%d, %d] does not fit in %d bits", ErrRuleFileInvalid, lo, hi, idBits)
	}
	for i := range s.Rules {
		r := &s.Rules[i]
		for id := lo; id <= hi; id++ {
			if (r.ID == id && r.IDBits == idBits) || prefixCollision(r.ID, r.IDBits, id, idBits) {
				return fmt.Errorf("%w: dynamic id %d/%d collides with rule %d/%d", ErrRuleFileInvalid, id, idBits, r.ID, r.IDBits)
			}
		}
	}
	return nil
}

// IndexBits returns ceil(log2 n): the residue width of a mapping-sent index.
func IndexBits(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// ValueEqual compares two big-endian values numerically, tolerating
// different zero padding.
func ValueEqual(a, b []byte) bool {
	return bytes.Equal(trimLeadingZeros(a), trimLeadingZeros(b))
}

func trimLeadingZeros(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// MappingIndex returns the index of value in mapping, or -1.
func MappingIndex(mapping [][]byte, value []byte) int {
	for i, m := range mapping {
		if ValueEqual(m, value) {
			return i
		}
	}
	return -1
}

// MSBValue extracts the k most significant bits of an n-bit big-endian
// value, returned as a right-aligned big-endian integer.
func MSBValue(value []byte, n, k int) []byte {
	v := bitString(value, n)
	out := make([]byte, (k+7)/8)
	for i := 0; i < k; i++ {
		if v(i) != 0 {
			out[len(out)-1-(k-1-i)/8] |= 1 << uint((k-1-i)%8)
		}
	}
	return out
}

// LSBValue extracts the k least significant bits of an n-bit value.
func LSBValue(value []byte, n, k int) []byte {
	v := bitString(value, n)
	out := make([]byte, (k+7)/8)
	for i := 0; i < k; i++ {
		if v(n-k+i) != 0 {
			out[len(out)-1-(k-1-i)/8] |= 1 << uint((k-1-i)%8)
		}
	}
	return out
}

// bitString views a right-aligned big-endian value as an n-bit string,
// indexed MSB-first. Bits beyond the stored bytes read as zero.
func bitString(value []byte, n int) func(i int) byte {
	total := len(value) * 8
	return func(i int) byte {
		pos := total - n + i
		if pos < 0 {
			return 0
		}
		return value[pos>>3] >> (7 - pos&7) & 1
	}
}
