// Package schc implements the SCHC compression and decompression cores:
// turning a parsed packet plus a matched rule into rule-id and residue bits,
// and reconstructing the original header from them.
package schc

import (
	"errors"
	"fmt"

	"github.com/ewancrowle/crimp/internal/bitbuf"
	"github.com/ewancrowle/crimp/internal/packet"
	"github.com/ewancrowle/crimp/internal/rules"
	"github.com/ewancrowle/crimp/internal/ruletree"
)

var (
	ErrNoMatchingRule       = errors.New("schc: no matching rule")
	ErrResidueOverflow      = errors.New("schc: residue overflow")
	ErrResidueUnderrun      = errors.New("schc: residue underrun")
	ErrReconstructionFailed = errors.New("schc: reconstruction failed")
)

// maxCompressedBits bounds the compressed header; anything larger than an
// MTU of residue means a rule is badly authored.
const maxCompressedBits = 1500 * 8

// preQUICBytes is the fixed Ethernet+IPv4+UDP prefix of every synthetic
// frame the engine parses.
const (
	ethHeaderBytes  = 14
	ipv4HeaderBytes = 20
	udpHeaderBytes  = 8
	preQUICBytes    = ethHeaderBytes + ipv4HeaderBytes + udpHeaderBytes
)

// Output is the result of compressing one packet's headers.
type Output struct {
	Rule       *rules.Rule
	RuleID     uint32
	RuleIDBits int

	// Data is the bit-packed rule id followed by the residue, zero-padded
	// to a byte boundary. DataBits is the meaningful prefix length:
	// L + the residue bit total.
	Data     []byte
	DataBits int

	// OriginalHeaderBits counts the IPv4+UDP+QUIC bits the rule consumed.
	// Ethernet is excluded: the frame only exists to satisfy the parser.
	OriginalHeaderBits int

	// OriginalHeader is a copy of the consumed IPv4+UDP+QUIC header bytes.
	OriginalHeader []byte
}

// Compress matches the packet against the tree and encodes it under the
// matched rule. The parser keeps its field cache afterwards, so callers can
// read QUIC fields (for CID learning) without re-parsing.
func Compress(tree *ruletree.Tree, p *packet.Parser, dir packet.Direction) (*Output, error) {
	r, err := tree.Match(p, dir)
	if err != nil {
		return nil, fmt.Errorf("schc: match: %w", err)
	}
	if r == nil {
		return nil, ErrNoMatchingRule
	}

	out := bitbuf.New()
	out.AppendBits(uint64(r.ID), r.IDBits)

	var origBits int
	if descriptorsFor(r, dir) == 0 {
		// No-compression fallback: the residue is the whole
		// IPv4+UDP+QUIC header verbatim.
		origBits, err = emitVerbatimHeader(out, p)
	} else {
		origBits, err = emitResidue(out, r, p, dir)
	}
	if err != nil {
		return nil, err
	}
	if out.Len() > maxCompressedBits {
		return nil, ErrResidueOverflow
	}

	headerBytes := (origBits + 7) / 8
	orig := make([]byte, headerBytes)
	copy(orig, p.Frame()[ethHeaderBytes:])

	return &Output{
		Rule:               r,
		RuleID:             r.ID,
		RuleIDBits:         r.IDBits,
		Data:               out.Bytes(),
		DataBits:           out.Len(),
		OriginalHeaderBits: origBits,
		OriginalHeader:     orig,
	}, nil
}

func descriptorsFor(r *rules.Rule, dir packet.Direction) int {
	n := 0
	for i := range r.Fields {
		if r.Fields[i].Direction.Applies(dir) {
			n++
		}
	}
	return n
}

func emitResidue(out *bitbuf.Buffer, r *rules.Rule, p *packet.Parser, dir packet.Direction) (int, error) {
	origBits := 0
	for i := range r.Fields {
		fd := &r.Fields[i]
		if !fd.Direction.Applies(dir) {
			continue
		}
		f, err := p.Field(fd.Field, fd.Position)
		if err != nil {
			return 0, fmt.Errorf("schc: parse %s: %w", fd.Field, err)
		}
		if fd.Bits > 0 && f.BitLength != fd.Bits {
			return 0, fmt.Errorf("schc: %s is %d bits on the wire, rule says %d: %w",
				fd.Field, f.BitLength, fd.Bits, packet.ErrMalformedField)
		}
		if !fd.Field.IsEthernet() {
			origBits += f.BitLength
		}

		switch fd.Action {
		case rules.ActionNotSent, rules.ActionComputeLength, rules.ActionComputeChecksum:
			// Nothing on the wire.
		case rules.ActionValueSent:
			appendValue(out, f.Value, f.BitLength)
		case rules.ActionLSB:
			appendValue(out, rules.LSBValue(f.Value, f.BitLength, fd.LSBBits), fd.LSBBits)
		case rules.ActionMappingSent:
			idx := rules.MappingIndex(fd.Mapping, f.Value)
			if idx < 0 {
				return 0, fmt.Errorf("%w: %s value %x not in mapping", ErrNoMatchingRule, fd.Field, f.Value)
			}
			out.AppendBits(uint64(idx), rules.IndexBits(len(fd.Mapping)))
		}
	}
	return origBits, nil
}

func emitVerbatimHeader(out *bitbuf.Buffer, p *packet.Parser) (int, error) {
	quicLen, err := p.QUICHeaderLen()
	if err != nil {
		return 0, fmt.Errorf("schc: parse header extent: %w", err)
	}
	header := p.Frame()[ethHeaderBytes : preQUICBytes+quicLen]
	out.AppendOctets(header, len(header)*8)
	return len(header) * 8, nil
}

// appendValue emits the low nbits of a right-aligned big-endian value.
func appendValue(out *bitbuf.Buffer, value []byte, nbits int) {
	total := len(value) * 8
	for i := 0; i < nbits; i++ {
		pos := total - nbits + i
		var bit byte
		if pos >= 0 {
			bit = value[pos>>3] >> (7 - pos&7) & 1
		}
		out.AppendBits(uint64(bit), 1)
	}
}
