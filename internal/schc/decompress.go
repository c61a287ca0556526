package schc

import (
	"encoding/binary"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/ewancrowle/crimp/internal/bitbuf"
	"github.com/ewancrowle/crimp/internal/packet"
	"github.com/ewancrowle/crimp/internal/rules"
)

// DecompressOutput is the result of reconstructing one packet's headers.
type DecompressOutput struct {
	Rule       *rules.Rule
	RuleID     uint32
	RuleIDBits int

	// Header is the reconstructed Ethernet+IPv4+UDP+QUIC header in wire
	// order.
	Header []byte

	// BitsConsumed is L plus the residue bit total. The application
	// payload starts at byte ceil(BitsConsumed/8) of the compressed
	// input.
	BitsConsumed int
}

// Decompress reads the rule id prefix of data, reconstructs the original
// header under the matched rule, and recomputes the derived length and
// checksum fields. data must be the whole compressed packet: the trailing
// payload bytes participate in UDP length and checksum recomputation.
func Decompress(data []byte, set *rules.Set, dir packet.Direction, ctx *rules.FieldContext) (*DecompressOutput, error) {
	in := bitbuf.FromBytes(data)

	// L is not carried on the wire. Scan the length classes present in
	// the rule set, smallest first; load-time validation guarantees at
	// most one class can claim any given prefix.
	var r *rules.Rule
	for _, l := range set.IDLengths() {
		id, err := in.ReadBits(0, l)
		if err != nil {
			break
		}
		if cand := set.ByID(uint32(id), l); cand != nil {
			r = cand
			break
		}
	}
	if r == nil {
		return nil, ErrNoMatchingRule
	}

	if descriptorsFor(r, dir) == 0 {
		return reconstructVerbatim(in, r, ctx)
	}
	return reconstruct(in, data, r, dir, ctx)
}

func reconstruct(in *bitbuf.Buffer, data []byte, r *rules.Rule, dir packet.Direction, ctx *rules.FieldContext) (*DecompressOutput, error) {
	hdr := bitbuf.New()
	pos := r.IDBits
	seen := make(map[packet.FieldID][]byte)

	type patch struct {
		fd     *rules.FieldDescriptor
		bitOff int
		bits   int
	}
	var patches []patch

	for i := range r.Fields {
		fd := &r.Fields[i]
		if !fd.Direction.Applies(dir) {
			continue
		}
		width, err := fieldWidth(fd, seen, ctx)
		if err != nil {
			return nil, err
		}

		var value []byte
		switch fd.Action {
		case rules.ActionNotSent:
			value = fd.Target
		case rules.ActionValueSent:
			value, err = readValue(in, pos, width)
			if err != nil {
				return nil, err
			}
			pos += width
		case rules.ActionLSB:
			low, err := readValue(in, pos, fd.LSBBits)
			if err != nil {
				return nil, err
			}
			pos += fd.LSBBits
			value = spliceLSB(fd.Target, low, width, fd.LSBBits)
		case rules.ActionMappingSent:
			idxBits := rules.IndexBits(len(fd.Mapping))
			idx, err := in.ReadBits(pos, idxBits)
			if err != nil {
				return nil, fmt.Errorf("%w: mapping index", ErrResidueUnderrun)
			}
			pos += idxBits
			if int(idx) >= len(fd.Mapping) {
				return nil, fmt.Errorf("%w: mapping index %d of %d", ErrReconstructionFailed, idx, len(fd.Mapping))
			}
			value = fd.Mapping[idx]
		case rules.ActionComputeLength, rules.ActionComputeChecksum:
			patches = append(patches, patch{fd, hdr.Len(), width})
			value = make([]byte, (width+7)/8)
		}

		appendValue(hdr, value, width)
		seen[fd.Field] = value
	}

	if hdr.Len()%8 != 0 {
		return nil, fmt.Errorf("%w: header is %d bits, not byte aligned", ErrReconstructionFailed, hdr.Len())
	}
	header := hdr.Bytes()
	payload := data[(pos+7)/8:]

	// Lengths first; the checksums cover them.
	quicHeaderBytes := len(header) - preQUICBytes
	for _, pt := range patches {
		if pt.fd.Action != rules.ActionComputeLength {
			continue
		}
		var v uint64
		switch pt.fd.Field {
		case packet.FieldIPv4TotalLength:
			v = uint64(ipv4HeaderBytes + udpHeaderBytes + quicHeaderBytes + len(payload))
		case packet.FieldUDPLength:
			v = uint64(udpHeaderBytes + quicHeaderBytes + len(payload))
		case packet.FieldQUICLength:
			pn, err := pnBytes(seen)
			if err != nil {
				return nil, err
			}
			enc, err := encodeVarint(uint64(pn+len(payload)), pt.bits/8)
			if err != nil {
				return nil, err
			}
			writeBytes(hdr, pt.bitOff, enc)
			continue
		default:
			return nil, fmt.Errorf("%w: cannot compute length of %s", ErrReconstructionFailed, pt.fd.Field)
		}
		if err := hdr.WriteBits(pt.bitOff, v, pt.bits); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReconstructionFailed, err)
		}
	}

	for _, pt := range patches {
		if pt.fd.Action != rules.ActionComputeChecksum {
			continue
		}
		var v uint16
		switch pt.fd.Field {
		case packet.FieldIPv4Checksum:
			v = internetChecksum(header[ethHeaderBytes : ethHeaderBytes+ipv4HeaderBytes])
		case packet.FieldUDPChecksum:
			v = udpChecksum(header, payload)
			if v == 0 {
				v = 0xFFFF
			}
		default:
			return nil, fmt.Errorf("%w: cannot compute checksum of %s", ErrReconstructionFailed, pt.fd.Field)
		}
		if err := hdr.WriteBits(pt.bitOff, uint64(v), pt.bits); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReconstructionFailed, err)
		}
	}

	return &DecompressOutput{
		Rule:         r,
		RuleID:       r.ID,
		RuleIDBits:   r.IDBits,
		Header:       header,
		BitsConsumed: pos,
	}, nil
}

// reconstructVerbatim handles the no-compression fallback rule: the residue
// is the entire IPv4+UDP+QUIC header, and its extent is recovered by
// parsing the residue itself.
func reconstructVerbatim(in *bitbuf.Buffer, r *rules.Rule, ctx *rules.FieldContext) (*DecompressOutput, error) {
	rest, err := readValueLong(in, r.IDBits, in.Len()-r.IDBits)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, ethHeaderBytes, ethHeaderBytes+len(rest))
	binary.BigEndian.PutUint16(frame[12:], 0x0800)
	frame = append(frame, rest...)

	p := packet.NewParser(frame, packet.Up)
	if ctx != nil && ctx.ShortDCIDLen > 0 {
		p.SetShortDCIDLen(ctx.ShortDCIDLen)
	}
	quicLen, err := p.QUICHeaderLen()
	if err != nil {
		return nil, fmt.Errorf("%w: verbatim header extent: %v", ErrReconstructionFailed, err)
	}
	headerBytes := ipv4HeaderBytes + udpHeaderBytes + quicLen
	if headerBytes > len(rest) {
		return nil, fmt.Errorf("%w: verbatim header truncated", ErrResidueUnderrun)
	}

	return &DecompressOutput{
		Rule:         r,
		RuleID:       r.ID,
		RuleIDBits:   r.IDBits,
		Header:       frame[:ethHeaderBytes+headerBytes],
		BitsConsumed: r.IDBits + headerBytes*8,
	}, nil
}

// fieldWidth resolves a descriptor's width in bits, consulting previously
// reconstructed sibling fields and the out-of-band context for variable
// fields.
func fieldWidth(fd *rules.FieldDescriptor, seen map[packet.FieldID][]byte, ctx *rules.FieldContext) (int, error) {
	if fd.Bits > 0 {
		return fd.Bits, nil
	}
	switch fd.Field {
	case packet.FieldQUICDCID:
		if v, ok := seen[packet.FieldQUICDCIDLen]; ok {
			return int(lastByte(v)) * 8, nil
		}
		if ctx != nil && ctx.ShortDCIDLen > 0 {
			return ctx.ShortDCIDLen * 8, nil
		}
	case packet.FieldQUICSCID:
		if v, ok := seen[packet.FieldQUICSCIDLen]; ok {
			return int(lastByte(v)) * 8, nil
		}
	case packet.FieldQUICToken:
		if v, ok := seen[packet.FieldQUICTokenLen]; ok {
			n, _, err := quicvarint.Parse(v)
			if err == nil {
				return int(n) * 8, nil
			}
		}
	case packet.FieldQUICPacketNumber:
		if n, err := pnBytes(seen); err == nil {
			return n * 8, nil
		}
	}
	return 0, fmt.Errorf("%w: cannot resolve width of %s", ErrReconstructionFailed, fd.Field)
}

// pnBytes derives the packet number length from the reconstructed first byte.
func pnBytes(seen map[packet.FieldID][]byte) (int, error) {
	fb, ok := seen[packet.FieldQUICFirstByte]
	if !ok || len(fb) == 0 {
		return 0, fmt.Errorf("%w: packet number length needs quic.first_byte", ErrReconstructionFailed)
	}
	return int(fb[len(fb)-1]&0x03) + 1, nil
}

func lastByte(v []byte) byte {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

// readValue reads nbits of residue as a right-aligned big-endian value.
func readValue(in *bitbuf.Buffer, off, nbits int) ([]byte, error) {
	if nbits <= 64 {
		v, err := in.ReadBits(off, nbits)
		if err != nil {
			return nil, fmt.Errorf("%w: %d bits at %d", ErrResidueUnderrun, nbits, off)
		}
		out := make([]byte, (nbits+7)/8)
		for i := len(out) - 1; i >= 0; i-- {
			out[i] = byte(v)
			v >>= 8
		}
		return out, nil
	}
	return readValueLong(in, off, nbits)
}

// readValueLong reads an arbitrarily long bit run one bit at a time. Values
// wider than 64 bits are whole octets in this engine, so right-alignment
// and octet packing coincide.
func readValueLong(in *bitbuf.Buffer, off, nbits int) ([]byte, error) {
	if nbits < 0 {
		return nil, ErrResidueUnderrun
	}
	out := make([]byte, (nbits+7)/8)
	outPos := len(out)*8 - nbits
	for i := 0; i < nbits; i++ {
		v, err := in.ReadBits(off+i, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: %d bits at %d", ErrResidueUnderrun, nbits, off)
		}
		if v != 0 {
			out[(outPos+i)>>3] |= 1 << (7 - (outPos+i)&7)
		}
	}
	return out, nil
}

// spliceLSB combines the target's high bits with k received low bits.
func spliceLSB(target, low []byte, width, k int) []byte {
	out := make([]byte, (width+7)/8)
	copyBits := func(src []byte, srcBits, dstStart, n int) {
		srcTotal := len(src) * 8
		outTotal := len(out) * 8
		for i := 0; i < n; i++ {
			pos := srcTotal - srcBits + i
			if pos < 0 {
				continue
			}
			if src[pos>>3]>>(7-pos&7)&1 != 0 {
				dst := outTotal - width + dstStart + i
				out[dst>>3] |= 1 << (7 - dst&7)
			}
		}
	}
	copyBits(target, width, 0, width-k)
	copyBits(low, k, width-k, k)
	return out
}

// writeBytes overwrites whole octets of a buffer at a bit offset.
func writeBytes(hdr *bitbuf.Buffer, bitOff int, b []byte) {
	for i, octet := range b {
		_ = hdr.WriteBits(bitOff+i*8, uint64(octet), 8)
	}
}

// encodeVarint encodes v as a QUIC varint of exactly width octets.
func encodeVarint(v uint64, width int) ([]byte, error) {
	var prefix byte
	var max uint64
	switch width {
	case 1:
		prefix, max = 0x00, 1<<6-1
	case 2:
		prefix, max = 0x40, 1<<14-1
	case 4:
		prefix, max = 0x80, 1<<30-1
	case 8:
		prefix, max = 0xC0, 1<<62-1
	default:
		return nil, fmt.Errorf("%w: varint width %d", ErrReconstructionFailed, width)
	}
	if v > max {
		return nil, fmt.Errorf("%w: %d does not fit a %d-octet varint", ErrReconstructionFailed, v, width)
	}
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	out[0] |= prefix
	return out, nil
}

// internetChecksum is the RFC 1071 ones-complement sum of b.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// udpChecksum computes the UDP checksum over the IPv4 pseudo-header, the
// reconstructed UDP+QUIC header bytes and the payload.
func udpChecksum(header, payload []byte) uint16 {
	udpLen := len(header) - ethHeaderBytes - ipv4HeaderBytes + len(payload)

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], header[ethHeaderBytes+12:ethHeaderBytes+16])
	copy(pseudo[4:8], header[ethHeaderBytes+16:ethHeaderBytes+20])
	pseudo[9] = 17
	binary.BigEndian.PutUint16(pseudo[10:], uint16(udpLen))

	seg := make([]byte, 0, 12+udpLen)
	seg = append(seg, pseudo...)
	seg = append(seg, header[ethHeaderBytes+ipv4HeaderBytes:]...)
	seg = append(seg, payload...)
	return internetChecksum(seg)
}
