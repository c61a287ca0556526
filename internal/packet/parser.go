package packet

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/ewancrowle/crimp/internal/bitbuf"
)

var (
	// ErrFieldAbsent means the requested field does not exist on this
	// packet, e.g. the QUIC version of a short-header packet.
	ErrFieldAbsent = errors.New("packet: field absent")
	// ErrContextRequired means the field cannot be located without
	// out-of-band context, e.g. the DCID of a short header whose length
	// is not on the wire.
	ErrContextRequired = errors.New("packet: context required")
	// ErrMalformedField means a length field exceeds its sane bound.
	ErrMalformedField = errors.New("packet: malformed field")
)

// MaxCIDLen is the largest connection id RFC 9000 allows, in octets.
const MaxCIDLen = 20

// Frame layout constants, in bits. The parser always sees a full Ethernet
// frame with a 20-byte IPv4 header and an 8-byte UDP header in front of the
// QUIC bytes.
const (
	ethBits  = 14 * 8
	ipv4Bits = 20 * 8
	udpBits  = 8 * 8
	quicBit  = ethBits + ipv4Bits + udpBits
)

// Field is one extracted protocol field. Value holds the field as a
// big-endian integer in ceil(BitLength/8) bytes, high bits of the first
// octet zero-padded, so a 4-bit IPv4 version parses as []byte{0x04}.
type Field struct {
	Value     []byte
	BitOffset int
	BitLength int
}

type cacheKey struct {
	id  FieldID
	pos int
}

// Parser extracts named fields from a single Ethernet frame on demand,
// caching every result. A parser lives for one compress or decompress call.
type Parser struct {
	frame []byte
	buf   *bitbuf.Buffer
	dir   Direction

	// shortDCIDLen is the short-header DCID length in octets, supplied
	// by context (a learned CID or the field-context file). Zero means
	// unknown.
	shortDCIDLen int

	cache map[cacheKey]Field
}

// NewParser wraps a full Ethernet frame for direction dir.
func NewParser(frame []byte, dir Direction) *Parser {
	return &Parser{
		frame: frame,
		buf:   bitbuf.FromBytes(frame),
		dir:   dir,
		cache: make(map[cacheKey]Field),
	}
}

// Direction returns the packet direction the parser was created with.
func (p *Parser) Direction() Direction {
	return p.dir
}

// Frame returns the underlying Ethernet frame.
func (p *Parser) Frame() []byte {
	return p.frame
}

// SetShortDCIDLen supplies the short-header DCID length, in octets.
func (p *Parser) SetShortDCIDLen(n int) {
	p.shortDCIDLen = n
}

// Field extracts the named field. Position counts repeats of the same field
// id; every field in this engine appears at most once, so pos is always 1.
// Predecessor fields (lengths before variable fields, the QUIC first byte
// before everything else in the QUIC layer) are parsed transparently.
func (p *Parser) Field(id FieldID, pos int) (Field, error) {
	if pos != 1 {
		return Field{}, fmt.Errorf("%w: %s position %d", ErrFieldAbsent, id, pos)
	}
	key := cacheKey{id, pos}
	if f, ok := p.cache[key]; ok {
		return f, nil
	}
	f, err := p.extract(id)
	if err != nil {
		return Field{}, err
	}
	p.cache[key] = f
	return f, nil
}

func (p *Parser) extract(id FieldID) (Field, error) {
	switch id {
	case FieldEthernetDst:
		return p.fixed(0, 48)
	case FieldEthernetSrc:
		return p.fixed(48, 48)
	case FieldEthernetType:
		return p.fixed(96, 16)
	case FieldIPv4Version:
		return p.fixed(ethBits, 4)
	case FieldIPv4IHL:
		return p.fixed(ethBits+4, 4)
	case FieldIPv4DSCP:
		return p.fixed(ethBits+8, 6)
	case FieldIPv4ECN:
		return p.fixed(ethBits+14, 2)
	case FieldIPv4TotalLength:
		return p.fixed(ethBits+16, 16)
	case FieldIPv4Identification:
		return p.fixed(ethBits+32, 16)
	case FieldIPv4Flags:
		return p.fixed(ethBits+48, 3)
	case FieldIPv4FragmentOffset:
		return p.fixed(ethBits+51, 13)
	case FieldIPv4TTL:
		return p.fixed(ethBits+64, 8)
	case FieldIPv4Protocol:
		return p.fixed(ethBits+72, 8)
	case FieldIPv4Checksum:
		return p.fixed(ethBits+80, 16)
	case FieldIPv4Src:
		return p.fixed(ethBits+96, 32)
	case FieldIPv4Dst:
		return p.fixed(ethBits+128, 32)
	case FieldUDPSrcPort:
		return p.fixed(ethBits+ipv4Bits, 16)
	case FieldUDPDstPort:
		return p.fixed(ethBits+ipv4Bits+16, 16)
	case FieldUDPLength:
		return p.fixed(ethBits+ipv4Bits+32, 16)
	case FieldUDPChecksum:
		return p.fixed(ethBits+ipv4Bits+48, 16)
	default:
		return p.extractQUIC(id)
	}
}

// fixed extracts a field at a constant bit offset.
func (p *Parser) fixed(off, n int) (Field, error) {
	v, err := p.value(off, n)
	if err != nil {
		return Field{}, err
	}
	return Field{Value: v, BitOffset: off, BitLength: n}, nil
}

// value reads n bits at off as big-endian integer bytes. Byte-aligned reads
// slice the frame directly; everything sub-byte fits in 64 bits.
func (p *Parser) value(off, n int) ([]byte, error) {
	if off%8 == 0 && n%8 == 0 {
		start, end := off/8, off/8+n/8
		if end > len(p.frame) {
			return nil, bitbuf.ErrUnderrun
		}
		out := make([]byte, n/8)
		copy(out, p.frame[start:end])
		return out, nil
	}
	v, err := p.buf.ReadBits(off, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, (n+7)/8)
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out, nil
}

func (p *Parser) firstByte() (byte, error) {
	f, err := p.Field(FieldQUICFirstByte, 1)
	if err != nil {
		return 0, err
	}
	return f.Value[0], nil
}

func (p *Parser) extractQUIC(id FieldID) (Field, error) {
	if id == FieldQUICFirstByte {
		return p.fixed(quicBit, 8)
	}
	fb, err := p.firstByte()
	if err != nil {
		return Field{}, err
	}
	longHeader := fb&0x80 != 0

	switch id {
	case FieldQUICPNLen:
		// Low two bits of the first byte; the packet number spans
		// value+1 octets.
		return Field{Value: []byte{fb & 0x03}, BitOffset: quicBit + 6, BitLength: 2}, nil

	case FieldQUICVersion:
		if !longHeader {
			return Field{}, fmt.Errorf("%w: %s on short header", ErrFieldAbsent, id)
		}
		return p.fixed(quicBit+8, 32)

	case FieldQUICDCIDLen:
		if !longHeader {
			return Field{}, fmt.Errorf("%w: %s on short header", ErrFieldAbsent, id)
		}
		f, err := p.fixed(quicBit+40, 8)
		if err != nil {
			return Field{}, err
		}
		if int(f.Value[0]) > MaxCIDLen {
			return Field{}, fmt.Errorf("%w: DCID length %d exceeds %d", ErrMalformedField, f.Value[0], MaxCIDLen)
		}
		return f, nil

	case FieldQUICDCID:
		if longHeader {
			n, err := p.lenOf(FieldQUICDCIDLen)
			if err != nil {
				return Field{}, err
			}
			return p.fixed(quicBit+48, n*8)
		}
		if p.shortDCIDLen == 0 {
			return Field{}, fmt.Errorf("%w: short-header DCID length unknown", ErrContextRequired)
		}
		if p.shortDCIDLen > MaxCIDLen {
			return Field{}, fmt.Errorf("%w: DCID length %d exceeds %d", ErrMalformedField, p.shortDCIDLen, MaxCIDLen)
		}
		return p.fixed(quicBit+8, p.shortDCIDLen*8)

	case FieldQUICSCIDLen:
		if !longHeader {
			return Field{}, fmt.Errorf("%w: %s on short header", ErrFieldAbsent, id)
		}
		dcidLen, err := p.lenOf(FieldQUICDCIDLen)
		if err != nil {
			return Field{}, err
		}
		f, err := p.fixed(quicBit+48+dcidLen*8, 8)
		if err != nil {
			return Field{}, err
		}
		if int(f.Value[0]) > MaxCIDLen {
			return Field{}, fmt.Errorf("%w: SCID length %d exceeds %d", ErrMalformedField, f.Value[0], MaxCIDLen)
		}
		return f, nil

	case FieldQUICSCID:
		if !longHeader {
			return Field{}, fmt.Errorf("%w: %s on short header", ErrFieldAbsent, id)
		}
		scidLenField, err := p.Field(FieldQUICSCIDLen, 1)
		if err != nil {
			return Field{}, err
		}
		return p.fixed(scidLenField.BitOffset+8, int(scidLenField.Value[0])*8)

	case FieldQUICTokenLen, FieldQUICToken, FieldQUICLength, FieldQUICPacketNumber:
		return p.extractQUICTail(id, fb, longHeader)
	}
	return Field{}, fmt.Errorf("%w: %s", ErrFieldAbsent, id)
}

// extractQUICTail handles the long-header fields past the SCID and the
// packet number of both header forms.
func (p *Parser) extractQUICTail(id FieldID, fb byte, longHeader bool) (Field, error) {
	if !longHeader {
		if id != FieldQUICPacketNumber {
			return Field{}, fmt.Errorf("%w: %s on short header", ErrFieldAbsent, id)
		}
		dcid, err := p.Field(FieldQUICDCID, 1)
		if err != nil {
			return Field{}, err
		}
		return p.fixed(dcid.BitOffset+dcid.BitLength, (int(fb&0x03)+1)*8)
	}

	packetType := fb >> 4 & 0x03
	scid, err := p.Field(FieldQUICSCID, 1)
	if err != nil {
		return Field{}, err
	}
	off := scid.BitOffset + scid.BitLength

	// Token length and token exist only on Initial packets.
	if packetType == 0x00 {
		tokenLen, n, err := p.varint(off)
		if err != nil {
			return Field{}, err
		}
		if id == FieldQUICTokenLen {
			return Field{Value: p.frame[off/8 : off/8+n], BitOffset: off, BitLength: n * 8}, nil
		}
		if tokenLen > MaxFrameLen {
			return Field{}, fmt.Errorf("%w: token length %d", ErrMalformedField, tokenLen)
		}
		if id == FieldQUICToken {
			return p.fixed(off+n*8, int(tokenLen)*8)
		}
		off += n*8 + int(tokenLen)*8
	} else if id == FieldQUICTokenLen || id == FieldQUICToken {
		return Field{}, fmt.Errorf("%w: %s on packet type %d", ErrFieldAbsent, id, packetType)
	}

	// Retry packets carry neither length nor packet number.
	if packetType == 0x03 {
		return Field{}, fmt.Errorf("%w: %s on Retry", ErrFieldAbsent, id)
	}

	_, n, err := p.varint(off)
	if err != nil {
		return Field{}, err
	}
	if id == FieldQUICLength {
		return Field{Value: p.frame[off/8 : off/8+n], BitOffset: off, BitLength: n * 8}, nil
	}
	return p.fixed(off+n*8, (int(fb&0x03)+1)*8)
}

// MaxFrameLen bounds any length field read from the wire.
const MaxFrameLen = 1 << 16

// lenOf returns the value of a one-octet length field.
func (p *Parser) lenOf(id FieldID) (int, error) {
	f, err := p.Field(id, 1)
	if err != nil {
		return 0, err
	}
	return int(f.Value[0]), nil
}

// varint parses a QUIC variable-length integer at bit offset off, which must
// be byte aligned. Returns the value and its encoded length in octets.
func (p *Parser) varint(off int) (uint64, int, error) {
	if off%8 != 0 {
		return 0, 0, fmt.Errorf("%w: varint at bit offset %d", ErrMalformedField, off)
	}
	if off/8 >= len(p.frame) {
		return 0, 0, bitbuf.ErrUnderrun
	}
	v, n, err := quicvarint.Parse(p.frame[off/8:])
	if err != nil {
		return 0, 0, bitbuf.ErrUnderrun
	}
	return v, n, nil
}

// QUICHeaderLen returns the QUIC header length in octets, through the packet
// number. This is where the application payload starts within the UDP
// payload.
func (p *Parser) QUICHeaderLen() (int, error) {
	pn, err := p.Field(FieldQUICPacketNumber, 1)
	if err != nil {
		return 0, err
	}
	return (pn.BitOffset+pn.BitLength)/8 - quicBit/8, nil
}
