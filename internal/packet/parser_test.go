package packet

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFrame assembles an Ethernet+IPv4+UDP frame around quic, matching the
// synthetic framing the engine builds: zero MACs, 10.0.0.1:1000 -> 10.0.0.2:2000.
func testFrame(quic []byte) []byte {
	var b bytes.Buffer
	b.Write(make([]byte, 12))        // MACs
	b.Write([]byte{0x08, 0x00})      // EtherType IPv4
	ip := make([]byte, 20)
	ip[0] = 0x45                     // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:], uint16(20+8+len(quic)))
	ip[6] = 0x40                     // DF
	ip[8] = 64                       // TTL
	ip[9] = 17                       // UDP
	copy(ip[12:], []byte{10, 0, 0, 1})
	copy(ip[16:], []byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(ip[10:], 0xBEEF) // checksum, not validated here
	b.Write(ip)
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:], 1000)
	binary.BigEndian.PutUint16(udp[2:], 2000)
	binary.BigEndian.PutUint16(udp[4:], uint16(8+len(quic)))
	binary.BigEndian.PutUint16(udp[6:], 0xCAFE)
	b.Write(udp)
	b.Write(quic)
	return b.Bytes()
}

// longInitial builds a QUIC v1 Initial header with a 2-byte length varint,
// an empty token and a pnLen-byte packet number.
func longInitial(dcid, scid []byte, pnLen int, pn uint32, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(0xC0 | byte(pnLen-1))
	b.Write([]byte{0x00, 0x00, 0x00, 0x01})
	b.WriteByte(byte(len(dcid)))
	b.Write(dcid)
	b.WriteByte(byte(len(scid)))
	b.Write(scid)
	b.WriteByte(0x00) // token length varint: 0
	length := pnLen + len(payload)
	b.Write([]byte{0x40 | byte(length>>8), byte(length)}) // 2-byte length varint
	pnBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(pnBytes, pn)
	b.Write(pnBytes[4-pnLen:])
	b.Write(payload)
	return b.Bytes()
}

func shortHeader(dcid []byte, pnLen int, pn uint32, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(0x40 | byte(pnLen-1))
	b.Write(dcid)
	pnBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(pnBytes, pn)
	b.Write(pnBytes[4-pnLen:])
	b.Write(payload)
	return b.Bytes()
}

func TestParseFixedFields(t *testing.T) {
	frame := testFrame(shortHeader([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1, 7, nil))
	p := NewParser(frame, Up)

	tests := []struct {
		field FieldID
		value []byte
		off   int
		bits  int
	}{
		{FieldEthernetType, []byte{0x08, 0x00}, 96, 16},
		{FieldIPv4Version, []byte{4}, 112, 4},
		{FieldIPv4IHL, []byte{5}, 116, 4},
		{FieldIPv4Flags, []byte{2}, 160, 3},
		{FieldIPv4FragmentOffset, []byte{0, 0}, 163, 13},
		{FieldIPv4TTL, []byte{64}, 176, 8},
		{FieldIPv4Protocol, []byte{17}, 184, 8},
		{FieldIPv4Src, []byte{10, 0, 0, 1}, 208, 32},
		{FieldIPv4Dst, []byte{10, 0, 0, 2}, 240, 32},
		{FieldUDPSrcPort, []byte{0x03, 0xE8}, 272, 16},
		{FieldUDPDstPort, []byte{0x07, 0xD0}, 288, 16},
	}
	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			f, err := p.Field(tt.field, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.value, f.Value)
			assert.Equal(t, tt.off, f.BitOffset)
			assert.Equal(t, tt.bits, f.BitLength)
		})
	}
}

func TestParseLongHeader(t *testing.T) {
	dcid := []byte{0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8}
	scid := []byte{0xB1, 0xB2, 0xB3, 0xB4}
	frame := testFrame(longInitial(dcid, scid, 2, 0x1234, []byte{0xEE, 0xEE}))
	p := NewParser(frame, Up)

	f, err := p.Field(FieldQUICFirstByte, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC1}, f.Value)

	f, err = p.Field(FieldQUICVersion, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1}, f.Value)

	f, err = p.Field(FieldQUICDCID, 1)
	require.NoError(t, err)
	assert.Equal(t, dcid, f.Value)
	assert.Equal(t, 64, f.BitLength)

	f, err = p.Field(FieldQUICSCID, 1)
	require.NoError(t, err)
	assert.Equal(t, scid, f.Value)

	f, err = p.Field(FieldQUICTokenLen, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, f.Value)

	f, err = p.Field(FieldQUICLength, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, f.BitLength)

	f, err = p.Field(FieldQUICPacketNumber, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, f.Value)

	n, err := p.QUICHeaderLen()
	require.NoError(t, err)
	// 1 + 4 + 1 + 8 + 1 + 4 + 1 + 2 + 2
	assert.Equal(t, 24, n)
}

func TestParseShortHeader(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	frame := testFrame(shortHeader(dcid, 1, 0x42, []byte{0xDD}))

	t.Run("without context", func(t *testing.T) {
		p := NewParser(frame, Up)
		_, err := p.Field(FieldQUICDCID, 1)
		assert.ErrorIs(t, err, ErrContextRequired)

		_, err = p.Field(FieldQUICVersion, 1)
		assert.ErrorIs(t, err, ErrFieldAbsent)
	})

	t.Run("with context", func(t *testing.T) {
		p := NewParser(frame, Up)
		p.SetShortDCIDLen(8)

		f, err := p.Field(FieldQUICDCID, 1)
		require.NoError(t, err)
		assert.Equal(t, dcid, f.Value)

		f, err = p.Field(FieldQUICPacketNumber, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x42}, f.Value)

		n, err := p.QUICHeaderLen()
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})
}

func TestParseMalformedDCIDLen(t *testing.T) {
	quic := []byte{0xC0, 0x00, 0x00, 0x00, 0x01, 21} // DCID length 21 > 20
	p := NewParser(testFrame(quic), Up)
	_, err := p.Field(FieldQUICDCID, 1)
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestParseTokenAbsentOnHandshake(t *testing.T) {
	// Handshake packet (type 2): no token fields.
	quic := []byte{0xE0, 0x00, 0x00, 0x00, 0x01, 0x01, 0xAA, 0x01, 0xBB, 0x40, 0x01, 0x00}
	p := NewParser(testFrame(quic), Up)
	_, err := p.Field(FieldQUICToken, 1)
	assert.ErrorIs(t, err, ErrFieldAbsent)

	f, err := p.Field(FieldQUICLength, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x01}, f.Value)
}

func TestParseCaches(t *testing.T) {
	frame := testFrame(shortHeader([]byte{9, 9}, 1, 0, nil))
	p := NewParser(frame, Down)
	p.SetShortDCIDLen(2)

	f1, err := p.Field(FieldQUICDCID, 1)
	require.NoError(t, err)
	f2, err := p.Field(FieldQUICDCID, 1)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestParseTruncatedFrame(t *testing.T) {
	frame := testFrame(nil)
	p := NewParser(frame[:30], Up)
	_, err := p.Field(FieldIPv4Dst, 1)
	assert.Error(t, err)
}
