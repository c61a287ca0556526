package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewancrowle/crimp/internal/packet"
)

func TestBuildFrameLayout(t *testing.T) {
	payload := []byte{0x40, 1, 2, 3, 4, 5, 6, 7, 8, 0x00}
	frame, err := buildFrame(payload, testSrc, testDst)
	require.NoError(t, err)
	require.Len(t, frame, 42+len(payload))

	p := packet.NewParser(frame, packet.Up)

	f, err := p.Field(packet.FieldEthernetType, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x00}, f.Value)

	f, err = p.Field(packet.FieldEthernetDst, 1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), f.Value)

	f, err = p.Field(packet.FieldIPv4Version, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, f.Value)

	f, err = p.Field(packet.FieldIPv4Flags, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, f.Value)

	f, err = p.Field(packet.FieldIPv4TTL, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{64}, f.Value)

	f, err = p.Field(packet.FieldIPv4TotalLength, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, byte(28 + len(payload))}, f.Value)

	f, err = p.Field(packet.FieldIPv4Src, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 1}, f.Value)

	f, err = p.Field(packet.FieldUDPDstPort, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07, 0xD0}, f.Value)

	f, err = p.Field(packet.FieldUDPLength, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, byte(8 + len(payload))}, f.Value)

	assert.Equal(t, payload, frame[42:])
}

func TestBuildFrameRejectsIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[2001:db8::1]:443")
	_, err := buildFrame(nil, src, testDst)
	assert.Error(t, err)
}
