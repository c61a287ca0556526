package bitbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReadBits(t *testing.T) {
	b := FromBytes([]byte{0xA5, 0x3C, 0xFF})

	tests := []struct {
		name string
		off  int
		n    int
		want uint64
	}{
		{"full first byte", 0, 8, 0xA5},
		{"high nibble", 0, 4, 0xA},
		{"low nibble", 4, 4, 0x5},
		{"cross byte boundary", 4, 8, 0x53},
		{"single bit set", 0, 1, 1},
		{"single bit clear", 1, 1, 0},
		{"sixteen bits", 0, 16, 0xA53C},
		{"zero width", 5, 0, 0},
		{"trailing bits", 16, 8, 0xFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ReadBits(tt.off, tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadBitsUnderrun(t *testing.T) {
	b := FromBytes([]byte{0x00})
	_, err := b.ReadBits(0, 9)
	assert.ErrorIs(t, err, ErrUnderrun)
	_, err = b.ReadBits(8, 1)
	assert.ErrorIs(t, err, ErrUnderrun)
	_, err = b.ReadBits(-1, 4)
	assert.ErrorIs(t, err, ErrUnderrun)
}

func TestReadBitsWidth(t *testing.T) {
	b := FromBytes(make([]byte, 16))
	_, err := b.ReadBits(0, 65)
	assert.Error(t, err)
}

func TestReadOctets(t *testing.T) {
	b := FromBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	got, err := b.ReadOctets(0, 32)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got)

	// 12 bits starting mid-byte: 0xEAD -> final octet right-padded.
	got, err = b.ReadOctets(4, 12)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEA, 0xD0}, got)

	_, err = b.ReadOctets(0, 33)
	assert.ErrorIs(t, err, ErrUnderrun)
}

func TestAppendAndWrite(t *testing.T) {
	b := New()
	b.AppendBits(0x1, 4)  // 0001
	b.AppendBits(0x3F, 6) // 111111
	b.AppendBits(0x0, 6)  // 000000
	require.Equal(t, 16, b.Len())
	assert.Equal(t, []byte{0x1F, 0xC0}, b.Bytes())

	require.NoError(t, b.WriteBits(4, 0x00, 6))
	assert.Equal(t, []byte{0x10, 0x00}, b.Bytes())

	assert.ErrorIs(t, b.WriteBits(12, 0xF, 5), ErrUnderrun)
}

func TestAppendOctets(t *testing.T) {
	b := New()
	b.AppendBits(0x5, 3)
	b.AppendOctets([]byte{0xFF, 0x00}, 10)
	require.Equal(t, 13, b.Len())
	// 101 1111111100 -> 1011 1111 1110 0...
	assert.Equal(t, []byte{0xBF, 0xE0}, b.Bytes())
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		widths := rapid.SliceOfN(rapid.IntRange(1, 64), 1, 32).Draw(t, "widths")
		values := make([]uint64, len(widths))
		b := New()
		for i, w := range widths {
			v := rapid.Uint64().Draw(t, "value")
			if w < 64 {
				v &= 1<<uint(w) - 1
			}
			values[i] = v
			b.AppendBits(v, w)
		}

		off := 0
		for i, w := range widths {
			got, err := b.ReadBits(off, w)
			if err != nil {
				t.Fatalf("ReadBits(%d, %d): %v", off, w, err)
			}
			if got != values[i] {
				t.Fatalf("field %d: got %#x, want %#x", i, got, values[i])
			}
			off += w
		}
	})
}
