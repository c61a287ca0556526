package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewancrowle/crimp/internal/packet"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		bits int
		want []byte
	}{
		{"decimal", "64", 8, []byte{64}},
		{"decimal padded", "4", 16, []byte{0, 4}},
		{"hex", "0x0800", 16, []byte{0x08, 0x00}},
		{"hex odd digits", "0x800", 16, []byte{0x08, 0x00}},
		{"hex cid", "0xA1A2A3A4", 32, []byte{0xA1, 0xA2, 0xA3, 0xA4}},
		{"variable keeps raw", "0xA1A2", 0, []byte{0xA1, 0xA2}},
		{"sub-byte", "2", 3, []byte{2}},
		{"zero", "0", 8, []byte{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.in, tt.bits)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseValue("0x112233", 16)
	assert.Error(t, err)
	_, err = ParseValue("not-a-number", 8)
	assert.Error(t, err)
}

func TestValueHelpers(t *testing.T) {
	assert.True(t, ValueEqual([]byte{0, 4}, []byte{4}))
	assert.False(t, ValueEqual([]byte{4}, []byte{5}))
	assert.True(t, ValueEqual(nil, []byte{0}))

	assert.Equal(t, 0, IndexBits(1))
	assert.Equal(t, 1, IndexBits(2))
	assert.Equal(t, 2, IndexBits(3))
	assert.Equal(t, 2, IndexBits(4))
	assert.Equal(t, 3, IndexBits(5))

	// 0xC1 = 1100 0001: top 2 bits = 3, low 6 bits = 1.
	assert.Equal(t, []byte{3}, MSBValue([]byte{0xC1}, 8, 2))
	assert.Equal(t, []byte{1}, LSBValue([]byte{0xC1}, 8, 6))
	// 13-bit value across bytes.
	assert.Equal(t, []byte{0x1F}, MSBValue([]byte{0x1F, 0xFF}, 13, 5))
	assert.Equal(t, 2, MappingIndex([][]byte{{1}, {2}, {3}}, []byte{0, 3}))
	assert.Equal(t, -1, MappingIndex([][]byte{{1}}, []byte{9}))
}

func TestValidateDuplicates(t *testing.T) {
	s := &Set{Rules: []Rule{
		{ID: 1, IDBits: 4},
		{ID: 1, IDBits: 4},
	}}
	err := s.Validate()
	assert.ErrorIs(t, err, ErrRuleFileInvalid)
}

func TestValidatePrefixFreedom(t *testing.T) {
	// 4-bit id 15 (1111) is a prefix of 8-bit id 240..255 (1111xxxx).
	s := &Set{Rules: []Rule{
		{ID: 15, IDBits: 4},
		{ID: 240, IDBits: 8},
	}}
	err := s.Validate()
	assert.ErrorIs(t, err, ErrRuleFileInvalid)

	ok := &Set{Rules: []Rule{
		{ID: 1, IDBits: 4},
		{ID: 240, IDBits: 8},
	}}
	assert.NoError(t, ok.Validate())
}

func TestValidateIDWidth(t *testing.T) {
	s := &Set{Rules: []Rule{{ID: 16, IDBits: 4}}}
	assert.ErrorIs(t, s.Validate(), ErrRuleFileInvalid)

	s = &Set{Rules: []Rule{{ID: 1, IDBits: 0}}}
	assert.ErrorIs(t, s.Validate(), ErrRuleFileInvalid)
}

func TestReserveRange(t *testing.T) {
	s := &Set{Rules: []Rule{{ID: 1, IDBits: 4}, {ID: 2, IDBits: 4}}}
	require.NoError(t, s.ReserveRange(240, 250, 8))

	// 4-bit id 15 shadows 8-bit 240..255.
	s = &Set{Rules: []Rule{{ID: 15, IDBits: 4}}}
	assert.ErrorIs(t, s.ReserveRange(240, 250, 8), ErrRuleFileInvalid)

	// Direct collision in the same length class.
	s = &Set{Rules: []Rule{{ID: 245, IDBits: 8}}}
	assert.ErrorIs(t, s.ReserveRange(240, 250, 8), ErrRuleFileInvalid)

	s = &Set{}
	assert.ErrorIs(t, s.ReserveRange(200, 300, 8), ErrRuleFileInvalid)
}

func TestLoadSet(t *testing.T) {
	content := `{
  "rules": [
    {
      "id": 1,
      "id_length": 4,
      "comment": "quic bidir",
      "fields": [
        {"field": "ipv4.ttl", "direction": "bidir", "position": 1, "target": "64", "operator": "equal", "action": "not-sent", "length": 8},
        {"field": "ipv4.src", "direction": "up", "target": "0x0A000001", "operator": "equal", "action": "not-sent", "length": 32},
        {"field": "quic.dcid", "direction": "bidir", "operator": "ignore", "action": "value-sent", "length": "variable"},
        {"field": "udp.src_port", "direction": "up", "target": "1024", "operator": "msb", "msb_bits": 6, "action": "lsb", "lsb_bits": 10, "length": 16},
        {"field": "quic.version", "direction": "bidir", "operator": "match-mapping", "mapping": ["0x00000001", "0x6B3343CF"], "action": "mapping-sent", "length": 32},
        {"field": "ipv4.header_checksum", "direction": "bidir", "operator": "ignore", "action": "compute-checksum", "length": 16}
      ]
    },
    {"id": 240, "id_length": 8, "fields": []}
  ]
}`
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	set, err := LoadSet(path)
	require.NoError(t, err)
	require.Len(t, set.Rules, 2)

	r := set.Rules[0]
	assert.Equal(t, uint32(1), r.ID)
	assert.Equal(t, 4, r.IDBits)
	assert.Equal(t, "quic bidir", r.Comment)
	require.Len(t, r.Fields, 6)

	ttl := r.Fields[0]
	assert.Equal(t, packet.FieldIPv4TTL, ttl.Field)
	assert.Equal(t, packet.Bidir, ttl.Direction)
	assert.Equal(t, []byte{64}, ttl.Target)
	assert.Equal(t, OpEqual, ttl.Op)
	assert.Equal(t, ActionNotSent, ttl.Action)
	assert.Equal(t, 8, ttl.Bits)

	dcid := r.Fields[2]
	assert.Equal(t, OpIgnore, dcid.Op)
	assert.Equal(t, 0, dcid.Bits)

	port := r.Fields[3]
	assert.Equal(t, OpMSB, port.Op)
	assert.Equal(t, 6, port.MSBBits)
	assert.Equal(t, ActionLSB, port.Action)
	assert.Equal(t, 10, port.LSBBits)

	ver := r.Fields[4]
	assert.Equal(t, OpMatchMapping, ver.Op)
	require.Len(t, ver.Mapping, 2)
	assert.Equal(t, []byte{0x6B, 0x33, 0x43, 0xCF}, ver.Mapping[1])
}

func TestLoadSetRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `{"rules":[{"id":1,"id_length":4,"fields":[{"field":"ipv6.src","operator":"equal","action":"not-sent"}]}]}`},
		{"unknown operator", `{"rules":[{"id":1,"id_length":4,"fields":[{"field":"ipv4.ttl","operator":"near","action":"not-sent"}]}]}`},
		{"unknown action", `{"rules":[{"id":1,"id_length":4,"fields":[{"field":"ipv4.ttl","operator":"equal","action":"maybe-sent"}]}]}`},
		{"duplicate id", `{"rules":[{"id":1,"id_length":4,"fields":[]},{"id":1,"id_length":4,"fields":[]}]}`},
		{"not json", `rules: []`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := LoadSet(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"short_dcid_length": 8}`), 0644))

	ctx, err := LoadContext(path)
	require.NoError(t, err)
	assert.Equal(t, 8, ctx.ShortDCIDLen)

	ctx, err = LoadContext("")
	require.NoError(t, err)
	assert.Equal(t, 0, ctx.ShortDCIDLen)
}
