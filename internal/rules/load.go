package rules

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/ewancrowle/crimp/internal/packet"
)

// Rule file schema, JSON. Targets and mapping entries are hex ("0xC0A80001")
// or decimal ("64") strings; length is a bit count or the token "variable".
type ruleFile struct {
	Rules []rawRule `mapstructure:"rules"`
}

type rawRule struct {
	ID       uint32     `mapstructure:"id"`
	IDLength int        `mapstructure:"id_length"`
	Comment  string     `mapstructure:"comment"`
	Fields   []rawField `mapstructure:"fields"`
}

type rawField struct {
	Field     string   `mapstructure:"field"`
	Direction string   `mapstructure:"direction"`
	Position  int      `mapstructure:"position"`
	Target    string   `mapstructure:"target"`
	Operator  string   `mapstructure:"operator"`
	MSBBits   int      `mapstructure:"msb_bits"`
	Mapping   []string `mapstructure:"mapping"`
	Action    string   `mapstructure:"action"`
	LSBBits   int      `mapstructure:"lsb_bits"`
	Length    any      `mapstructure:"length"`
}

// LoadSet reads and validates a JSON rule file.
func LoadSet(path string) (*Set, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleFileInvalid, err)
	}

	var raw ruleFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleFileInvalid, err)
	}

	set := &Set{Rules: make([]Rule, 0, len(raw.Rules))}
	for _, rr := range raw.Rules {
		rule, err := convertRule(rr)
		if err != nil {
			return nil, err
		}
		set.Rules = append(set.Rules, rule)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func convertRule(rr rawRule) (Rule, error) {
	rule := Rule{ID: rr.ID, IDBits: rr.IDLength, Comment: rr.Comment}
	for _, rf := range rr.Fields {
		fd, err := convertField(rf)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: rule %d/%d: %v", ErrRuleFileInvalid, rr.ID, rr.IDLength, err)
		}
		rule.Fields = append(rule.Fields, fd)
	}
	return rule, nil
}

func convertField(rf rawField) (FieldDescriptor, error) {
	id, err := packet.FieldByName(rf.Field)
	if err != nil {
		return FieldDescriptor{}, err
	}
	dir, err := packet.ParseDirection(rf.Direction)
	if err != nil {
		return FieldDescriptor{}, err
	}

	fd := FieldDescriptor{
		Field:     id,
		Direction: dir,
		Position:  rf.Position,
		MSBBits:   rf.MSBBits,
		LSBBits:   rf.LSBBits,
	}
	if fd.Position == 0 {
		fd.Position = 1
	}

	fd.Bits, err = parseLength(rf.Length)
	if err != nil {
		return FieldDescriptor{}, fmt.Errorf("field %s: %v", rf.Field, err)
	}

	switch rf.Operator {
	case "equal", "":
		fd.Op = OpEqual
	case "ignore":
		fd.Op = OpIgnore
	case "msb":
		fd.Op = OpMSB
	case "match-mapping":
		fd.Op = OpMatchMapping
	default:
		return FieldDescriptor{}, fmt.Errorf("field %s: unknown operator %q", rf.Field, rf.Operator)
	}

	switch rf.Action {
	case "not-sent":
		fd.Action = ActionNotSent
	case "value-sent":
		fd.Action = ActionValueSent
	case "lsb":
		fd.Action = ActionLSB
	case "mapping-sent":
		fd.Action = ActionMappingSent
	case "compute-length":
		fd.Action = ActionComputeLength
	case "compute-checksum":
		fd.Action = ActionComputeChecksum
	default:
		return FieldDescriptor{}, fmt.Errorf("field %s: unknown action %q", rf.Field, rf.Action)
	}

	if rf.Target != "" {
		fd.Target, err = ParseValue(rf.Target, fd.Bits)
		if err != nil {
			return FieldDescriptor{}, fmt.Errorf("field %s: target: %v", rf.Field, err)
		}
	}
	for _, m := range rf.Mapping {
		val, err := ParseValue(m, fd.Bits)
		if err != nil {
			return FieldDescriptor{}, fmt.Errorf("field %s: mapping: %v", rf.Field, err)
		}
		fd.Mapping = append(fd.Mapping, val)
	}
	return fd, nil
}

func parseLength(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case string:
		if n == "variable" || n == "" {
			return 0, nil
		}
		bits, err := strconv.Atoi(n)
		if err != nil || bits < 0 {
			return 0, fmt.Errorf("bad length %q", n)
		}
		return bits, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("bad length %v", v)
}

// ParseValue converts a hex or decimal string into a big-endian value,
// left-padded to ceil(bits/8) octets when bits is known.
func ParseValue(s string, bits int) ([]byte, error) {
	var raw []byte
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		h := s[2:]
		if len(h)%2 == 1 {
			h = "0" + h
		}
		var err error
		raw, err = hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("bad hex value %q", s)
		}
	} else {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad decimal value %q", s)
		}
		for n > 0 {
			raw = append([]byte{byte(n)}, raw...)
			n >>= 8
		}
		if len(raw) == 0 {
			raw = []byte{0}
		}
	}

	if bits == 0 {
		return raw, nil
	}
	width := (bits + 7) / 8
	if len(raw) > width {
		trimmed := trimLeadingZeros(raw)
		if len(trimmed) > width {
			return nil, fmt.Errorf("value %q wider than %d bits", s, bits)
		}
		raw = trimmed
	}
	out := make([]byte, width)
	copy(out[width-len(raw):], raw)
	return out, nil
}
