package packet

import "fmt"

// Direction classifies traffic relative to the client: client to server is
// Up, server to client is Down. Bidir appears only in rule descriptors and
// matches either packet direction.
type Direction int

const (
	Up Direction = iota
	Down
	Bidir
)

// Applies reports whether a descriptor direction d covers packets flowing
// in direction pkt.
func (d Direction) Applies(pkt Direction) bool {
	return d == Bidir || d == pkt
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Bidir:
		return "bidir"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection converts the rule-file spelling of a direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	case "bidir", "":
		return Bidir, nil
	}
	return 0, fmt.Errorf("packet: unknown direction %q", s)
}

// FieldID names one protocol field the parser can extract. The set is
// closed: Ethernet framing, the IPv4 and UDP headers, and the QUIC long and
// short header fields.
type FieldID int

const (
	FieldInvalid FieldID = iota

	FieldEthernetDst
	FieldEthernetSrc
	FieldEthernetType

	FieldIPv4Version
	FieldIPv4IHL
	FieldIPv4DSCP
	FieldIPv4ECN
	FieldIPv4TotalLength
	FieldIPv4Identification
	FieldIPv4Flags
	FieldIPv4FragmentOffset
	FieldIPv4TTL
	FieldIPv4Protocol
	FieldIPv4Checksum
	FieldIPv4Src
	FieldIPv4Dst

	FieldUDPSrcPort
	FieldUDPDstPort
	FieldUDPLength
	FieldUDPChecksum

	FieldQUICFirstByte
	FieldQUICVersion
	FieldQUICDCIDLen
	FieldQUICDCID
	FieldQUICSCIDLen
	FieldQUICSCID
	FieldQUICTokenLen
	FieldQUICToken
	FieldQUICLength
	FieldQUICPNLen
	FieldQUICPacketNumber
)

var fieldNames = map[FieldID]string{
	FieldEthernetDst:        "eth.dst",
	FieldEthernetSrc:        "eth.src",
	FieldEthernetType:       "eth.type",
	FieldIPv4Version:        "ipv4.version",
	FieldIPv4IHL:            "ipv4.ihl",
	FieldIPv4DSCP:           "ipv4.dscp",
	FieldIPv4ECN:            "ipv4.ecn",
	FieldIPv4TotalLength:    "ipv4.total_length",
	FieldIPv4Identification: "ipv4.identification",
	FieldIPv4Flags:          "ipv4.flags",
	FieldIPv4FragmentOffset: "ipv4.fragment_offset",
	FieldIPv4TTL:            "ipv4.ttl",
	FieldIPv4Protocol:       "ipv4.protocol",
	FieldIPv4Checksum:       "ipv4.header_checksum",
	FieldIPv4Src:            "ipv4.src",
	FieldIPv4Dst:            "ipv4.dst",
	FieldUDPSrcPort:         "udp.src_port",
	FieldUDPDstPort:         "udp.dst_port",
	FieldUDPLength:          "udp.length",
	FieldUDPChecksum:        "udp.checksum",
	FieldQUICFirstByte:      "quic.first_byte",
	FieldQUICVersion:        "quic.version",
	FieldQUICDCIDLen:        "quic.dcid_len",
	FieldQUICDCID:           "quic.dcid",
	FieldQUICSCIDLen:        "quic.scid_len",
	FieldQUICSCID:           "quic.scid",
	FieldQUICTokenLen:       "quic.token_len",
	FieldQUICToken:          "quic.token",
	FieldQUICLength:         "quic.length",
	FieldQUICPNLen:          "quic.pn_len",
	FieldQUICPacketNumber:   "quic.pn",
}

var fieldsByName = func() map[string]FieldID {
	m := make(map[string]FieldID, len(fieldNames))
	for id, name := range fieldNames {
		m[name] = id
	}
	return m
}()

func (f FieldID) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// FieldByName resolves the rule-file spelling of a field id.
func FieldByName(name string) (FieldID, error) {
	if id, ok := fieldsByName[name]; ok {
		return id, nil
	}
	return FieldInvalid, fmt.Errorf("packet: unknown field %q", name)
}

// IsEthernet reports whether f belongs to the synthetic Ethernet framing.
// Ethernet bits never count toward header totals: the frame exists only to
// satisfy the parser.
func (f FieldID) IsEthernet() bool {
	return f == FieldEthernetDst || f == FieldEthernetSrc || f == FieldEthernetType
}
