package session

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildFrame wraps a raw QUIC payload in a synthetic Ethernet+IPv4+UDP
// frame so the field parser sees a full frame. The IPv4 header has no
// options, DF set, TTL 64; lengths and both checksums are computed. The
// Ethernet header is prepended by hand: zero MACs, and no minimum-frame
// padding that would change the payload extent.
func buildFrame(quicPayload []byte, src, dst netip.AddrPort) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, fmt.Errorf("session: synthetic framing is IPv4 only (got %s -> %s)", src.Addr(), dst.Addr())
	}
	srcIP := src.Addr().As4()
	dstIP := dst.Addr().As4()

	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(srcIP[:]),
		DstIP:    net.IP(dstIP[:]),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, fmt.Errorf("session: frame checksum setup: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, &udp, gopacket.Payload(quicPayload)); err != nil {
		return nil, fmt.Errorf("session: frame assembly: %w", err)
	}

	ipPacket := buf.Bytes()
	frame := make([]byte, 14, 14+len(ipPacket))
	frame[12], frame[13] = 0x08, 0x00
	return append(frame, ipPacket...), nil
}
