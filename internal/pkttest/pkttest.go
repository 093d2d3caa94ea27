// Package pkttest builds TCP/IPv4 packets for tests, with lengths and checksums
// computed by gopacket.
package pkttest

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	PeerAddr  = netip.MustParseAddr("10.1.0.2")
	LocalAddr = netip.MustParseAddr("10.1.0.1")

	peerMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	localMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// Segment describes one TCP segment.
type Segment struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	SYN, ACK         bool
	FIN, RST         bool
	Window           uint16
	MSS              uint16
	Payload          []byte
}

// Inbound returns a segment from the peer to local port dport.
func Inbound(sport, dport uint16) Segment {
	return Segment{
		Src:     PeerAddr,
		Dst:     LocalAddr,
		SrcPort: sport,
		DstPort: dport,
		Window:  65535,
	}
}

// Outbound returns a segment from local port sport to the peer.
func Outbound(sport, dport uint16) Segment {
	s := Inbound(dport, sport)
	s.Src, s.Dst = LocalAddr, PeerAddr
	s.SrcPort, s.DstPort = sport, dport
	return s
}

func (s Segment) layers() (*layers.IPv4, *layers.TCP) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    s.Src.AsSlice(),
		DstIP:    s.Dst.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		SYN:     s.SYN,
		ACK:     s.ACK,
		FIN:     s.FIN,
		RST:     s.RST,
		Window:  s.Window,
	}
	if s.MSS != 0 {
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(s.MSS >> 8), byte(s.MSS)},
		}}
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return ip, tcp
}

// IPv4 serializes the segment as an IPv4 packet.
func (s Segment) IPv4() []byte {
	ip, tcp := s.layers()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(s.Payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Frame serializes the segment in an Ethernet frame.
func (s Segment) Frame() []byte {
	ip, tcp := s.layers()
	eth := &layers.Ethernet{
		SrcMAC:       peerMAC,
		DstMAC:       localMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(s.Payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UDPFrame returns an Ethernet frame carrying a UDP datagram, for filter tests.
func UDPFrame() []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    PeerAddr.AsSlice(),
		DstIP:    LocalAddr.AsSlice(),
	}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	_ = udp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: peerMAC, DstMAC: localMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("dns"))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Corrupt returns a copy of pkt with one payload bit flipped.
func Corrupt(pkt []byte) []byte {
	out := append([]byte(nil), pkt...)
	out[len(out)-1] ^= 0x01
	return out
}
