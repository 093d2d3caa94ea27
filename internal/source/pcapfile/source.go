// Package pcapfile reads TCP/IPv4 segments out of pcap captures for replay.
package pcapfile

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"
)

// Packet is one TCP/IPv4 packet from the capture.
type Packet struct {
	Timestamp time.Time
	// IPv4 is the IPv4 packet, header included, trimmed to its total length.
	IPv4 []byte
	// Inbound is set when the destination port is a listening port.
	Inbound bool

	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	SYN, ACK         bool
	FIN, RST         bool
	PayloadLen       int
}

// Stats counts what the source has read.
type Stats struct {
	Frames   uint64
	Filtered uint64
	Errors   uint64
	Packets  uint64
}

// Source reads packets from a pcap stream.
type Source struct {
	r      *pcapgo.Reader
	closer io.Closer
	vm     *bpf.VM
	first  gopacket.Decoder
	ports  map[uint16]bool
	stats  Stats
}

// Open opens a pcap file. Packets to or from ports are returned; with no ports every
// TCP packet is returned as inbound.
func Open(path string, ports []uint16) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	s, err := NewSource(f, ports)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewSource reads a pcap stream from r.
func NewSource(r io.Reader, ports []uint16) (*Source, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	lt := pr.LinkType()
	vm, err := compileFilter(lt)
	if err != nil {
		return nil, err
	}
	var first gopacket.Decoder = layers.LayerTypeEthernet
	if lt != layers.LinkTypeEthernet {
		first = layers.LayerTypeIPv4
	}
	s := &Source{
		r:     pr,
		vm:    vm,
		first: first,
		ports: make(map[uint16]bool, len(ports)),
	}
	for _, p := range ports {
		s.ports[p] = true
	}
	return s, nil
}

// Next returns the next TCP/IPv4 packet, or io.EOF.
func (s *Source) Next() (Packet, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Packet{}, io.EOF
			}
			return Packet{}, fmt.Errorf("failed to read packet: %w", err)
		}
		s.stats.Frames++

		if n, err := s.vm.Run(data); err != nil || n == 0 {
			s.stats.Filtered++
			continue
		}

		pkt, ok := s.decode(data)
		if !ok {
			s.stats.Errors++
			continue
		}
		if len(s.ports) > 0 {
			switch {
			case s.ports[pkt.DstPort]:
				pkt.Inbound = true
			case s.ports[pkt.SrcPort]:
			default:
				s.stats.Filtered++
				continue
			}
		} else {
			pkt.Inbound = true
		}
		pkt.Timestamp = ci.Timestamp
		s.stats.Packets++
		return pkt, nil
	}
}

func (s *Source) decode(data []byte) (Packet, bool) {
	p := gopacket.NewPacket(data, s.first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return Packet{}, false
	}
	tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return Packet{}, false
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())

	raw := make([]byte, 0, len(ip.Contents)+len(ip.Payload))
	raw = append(raw, ip.Contents...)
	raw = append(raw, ip.Payload...)

	return Packet{
		IPv4:       raw,
		Src:        src,
		Dst:        dst,
		SrcPort:    uint16(tcp.SrcPort),
		DstPort:    uint16(tcp.DstPort),
		Seq:        tcp.Seq,
		Ack:        tcp.Ack,
		SYN:        tcp.SYN,
		ACK:        tcp.ACK,
		FIN:        tcp.FIN,
		RST:        tcp.RST,
		PayloadLen: len(tcp.Payload),
	}, true
}

// Stats returns read statistics.
func (s *Source) Stats() Stats { return s.stats }

// Close closes the underlying file, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
