package parser

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"secgroup-engine/internal/model"
)

// PcapPacketReader turns the frames of a classic pcap file into packet
// descriptors. pcap carries no enforcement direction, so every descriptor
// gets the reader's Direction.
type PcapPacketReader struct {
	Direction model.Direction

	reader *pcapgo.Reader
	record int
}

func NewPcapPacketReader(r io.Reader) (*PcapPacketReader, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not read pcap header: %w", err)
	}
	return &PcapPacketReader{reader: reader}, nil
}

func (p *PcapPacketReader) Next() (*model.Packet, error) {
	data, _, err := p.reader.ReadPacketData()
	if err != nil {
		return nil, err
	}
	p.record++
	pkt, err := decodeFrame(data, p.reader.LinkType())
	if err != nil {
		return nil, &RecordError{Record: p.record, Err: err}
	}
	pkt.Direction = p.Direction
	return pkt, nil
}

func decodeFrame(data []byte, linkType layers.LinkType) (*model.Packet, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var pkt model.Packet
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		pkt.Src, pkt.Dst = addrFromIP(ip.SrcIP), addrFromIP(ip.DstIP)
		pkt.Protocol = model.Protocol(ip.Protocol)
	case *layers.IPv6:
		pkt.Src, pkt.Dst = addrFromIP(ip.SrcIP), addrFromIP(ip.DstIP)
		pkt.Protocol = model.Protocol(ip.NextHeader)
	default:
		if errLayer := packet.ErrorLayer(); errLayer != nil {
			return nil, fmt.Errorf("undecodable frame: %w", errLayer.Error())
		}
		return nil, fmt.Errorf("frame carries no IP packet")
	}

	switch l4 := packet.TransportLayer().(type) {
	case *layers.TCP:
		pkt.SrcPort, pkt.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
		pkt.Flags = tcpFlags(l4)
		return &pkt, nil
	case *layers.UDP:
		pkt.SrcPort, pkt.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
		return &pkt, nil
	}

	if icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		pkt.Protocol = model.ProtoICMP
		pkt.ICMPType, pkt.ICMPCode = icmp.TypeCode.Type(), icmp.TypeCode.Code()
		pkt.ICMPID = icmp.Id
		pkt.Payload = icmp.Payload
		return &pkt, nil
	}
	if icmp, ok := packet.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		pkt.Protocol = model.ProtoICMPv6
		pkt.ICMPType, pkt.ICMPCode = icmp.TypeCode.Type(), icmp.TypeCode.Code()
		if echo, ok := packet.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo); ok {
			pkt.ICMPID = echo.Identifier
		}
		// The first four bytes after the type, code and checksum are the rest
		// of the ICMPv6 header.
		if len(icmp.Payload) >= 4 {
			pkt.Payload = icmp.Payload[4:]
		}
		return &pkt, nil
	}
	if pkt.Protocol.HasPorts() || pkt.Protocol.IsICMP() {
		return nil, fmt.Errorf("truncated %s header", pkt.Protocol)
	}
	return &pkt, nil
}

func addrFromIP(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}

func tcpFlags(tcp *layers.TCP) model.TCPFlags {
	var f model.TCPFlags
	if tcp.FIN {
		f |= model.FlagFIN
	}
	if tcp.SYN {
		f |= model.FlagSYN
	}
	if tcp.RST {
		f |= model.FlagRST
	}
	if tcp.ACK {
		f |= model.FlagACK
	}
	return f
}
