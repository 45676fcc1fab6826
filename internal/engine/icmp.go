package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"secgroup-engine/internal/model"
)

var ErrNotCorrelated = errors.New("icmp error does not correlate")

// Highest code accepted for each ICMP error type.
var (
	icmpv4Errors = map[uint8]uint8{
		layers.ICMPv4TypeDestinationUnreachable: 15,
		layers.ICMPv4TypeSourceQuench:           0,
		layers.ICMPv4TypeRedirect:               3,
		layers.ICMPv4TypeTimeExceeded:           1,
		layers.ICMPv4TypeParameterProblem:       2,
	}
	icmpv6Errors = map[uint8]uint8{
		layers.ICMPv6TypeDestinationUnreachable: 7,
		layers.ICMPv6TypePacketTooBig:           0,
		layers.ICMPv6TypeTimeExceeded:           1,
		layers.ICMPv6TypeParameterProblem:       3,
	}
)

// IsICMPError reports whether pkt is an ICMP error message that must be
// matched against the flow it reports on.
func IsICMPError(pkt *model.Packet) bool {
	var table map[uint8]uint8
	switch pkt.Protocol {
	case model.ProtoICMP:
		table = icmpv4Errors
	case model.ProtoICMPv6:
		table = icmpv6Errors
	default:
		return false
	}
	maxCode, ok := table[pkt.ICMPType]
	return ok && pkt.ICMPCode <= maxCode
}

// Correlate rebuilds the tuple of the packet that caused an ICMP error from
// the IP header and leading transport bytes carried in its payload. The
// embedded packet was sent by the error's destination.
func Correlate(pkt *model.Packet) (model.Tuple, error) {
	if !IsICMPError(pkt) {
		return model.Tuple{}, fmt.Errorf("%w: type %d code %d is not an error", ErrNotCorrelated, pkt.ICMPType, pkt.ICMPCode)
	}
	orig, l4, err := decodeEmbeddedIP(pkt.Protocol, pkt.Payload)
	if err != nil {
		return model.Tuple{}, err
	}
	if err := fillTransport(&orig, l4); err != nil {
		return model.Tuple{}, err
	}
	if orig.Src != pkt.Dst.Unmap() {
		return model.Tuple{}, fmt.Errorf("%w: embedded source %s is not the error's destination %s",
			ErrNotCorrelated, orig.Src, pkt.Dst)
	}
	return orig, nil
}

func decodeEmbeddedIP(proto model.Protocol, payload []byte) (model.Tuple, []byte, error) {
	var orig model.Tuple
	switch proto {
	case model.ProtoICMP:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return orig, nil, fmt.Errorf("%w: embedded IPv4 header: %v", ErrNotCorrelated, err)
		}
		if ip.Version != 4 {
			return orig, nil, fmt.Errorf("%w: embedded header version %d", ErrNotCorrelated, ip.Version)
		}
		if ip.FragOffset != 0 {
			return orig, nil, fmt.Errorf("%w: embedded packet is a non-initial fragment", ErrNotCorrelated)
		}
		orig.Proto = model.Protocol(ip.Protocol)
		orig.Src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		orig.Dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
		return orig, ip.Payload, nil
	case model.ProtoICMPv6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return orig, nil, fmt.Errorf("%w: embedded IPv6 header: %v", ErrNotCorrelated, err)
		}
		if ip.Version != 6 {
			return orig, nil, fmt.Errorf("%w: embedded header version %d", ErrNotCorrelated, ip.Version)
		}
		orig.Proto = model.Protocol(ip.NextHeader)
		orig.Src, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		orig.Dst, _ = netip.AddrFromSlice(ip.DstIP.To16())
		orig.Src, orig.Dst = orig.Src.Unmap(), orig.Dst.Unmap()
		return orig, ip.Payload, nil
	}
	return orig, nil, fmt.Errorf("%w: protocol %s", ErrNotCorrelated, proto)
}

func fillTransport(orig *model.Tuple, l4 []byte) error {
	switch orig.Proto {
	case model.ProtoTCP, model.ProtoUDP:
		if len(l4) < 4 {
			return fmt.Errorf("%w: embedded %s header truncated", ErrNotCorrelated, orig.Proto)
		}
		orig.SrcPort = binary.BigEndian.Uint16(l4[0:2])
		orig.DstPort = binary.BigEndian.Uint16(l4[2:4])
	case model.ProtoICMP, model.ProtoICMPv6:
		if len(l4) < 8 {
			return fmt.Errorf("%w: embedded ICMP header truncated", ErrNotCorrelated)
		}
		if !isEcho(orig.Proto, l4[0]) {
			return fmt.Errorf("%w: embedded ICMP type %d has no flow", ErrNotCorrelated, l4[0])
		}
		id := binary.BigEndian.Uint16(l4[4:6])
		orig.SrcPort, orig.DstPort = id, id
	}
	return nil
}

func isEcho(proto model.Protocol, icmpType uint8) bool {
	if proto == model.ProtoICMP {
		return icmpType == layers.ICMPv4TypeEchoRequest || icmpType == layers.ICMPv4TypeEchoReply
	}
	return icmpType == layers.ICMPv6TypeEchoRequest || icmpType == layers.ICMPv6TypeEchoReply
}

// PartitionKey hashes the unordered address pair of the flow a packet
// belongs to. ICMP errors hash to the flow they report on when it can be
// decoded, so they are ordered after that flow's packets.
func PartitionKey(pkt *model.Packet) uint64 {
	a, b := pkt.Src.Unmap(), pkt.Dst.Unmap()
	if IsICMPError(pkt) {
		if orig, _, err := decodeEmbeddedIP(pkt.Protocol, pkt.Payload); err == nil {
			a, b = orig.Src, orig.Dst
		}
	}
	if b.Less(a) {
		a, b = b, a
	}
	a16, b16 := a.As16(), b.As16()
	var buf [32]byte
	copy(buf[:16], a16[:])
	copy(buf[16:], b16[:])
	return xxhash.Sum64(buf[:])
}
