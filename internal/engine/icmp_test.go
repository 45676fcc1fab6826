package engine

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	. "github.com/onsi/gomega"

	"secgroup-engine/internal/model"
)

// embeddedUDP serializes the IP header and UDP header of the packet an ICMP
// error reports on, as carried after the ICMP header.
func embeddedUDP(t *testing.T, src, dst netip.Addr, sport, dport uint16) []byte {
	t.Helper()
	var ip gopacket.SerializableLayer
	var network gopacket.NetworkLayer
	if src.Is4() {
		v4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		ip, network = v4, v4
	} else {
		v6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
		ip, network = v6, v6
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(network); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload([]byte("hi"))); err != nil {
		t.Fatalf("serialize embedded packet: %v", err)
	}
	return buf.Bytes()
}

func embeddedEcho(t *testing.T, src, dst netip.Addr, id uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      1,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp); err != nil {
		t.Fatalf("serialize embedded echo: %v", err)
	}
	return buf.Bytes()
}

// quotedUDP builds the part of a UDP packet an ICMP error quotes: the IP
// header and the first 8 bytes of the datagram. The length fields still
// describe the full original packet of origLen bytes. ihl only applies to
// IPv4; words past the fixed header are filled with NOP options.
func quotedUDP(src, dst netip.Addr, sport, dport uint16, ihl, origLen int) []byte {
	var b []byte
	if src.Is4() {
		b = make([]byte, ihl*4)
		b[0] = 0x40 | byte(ihl)
		binary.BigEndian.PutUint16(b[2:4], uint16(origLen))
		b[8] = 64
		b[9] = byte(layers.IPProtocolUDP)
		s4, d4 := src.As4(), dst.As4()
		copy(b[12:16], s4[:])
		copy(b[16:20], d4[:])
		for i := 20; i < len(b); i++ {
			b[i] = 1 // NOP
		}
	} else {
		b = make([]byte, 40)
		b[0] = 0x60
		binary.BigEndian.PutUint16(b[4:6], uint16(origLen-40))
		b[6] = byte(layers.IPProtocolUDP)
		b[7] = 64
		s16, d16 := src.As16(), dst.As16()
		copy(b[8:24], s16[:])
		copy(b[24:40], d16[:])
	}
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], sport)
	binary.BigEndian.PutUint16(udp[2:4], dport)
	binary.BigEndian.PutUint16(udp[4:6], uint16(origLen-len(b)))
	return append(b, udp...)
}

func icmpError(src, dst netip.Addr, typ, code uint8, payload []byte) *model.Packet {
	proto := model.ProtoICMP
	if !src.Is4() {
		proto = model.ProtoICMPv6
	}
	return &model.Packet{
		Protocol:  proto,
		Src:       src,
		Dst:       dst,
		ICMPType:  typ,
		ICMPCode:  code,
		Payload:   payload,
		Direction: model.Ingress,
	}
}

func TestIsICMPError(t *testing.T) {
	g := NewWithT(t)
	v4 := func(typ, code uint8) *model.Packet {
		return &model.Packet{Protocol: model.ProtoICMP, ICMPType: typ, ICMPCode: code}
	}
	v6 := func(typ, code uint8) *model.Packet {
		return &model.Packet{Protocol: model.ProtoICMPv6, ICMPType: typ, ICMPCode: code}
	}

	for code := uint8(0); code <= 15; code++ {
		g.Expect(IsICMPError(v4(3, code))).To(BeTrue(), "3/%d", code)
	}
	g.Expect(IsICMPError(v4(3, 16))).To(BeFalse())
	g.Expect(IsICMPError(v4(4, 0))).To(BeTrue())
	g.Expect(IsICMPError(v4(5, 3))).To(BeTrue())
	g.Expect(IsICMPError(v4(11, 1))).To(BeTrue())
	g.Expect(IsICMPError(v4(12, 2))).To(BeTrue())
	g.Expect(IsICMPError(v4(0, 0))).To(BeFalse(), "echo reply")
	g.Expect(IsICMPError(v4(8, 0))).To(BeFalse(), "echo request")
	g.Expect(IsICMPError(v4(13, 0))).To(BeFalse(), "timestamp")

	g.Expect(IsICMPError(v6(1, 4))).To(BeTrue())
	g.Expect(IsICMPError(v6(2, 0))).To(BeTrue())
	g.Expect(IsICMPError(v6(3, 1))).To(BeTrue())
	g.Expect(IsICMPError(v6(4, 3))).To(BeTrue())
	g.Expect(IsICMPError(v6(128, 0))).To(BeFalse())

	g.Expect(IsICMPError(&model.Packet{Protocol: model.ProtoUDP, ICMPType: 3})).To(BeFalse())
}

func TestCorrelateUDP(t *testing.T) {
	g := NewWithT(t)
	gateway := netip.MustParseAddr("10.1.1.254")
	payload := embeddedUDP(t, webHost, remoteHost, 10000, 10001)

	orig, err := Correlate(icmpError(gateway, webHost, 11, 0, payload))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(orig).To(Equal(model.Tuple{
		Proto:   model.ProtoUDP,
		Src:     webHost,
		Dst:     remoteHost,
		SrcPort: 10000,
		DstPort: 10001,
	}))
}

func TestCorrelateQuotedHeaders(t *testing.T) {
	g := NewWithT(t)
	a6 := netip.MustParseAddr("2001:db8::1")
	b6 := netip.MustParseAddr("2001:db8::2")

	tests := map[string]struct {
		pkt  *model.Packet
		want model.Tuple
	}{
		"ipv4 header and 8 bytes": {
			pkt:  icmpError(remoteHost, webHost, 3, 4, quotedUDP(webHost, remoteHost, 10000, 10000, 5, 1500)),
			want: model.Tuple{Proto: model.ProtoUDP, Src: webHost, Dst: remoteHost, SrcPort: 10000, DstPort: 10000},
		},
		"ipv4 with options": {
			pkt:  icmpError(remoteHost, webHost, 3, 3, quotedUDP(webHost, remoteHost, 10000, 53, 6, 1500)),
			want: model.Tuple{Proto: model.ProtoUDP, Src: webHost, Dst: remoteHost, SrcPort: 10000, DstPort: 53},
		},
		"ipv6 header and 8 bytes": {
			pkt:  icmpError(b6, a6, 1, 4, quotedUDP(a6, b6, 5353, 53, 0, 1280)),
			want: model.Tuple{Proto: model.ProtoUDP, Src: a6, Dst: b6, SrcPort: 5353, DstPort: 53},
		},
	}
	for name, tt := range tests {
		orig, err := Correlate(tt.pkt)
		g.Expect(err).NotTo(HaveOccurred(), name)
		g.Expect(orig).To(Equal(tt.want), name)
	}
}

func TestCorrelateIPv6(t *testing.T) {
	g := NewWithT(t)
	a := netip.MustParseAddr("2001:db8::1")
	b := netip.MustParseAddr("2001:db8::2")

	orig, err := Correlate(icmpError(b, a, 1, 4, embeddedUDP(t, a, b, 5353, 53)))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(orig.Src).To(Equal(a))
	g.Expect(orig.DstPort).To(Equal(uint16(53)))
}

func TestCorrelateEcho(t *testing.T) {
	g := NewWithT(t)
	orig, err := Correlate(icmpError(remoteHost, webHost, 3, 1, embeddedEcho(t, webHost, remoteHost, 4242)))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(orig.Proto).To(Equal(model.ProtoICMP))
	g.Expect(orig.SrcPort).To(Equal(uint16(4242)))
	g.Expect(orig.DstPort).To(Equal(uint16(4242)))
}

func TestCorrelateRejects(t *testing.T) {
	g := NewWithT(t)
	valid := embeddedUDP(t, webHost, remoteHost, 10000, 10000)

	tests := map[string]*model.Packet{
		"not an error":        {Protocol: model.ProtoICMP, Src: remoteHost, Dst: webHost, ICMPType: 0, Payload: valid},
		"fabricated payload":  icmpError(remoteHost, webHost, 3, 3, []byte("payload")),
		"empty payload":       icmpError(remoteHost, webHost, 3, 3, nil),
		"truncated transport": icmpError(remoteHost, webHost, 3, 3, valid[:22]),
		"embedded source":     icmpError(remoteHost, remoteHost, 3, 3, valid),
		"family mismatch":     {Protocol: model.ProtoICMPv6, Src: remoteHost, Dst: webHost, ICMPType: 1, Payload: valid},
		"truncated echo":      icmpError(remoteHost, webHost, 3, 3, embeddedEcho(t, webHost, remoteHost, 1)[:24]),
	}
	for name, pkt := range tests {
		_, err := Correlate(pkt)
		g.Expect(err).To(HaveOccurred(), name)
		g.Expect(errors.Is(err, ErrNotCorrelated)).To(BeTrue(), name)
	}
}

func TestPartitionKeyIsUnordered(t *testing.T) {
	g := NewWithT(t)
	out := &model.Packet{Protocol: model.ProtoUDP, Src: webHost, Dst: remoteHost, SrcPort: 1, DstPort: 2}
	back := &model.Packet{Protocol: model.ProtoUDP, Src: remoteHost, Dst: webHost, SrcPort: 2, DstPort: 1}
	g.Expect(PartitionKey(out)).To(Equal(PartitionKey(back)))

	gateway := netip.MustParseAddr("10.1.1.254")
	errPkt := icmpError(gateway, webHost, 11, 0, embeddedUDP(t, webHost, remoteHost, 1, 2))
	g.Expect(PartitionKey(errPkt)).To(Equal(PartitionKey(out)), "errors follow the flow they report on")
}
