package parser

import (
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"

	"secgroup-engine/internal/model"
)

func readAll(t *testing.T, r PacketReader) ([]*model.Packet, []error) {
	t.Helper()
	var pkts []*model.Packet
	var errs []error
	for {
		pkt, err := r.Next()
		if err == io.EOF {
			return pkts, errs
		}
		if err != nil {
			if !IsRecordError(err) {
				t.Fatalf("unexpected fatal error: %v", err)
			}
			errs = append(errs, err)
			continue
		}
		pkts = append(pkts, pkt)
	}
}

func TestCSVPacketReaderParsesRecords(t *testing.T) {
	trace := strings.Join([]string{
		"protocol,src_ip,src_port,dst_ip,dst_port,icmp_type,icmp_code,icmp_id,flags,direction,payload,comment",
		"tcp,20.1.1.1,40000,10.1.1.1,22,,,,S,ingress,,first",
		"udp,10.1.1.1,10000,20.1.1.1,10000,,,,,egress,,",
		"icmp,20.1.1.1,,10.1.1.1,,3,3,,,in,4500001c,unreachable",
		"icmp6,2001:db8::2,,2001:db8::1,,128,0,7,,,,",
	}, "\n")

	r, err := NewCSVPacketReader(strings.NewReader(trace))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	pkts, errs := readAll(t, r)
	if len(errs) != 0 {
		t.Fatalf("unexpected record errors: %v", errs)
	}
	if len(pkts) != 4 {
		t.Fatalf("expected 4 packets, got %d", len(pkts))
	}

	syn := pkts[0]
	if syn.Protocol != model.ProtoTCP || syn.DstPort != 22 || !syn.Flags.Has(model.FlagSYN) || syn.Direction != model.Ingress {
		t.Errorf("unexpected tcp packet %+v", syn)
	}
	if syn.Src != netip.MustParseAddr("20.1.1.1") {
		t.Errorf("src = %v", syn.Src)
	}

	icmp := pkts[2]
	if icmp.ICMPType != 3 || icmp.ICMPCode != 3 || len(icmp.Payload) != 4 || icmp.Payload[0] != 0x45 {
		t.Errorf("unexpected icmp packet %+v", icmp)
	}

	echo := pkts[3]
	if echo.Protocol != model.ProtoICMPv6 || echo.ICMPID != 7 || echo.Direction != model.DirectionUnknown {
		t.Errorf("unexpected icmp6 packet %+v", echo)
	}
}

func TestCSVPacketReaderReportsBadRecords(t *testing.T) {
	trace := strings.Join([]string{
		"src_ip,dst_ip,protocol,dst_port",
		"10.0.0.1,10.0.0.2,tcp,80",
		"10.0.0.1,not-an-ip,tcp,80",
		"10.0.0.1,10.0.0.2,tcp,70000",
		"10.0.0.1,10.0.0.2,gre-over-dns,1",
		"10.0.0.1,10.0.0.2,udp,53",
	}, "\n")

	r, err := NewCSVPacketReader(strings.NewReader(trace))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	pkts, errs := readAll(t, r)
	if len(pkts) != 2 {
		t.Fatalf("expected 2 good packets, got %d", len(pkts))
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 record errors, got %d", len(errs))
	}
	var re *RecordError
	if !errors.As(errs[0], &re) || re.Record != 2 {
		t.Errorf("expected first error on record 2, got %v", errs[0])
	}
}

func TestNewCSVPacketReaderErrorsOnMissingHeader(t *testing.T) {
	_, err := NewCSVPacketReader(strings.NewReader("src_ip,dst_port\n10.0.0.1,80\n"))
	if err == nil {
		t.Fatalf("expected error when required columns are missing")
	}

	_, err = NewCSVPacketReader(strings.NewReader(""))
	if err == nil {
		t.Fatalf("expected error when file is empty")
	}
}
