package parser

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"secgroup-engine/internal/model"
)

// PacketReader yields packet descriptors until io.EOF. A record that cannot
// be turned into a descriptor is reported as a *RecordError; reading can
// continue after one.
type PacketReader interface {
	Next() (*model.Packet, error)
}

type RecordError struct {
	Record int
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Record, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// IsRecordError reports whether err concerns a single record only.
func IsRecordError(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}

// CSV packet trace columns. Only protocol, src_ip and dst_ip are required;
// other columns may be missing or empty and default to zero.
const (
	colProtocol = "protocol"
	colSrcIP    = "src_ip"
	colSrcPort  = "src_port"
	colDstIP    = "dst_ip"
	colDstPort  = "dst_port"
	colICMPType = "icmp_type"
	colICMPCode = "icmp_code"
	colICMPID   = "icmp_id"
	colFlags    = "flags"
	colDir      = "direction"
	colPayload  = "payload"
)

type CSVPacketReader struct {
	reader *csv.Reader
	colMap map[string]int
	record int
}

func NewCSVPacketReader(r io.Reader) (*CSVPacketReader, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	colMap := make(map[string]int)
	for i, colName := range header {
		colMap[strings.ToLower(strings.TrimSpace(colName))] = i
	}
	for _, required := range []string{colProtocol, colSrcIP, colDstIP} {
		if _, ok := colMap[required]; !ok {
			return nil, fmt.Errorf("could not find '%s' column in packet file", required)
		}
	}
	return &CSVPacketReader{reader: reader, colMap: colMap}, nil
}

func (c *CSVPacketReader) Next() (*model.Packet, error) {
	record, err := c.reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			c.record++
			return nil, &RecordError{Record: c.record, Err: err}
		}
		return nil, err
	}
	c.record++
	pkt, err := c.parseRecord(record)
	if err != nil {
		return nil, &RecordError{Record: c.record, Err: err}
	}
	return pkt, nil
}

func (c *CSVPacketReader) field(record []string, col string) string {
	i, ok := c.colMap[col]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (c *CSVPacketReader) parseRecord(record []string) (*model.Packet, error) {
	var pkt model.Packet
	var err error

	if pkt.Protocol, err = model.ParseProtocol(c.field(record, colProtocol)); err != nil {
		return nil, err
	}
	if pkt.Src, err = netip.ParseAddr(c.field(record, colSrcIP)); err != nil {
		return nil, fmt.Errorf("src_ip: %w", err)
	}
	if pkt.Dst, err = netip.ParseAddr(c.field(record, colDstIP)); err != nil {
		return nil, fmt.Errorf("dst_ip: %w", err)
	}
	if pkt.SrcPort, err = c.uint16Field(record, colSrcPort); err != nil {
		return nil, err
	}
	if pkt.DstPort, err = c.uint16Field(record, colDstPort); err != nil {
		return nil, err
	}
	if pkt.ICMPID, err = c.uint16Field(record, colICMPID); err != nil {
		return nil, err
	}
	icmpType, err := c.uint8Field(record, colICMPType)
	if err != nil {
		return nil, err
	}
	icmpCode, err := c.uint8Field(record, colICMPCode)
	if err != nil {
		return nil, err
	}
	pkt.ICMPType, pkt.ICMPCode = icmpType, icmpCode

	if pkt.Flags, err = model.ParseTCPFlags(c.field(record, colFlags)); err != nil {
		return nil, err
	}
	if dir := c.field(record, colDir); dir != "" {
		if pkt.Direction, err = model.ParseDirection(dir); err != nil {
			return nil, err
		}
	}
	if payload := c.field(record, colPayload); payload != "" {
		if pkt.Payload, err = hex.DecodeString(payload); err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
	}
	return &pkt, nil
}

func (c *CSVPacketReader) uint16Field(record []string, col string) (uint16, error) {
	s := c.field(record, col)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", col, err)
	}
	return uint16(v), nil
}

func (c *CSVPacketReader) uint8Field(record []string, col string) (uint8, error) {
	s := c.field(record, col)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", col, err)
	}
	return uint8(v), nil
}
