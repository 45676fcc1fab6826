package parser

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"secgroup-engine/internal/model"
	"secgroup-engine/internal/utils"
	"secgroup-engine/pkg/wellknown"
)

// A zero-length prefix matches addresses of both families.
var anyPrefix = netip.MustParsePrefix("0.0.0.0/0")

// ParseAddress reads the compact address form used in database columns and
// on the command line: "local", "sg:<group>", a CIDR or a bare address.
func ParseAddress(s string) (model.AddressSpec, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "local"):
		return model.Local(), nil
	case strings.HasPrefix(strings.ToLower(s), "sg:"):
		name := strings.TrimSpace(s[3:])
		if name == "" {
			return model.AddressSpec{}, fmt.Errorf("empty security group in %q", s)
		}
		if strings.EqualFold(name, "local") {
			return model.Local(), nil
		}
		return model.GroupRef(name), nil
	case strings.EqualFold(s, "any"), strings.EqualFold(s, "all"):
		return model.CIDR(anyPrefix), nil
	}
	p, err := utils.ParsePrefix(s)
	if err != nil {
		return model.AddressSpec{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return model.CIDR(p), nil
}

// ParsePorts reads "all", "22", "8000-9000", "1024-" or a well-known service
// name. Service names resolve to the ports of proto.
func ParsePorts(s string, proto model.Protocol) ([]model.PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") || strings.EqualFold(s, "any") {
		return []model.PortRange{model.AllPorts}, nil
	}
	if s[0] >= '0' && s[0] <= '9' {
		r, err := parseRange(s)
		if err != nil {
			return nil, err
		}
		return []model.PortRange{r}, nil
	}
	ranges, ok := wellknown.PortRanges(s, proto)
	if !ok {
		return nil, fmt.Errorf("unknown service %q for protocol %s", s, proto)
	}
	return ranges, nil
}

func parseRange(s string) (model.PortRange, error) {
	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return model.PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	r := model.PortRange{Start: start, End: start}
	if isRange {
		endStr = strings.TrimSpace(endStr)
		if endStr == "" {
			r.End = -1
		} else if r.End, err = strconv.Atoi(endStr); err != nil {
			return model.PortRange{}, fmt.Errorf("invalid port range %q", s)
		}
	}
	if err := r.Validate(); err != nil {
		return model.PortRange{}, err
	}
	return r, nil
}
