package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"secgroup-engine/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

type ServiceEntry struct {
	Protocol model.Protocol
	Port     int
}

var serviceRegistry map[string][]ServiceEntry

// Names used in rule files that differ from the registry's.
var aliases = map[string]string{
	"DNS":      "DOMAIN",
	"POSTGRES": "POSTGRESQL",
	"RDP":      "MS-WBT-SERVER",
	"SMB":      "MICROSOFT-DS",
	"MSSQL":    "MS-SQL-S",
	"KUBE-API": "KUBE-APISERVER",
}

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue // Skip if port is not a valid number
		}
		register(record[1], model.ProtoTCP, port)
		register(record[2], model.ProtoUDP, port)
	}
}

func register(name string, proto model.Protocol, port int) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || name == "N/A" {
		return
	}
	serviceRegistry[name] = append(serviceRegistry[name], ServiceEntry{Protocol: proto, Port: port})
}

// GetService returns the port and protocol for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	entry, ok := serviceRegistry[key]
	return entry, ok
}

// PortRanges returns the ports a service name stands for under proto. Any
// protocol accepts the service's ports of every protocol.
func PortRanges(name string, proto model.Protocol) ([]model.PortRange, bool) {
	entries, ok := GetService(name)
	if !ok {
		return nil, false
	}
	seen := make(map[int]bool)
	var ranges []model.PortRange
	for _, e := range entries {
		if proto != model.ProtoAny && e.Protocol != proto {
			continue
		}
		if seen[e.Port] {
			continue
		}
		seen[e.Port] = true
		ranges = append(ranges, model.PortRange{Start: e.Port, End: e.Port})
	}
	return ranges, len(ranges) > 0
}
