package conntrack

import (
	"fmt"
	"time"

	"secgroup-engine/internal/model"
)

// Timeouts are the idle lifetimes of tracked flows, per protocol.
type Timeouts struct {
	TCPEstablished time.Duration
	TCPFinsSeen    time.Duration
	TCPResetSeen   time.Duration
	UDP            time.Duration
	ICMP           time.Duration
	// Generic covers IP protocols without a dedicated timeout.
	Generic time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		TCPEstablished: time.Hour,
		TCPFinsSeen:    30 * time.Second,
		TCPResetSeen:   40 * time.Second,
		UDP:            60 * time.Second,
		ICMP:           5 * time.Second,
		Generic:        600 * time.Second,
	}
}

func (t Timeouts) Validate() error {
	for name, d := range map[string]time.Duration{
		"tcp-established": t.TCPEstablished,
		"tcp-fins-seen":   t.TCPFinsSeen,
		"tcp-reset-seen":  t.TCPResetSeen,
		"udp":             t.UDP,
		"icmp":            t.ICMP,
		"generic":         t.Generic,
	} {
		if d <= 0 {
			return fmt.Errorf("conntrack timeout %s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Expired checks whether a flow has been idle for longer than its protocol
// allows at the given time.
func (t Timeouts) Expired(f *Flow, now time.Time) (reason string, expired bool) {
	age := now.Sub(f.LastSeen)
	switch f.Key.Proto {
	case model.ProtoTCP:
		if f.Flags.Has(model.FlagRST) && age > t.TCPResetSeen {
			return "RST seen", true
		}
		if f.Flags.Has(model.FlagFIN) && age > t.TCPFinsSeen {
			return "FIN seen", true
		}
		if age > t.TCPEstablished {
			return "no traffic on TCP flow for too long", true
		}
	case model.ProtoUDP:
		if age > t.UDP {
			return "no traffic on UDP flow for too long", true
		}
	case model.ProtoICMP, model.ProtoICMPv6:
		if age > t.ICMP {
			return "no traffic on ICMP flow for too long", true
		}
	default:
		if age > t.Generic {
			return "no traffic on generic IP flow for too long", true
		}
	}
	return "", false
}
