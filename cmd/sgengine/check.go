package main

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"secgroup-engine/internal/engine"
	"secgroup-engine/internal/model"
)

var (
	allowPrint = color.New(color.FgGreen, color.Bold).FprintfFunc()
	denyPrint  = color.New(color.FgRed, color.Bold).FprintfFunc()
	infoPrint  = color.New(color.FgBlue).FprintfFunc()
)

type checkOptions struct {
	provider  string
	rulesFile string
	rulesDB   string
	proto     string
	src       string
	dst       string
	sport     uint16
	dport     uint16
	icmpType  uint8
	icmpCode  uint8
	icmpID    uint16
	flags     string
	direction string
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide a single packet against the security groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.provider, "provider", "file", "Security group provider: 'file' or 'mysql'")
	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "Security group YAML file (for 'file' provider)")
	cmd.Flags().StringVar(&opts.rulesDB, "db", "", "Database connection string (for 'mysql' provider)")
	cmd.Flags().StringVar(&opts.proto, "proto", "tcp", "Protocol name or number")
	cmd.Flags().StringVar(&opts.src, "src", "", "Source address (required)")
	cmd.Flags().StringVar(&opts.dst, "dst", "", "Destination address (required)")
	cmd.Flags().Uint16Var(&opts.sport, "sport", 0, "Source port")
	cmd.Flags().Uint16Var(&opts.dport, "dport", 0, "Destination port")
	cmd.Flags().Uint8Var(&opts.icmpType, "icmp-type", 0, "ICMP type")
	cmd.Flags().Uint8Var(&opts.icmpCode, "icmp-code", 0, "ICMP code")
	cmd.Flags().Uint16Var(&opts.icmpID, "icmp-id", 0, "ICMP echo identifier")
	cmd.Flags().StringVar(&opts.flags, "flags", "S", "TCP flags (S, A, F, R)")
	cmd.Flags().StringVar(&opts.direction, "direction", string(modePath), "Enforcement point: 'path', 'ingress' or 'egress'")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")

	return cmd
}

func (o *checkOptions) packet() (*model.Packet, error) {
	proto, err := model.ParseProtocol(o.proto)
	if err != nil {
		return nil, err
	}
	src, err := netip.ParseAddr(o.src)
	if err != nil {
		return nil, fmt.Errorf("invalid source address: %w", err)
	}
	dst, err := netip.ParseAddr(o.dst)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	pkt := &model.Packet{
		Protocol: proto,
		Src:      src,
		Dst:      dst,
		SrcPort:  o.sport,
		DstPort:  o.dport,
		ICMPType: o.icmpType,
		ICMPCode: o.icmpCode,
		ICMPID:   o.icmpID,
	}
	if proto == model.ProtoTCP {
		if pkt.Flags, err = model.ParseTCPFlags(o.flags); err != nil {
			return nil, err
		}
	}
	return pkt, nil
}

func runCheck(out io.Writer, opts *checkOptions) error {
	mode, err := parseDirectionMode(opts.direction)
	if err != nil {
		return err
	}
	if mode == modePacket {
		return fmt.Errorf("check needs an explicit direction: path, ingress or egress")
	}
	pkt, err := opts.packet()
	if err != nil {
		return err
	}

	groups, err := loadGroups(opts.provider, opts.rulesFile, opts.rulesDB)
	if err != nil {
		return err
	}
	e := engine.New(engine.Options{Conntrack: cfg.Conntrack.Options()})
	if err := e.Install(groups); err != nil {
		return err
	}

	v := mode.decider(e)(pkt)
	infoPrint(out, "%s\n", pkt)
	if v.Allowed() {
		allowPrint(out, "ALLOW")
	} else {
		denyPrint(out, "DENY")
	}
	fmt.Fprintf(out, " reason=%s", v.Reason)
	if v.Group != "" {
		fmt.Fprintf(out, " group=%s rule=%s generation=%d", v.Group, v.RuleID, v.Generation)
	}
	fmt.Fprintln(out)
	return nil
}
