package parser

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"secgroup-engine/internal/model"
	"secgroup-engine/internal/utils"
)

type ruleFile struct {
	SecurityGroups []groupDoc `yaml:"security_groups"`
}

type groupDoc struct {
	Name    string    `yaml:"name"`
	Members []string  `yaml:"members"`
	Rules   []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID           string       `yaml:"id"`
	Direction    string       `yaml:"direction"`
	Protocol     string       `yaml:"protocol"`
	Action       string       `yaml:"action"`
	SrcAddresses []addressDoc `yaml:"src_addresses"`
	DstAddresses []addressDoc `yaml:"dst_addresses"`
	SrcPorts     []portDoc    `yaml:"src_ports"`
	DstPorts     []portDoc    `yaml:"dst_ports"`
}

type addressDoc struct {
	Subnet        *subnetDoc `yaml:"subnet"`
	CIDR          string     `yaml:"cidr"`
	SecurityGroup string     `yaml:"security_group"`
}

type subnetDoc struct {
	IPPrefix    string `yaml:"ip_prefix"`
	IPPrefixLen int    `yaml:"ip_prefix_len"`
}

type portDoc struct {
	StartPort *int   `yaml:"start_port"`
	EndPort   *int   `yaml:"end_port"`
	Service   string `yaml:"service"`
}

// LoadRuleFile reads security groups from a YAML rule file.
func LoadRuleFile(path string) ([]model.SecurityGroup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	groups, err := ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return groups, nil
}

// ParseRules decodes a rule document. Unknown keys are rejected so typos do
// not silently widen a rule.
func ParseRules(r io.Reader) ([]model.SecurityGroup, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc ruleFile
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	seen := make(map[string]bool)
	groups := make([]model.SecurityGroup, 0, len(doc.SecurityGroups))
	for _, gd := range doc.SecurityGroups {
		if gd.Name == "" {
			return nil, fmt.Errorf("security group without a name")
		}
		if seen[gd.Name] {
			return nil, fmt.Errorf("security group %s defined twice", gd.Name)
		}
		seen[gd.Name] = true

		g := model.SecurityGroup{Name: gd.Name}
		for _, m := range gd.Members {
			p, err := utils.ParsePrefix(m)
			if err != nil {
				return nil, fmt.Errorf("security group %s: member %q: %w", gd.Name, m, err)
			}
			g.Members = append(g.Members, p)
		}
		for i, rd := range gd.Rules {
			rule, err := rd.toRule()
			if err != nil {
				return nil, fmt.Errorf("security group %s: rule %d: %w", gd.Name, i, err)
			}
			g.Rules = append(g.Rules, rule)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (rd ruleDoc) toRule() (model.Rule, error) {
	var rule model.Rule
	var err error
	rule.ID = rd.ID
	if rule.Protocol, err = model.ParseProtocol(rd.Protocol); err != nil {
		return rule, err
	}
	if rule.Action, err = model.ParseAction(rd.Action); err != nil {
		return rule, err
	}
	for _, ad := range rd.SrcAddresses {
		spec, err := ad.toSpec()
		if err != nil {
			return rule, fmt.Errorf("src_addresses: %w", err)
		}
		rule.Src = append(rule.Src, spec)
	}
	for _, ad := range rd.DstAddresses {
		spec, err := ad.toSpec()
		if err != nil {
			return rule, fmt.Errorf("dst_addresses: %w", err)
		}
		rule.Dst = append(rule.Dst, spec)
	}
	for _, pd := range rd.SrcPorts {
		ranges, err := pd.toRanges(rule.Protocol)
		if err != nil {
			return rule, fmt.Errorf("src_ports: %w", err)
		}
		rule.SrcPorts = append(rule.SrcPorts, ranges...)
	}
	for _, pd := range rd.DstPorts {
		ranges, err := pd.toRanges(rule.Protocol)
		if err != nil {
			return rule, fmt.Errorf("dst_ports: %w", err)
		}
		rule.DstPorts = append(rule.DstPorts, ranges...)
	}
	if rule.Direction, err = parseDirection(rd.Direction, rule); err != nil {
		return rule, err
	}
	return rule, rule.Validate()
}

// parseDirection handles the one-way form ">", whose sense depends on which side
// names the owning group: traffic towards local members is ingress.
func parseDirection(s string, rule model.Rule) (model.Direction, error) {
	if strings.TrimSpace(s) != ">" {
		return model.ParseDirection(s)
	}
	srcLocal, dstLocal := hasLocal(rule.Src), hasLocal(rule.Dst)
	switch {
	case dstLocal && !srcLocal:
		return model.Ingress, nil
	case srcLocal && !dstLocal:
		return model.Egress, nil
	}
	return model.DirectionUnknown, fmt.Errorf(`direction ">" needs security_group local on exactly one side`)
}

func hasLocal(specs []model.AddressSpec) bool {
	for _, s := range specs {
		if s.Kind == model.AddressLocal {
			return true
		}
	}
	return false
}

func (ad addressDoc) toSpec() (model.AddressSpec, error) {
	set := 0
	if ad.Subnet != nil {
		set++
	}
	if ad.CIDR != "" {
		set++
	}
	if ad.SecurityGroup != "" {
		set++
	}
	if set != 1 {
		return model.AddressSpec{}, fmt.Errorf("address needs exactly one of subnet, cidr or security_group")
	}
	switch {
	case ad.Subnet != nil:
		p, err := utils.PrefixFromParts(ad.Subnet.IPPrefix, ad.Subnet.IPPrefixLen)
		if err != nil {
			return model.AddressSpec{}, err
		}
		return model.CIDR(p), nil
	case ad.CIDR != "":
		p, err := utils.ParsePrefix(ad.CIDR)
		if err != nil {
			return model.AddressSpec{}, err
		}
		return model.CIDR(p), nil
	}
	if strings.EqualFold(ad.SecurityGroup, "local") {
		return model.Local(), nil
	}
	return model.GroupRef(ad.SecurityGroup), nil
}

func (pd portDoc) toRanges(proto model.Protocol) ([]model.PortRange, error) {
	if pd.Service != "" {
		if pd.StartPort != nil || pd.EndPort != nil {
			return nil, fmt.Errorf("service %q combined with explicit ports", pd.Service)
		}
		return ParsePorts(pd.Service, proto)
	}
	if pd.StartPort == nil {
		return nil, fmt.Errorf("port entry needs start_port or service")
	}
	r := model.PortRange{Start: *pd.StartPort, End: *pd.StartPort}
	if pd.EndPort != nil {
		r.End = *pd.EndPort
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []model.PortRange{r}, nil
}
