package parser

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"

	"secgroup-engine/internal/model"
	"secgroup-engine/internal/utils"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLProvider loads security groups from a MySQL or MariaDB database.
//
//	sg_member(group_name, members)  members: JSON list of addresses, CIDRs or "sg:<group>"
//	sg_rule(group_name, priority, rule_id, direction, protocol, action,
//	        src_addresses, dst_addresses, src_ports, dst_ports, is_enabled)
type MySQLProvider struct {
	db *sql.DB

	Groups []model.SecurityGroup

	rawMembers map[string][]string
	rules      map[string][]model.Rule
}

func NewMySQLProvider(dsn string) (*MySQLProvider, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLProvider{
		db:         db,
		rawMembers: make(map[string][]string),
		rules:      make(map[string][]model.Rule),
	}, nil
}

func (p *MySQLProvider) Close() {
	p.db.Close()
}

func (p *MySQLProvider) Load() error {
	if err := p.loadMembers(); err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}
	if err := p.loadRules(); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	return p.buildGroups()
}

func (p *MySQLProvider) loadMembers() error {
	rows, err := p.db.Query("SELECT group_name, members FROM sg_member")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var groupName, membersJSON string
		if err := rows.Scan(&groupName, &membersJSON); err != nil {
			return err
		}
		var members []string
		if err := json.Unmarshal([]byte(membersJSON), &members); err != nil {
			return fmt.Errorf("group %s: members column: %w", groupName, err)
		}
		p.rawMembers[groupName] = append(p.rawMembers[groupName], members...)
	}
	return rows.Err()
}

func (p *MySQLProvider) loadRules() error {
	rows, err := p.db.Query(`SELECT group_name, rule_id, direction, protocol, action,
		src_addresses, dst_addresses, src_ports, dst_ports, is_enabled
		FROM sg_rule ORDER BY group_name ASC, priority ASC, id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var row ruleRow
		var isEnabled string
		if err := rows.Scan(&row.Group, &row.ID, &row.Direction, &row.Protocol, &row.Action,
			&row.SrcAddresses, &row.DstAddresses, &row.SrcPorts, &row.DstPorts, &isEnabled); err != nil {
			return err
		}
		if isEnabled != "enable" {
			slog.Debug("Skipping disabled rule", "group", row.Group, "rule", row.ID)
			continue
		}
		rule, err := row.toRule()
		if err != nil {
			return fmt.Errorf("group %s rule %s: %w", row.Group, row.ID, err)
		}
		p.rules[row.Group] = append(p.rules[row.Group], rule)
	}
	return rows.Err()
}

// ruleRow is one sg_rule row. Address and port columns hold JSON lists in
// the compact forms accepted by ParseAddress and ParsePorts; an empty list
// or NULL means any.
type ruleRow struct {
	Group        string
	ID           string
	Direction    string
	Protocol     string
	Action       string
	SrcAddresses sql.NullString
	DstAddresses sql.NullString
	SrcPorts     sql.NullString
	DstPorts     sql.NullString
}

func (r ruleRow) toRule() (model.Rule, error) {
	var rule model.Rule
	var err error
	rule.ID = r.ID
	if rule.Protocol, err = model.ParseProtocol(r.Protocol); err != nil {
		return rule, err
	}
	if rule.Action, err = model.ParseAction(r.Action); err != nil {
		return rule, err
	}
	if rule.Src, err = decodeAddresses(r.SrcAddresses); err != nil {
		return rule, fmt.Errorf("src_addresses: %w", err)
	}
	if rule.Dst, err = decodeAddresses(r.DstAddresses); err != nil {
		return rule, fmt.Errorf("dst_addresses: %w", err)
	}
	if rule.SrcPorts, err = decodePorts(r.SrcPorts, rule.Protocol); err != nil {
		return rule, fmt.Errorf("src_ports: %w", err)
	}
	if rule.DstPorts, err = decodePorts(r.DstPorts, rule.Protocol); err != nil {
		return rule, fmt.Errorf("dst_ports: %w", err)
	}
	if rule.Direction, err = parseDirection(r.Direction, rule); err != nil {
		return rule, err
	}
	return rule, rule.Validate()
}

func decodeList(col sql.NullString) ([]string, error) {
	if !col.Valid || strings.TrimSpace(col.String) == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(col.String), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func decodeAddresses(col sql.NullString) ([]model.AddressSpec, error) {
	items, err := decodeList(col)
	if err != nil {
		return nil, err
	}
	var specs []model.AddressSpec
	for _, item := range items {
		spec, err := ParseAddress(item)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func decodePorts(col sql.NullString, proto model.Protocol) ([]model.PortRange, error) {
	items, err := decodeList(col)
	if err != nil {
		return nil, err
	}
	var ranges []model.PortRange
	for _, item := range items {
		r, err := ParsePorts(item, proto)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r...)
	}
	return ranges, nil
}

func (p *MySQLProvider) buildGroups() error {
	names := make(map[string]bool)
	for name := range p.rawMembers {
		names[name] = true
	}
	for name := range p.rules {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	p.Groups = p.Groups[:0]
	for _, name := range sorted {
		members, err := p.flattenMembers(name, make(map[string]bool))
		if err != nil {
			return fmt.Errorf("group %s: %w", name, err)
		}
		if _, ok := p.rawMembers[name]; !ok {
			slog.Warn("Security group has rules but no members", "group", name)
		}
		p.Groups = append(p.Groups, model.SecurityGroup{
			Name:    name,
			Members: members,
			Rules:   p.rules[name],
		})
	}
	return nil
}

// flattenMembers resolves a group's member list, following "sg:<group>"
// entries into the members of other groups.
func (p *MySQLProvider) flattenMembers(name string, visited map[string]bool) ([]netip.Prefix, error) {
	if visited[name] {
		return nil, fmt.Errorf("circular dependency detected in security group '%s'", name)
	}
	visited[name] = true
	defer func() {
		delete(visited, name)
	}()

	var results []netip.Prefix
	for _, member := range p.rawMembers[name] {
		if nested, ok := strings.CutPrefix(strings.TrimSpace(member), "sg:"); ok {
			if _, exists := p.rawMembers[nested]; !exists {
				return nil, fmt.Errorf("member group '%s' does not exist", nested)
			}
			resolved, err := p.flattenMembers(nested, visited)
			if err != nil {
				return nil, err
			}
			results = append(results, resolved...)
			continue
		}
		prefix, err := utils.ParsePrefix(member)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", member, err)
		}
		results = append(results, prefix)
	}
	return results, nil
}
