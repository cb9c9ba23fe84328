// Package query composes the filtered read over traffic records. Values are always bound as
// parameters; table and column names come only from the constants below.
package query

import (
	"strings"
)

const (
	protoTCP   = "TCP"
	protoUDP   = "UDP"
	protoICMP  = "ICMP"
	protoOther = "OTHER"
)

var knownProtocols = []string{protoTCP, protoUDP, protoICMP}

// otherAliases are the spellings the UI may send for the catch-all selection.
var otherAliases = map[string]struct{}{
	"OTHER":  {},
	"OTHERS": {},
	"其他":     {},
}

const baseSelect = `SELECT r.record_id, r.session_id, r.down_speed, r.up_speed, r.source_ip, r.dest_ip, ` +
	`r.process_name, r.protocol, r.record_time, s.iface_name ` +
	`FROM traffic_records r JOIN monitoring_sessions s ON s.session_id = r.session_id`

const orderBy = ` ORDER BY r.record_time ASC, r.record_id ASC`

// Filter holds the optional dimensions. A zero value matches every record.
type Filter struct {
	Protocols    []string // OR-ed; "OTHER"/"其他" means NULL or not a known tag
	ProcessName  string   // exact, case-insensitive
	MinDownSpeed *float64 // KB/s, inclusive
	SessionID    *int64
	Limit        int // <= 0 means no limit
}

// Builder turns a Filter into SQL text plus its ordered arguments.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// Build never interpolates a filter value into the returned text.
func (b *Builder) Build(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if cond, cargs := protocolCondition(f.Protocols); cond != "" {
		conds = append(conds, cond)
		args = append(args, cargs...)
	}

	if name := strings.TrimSpace(f.ProcessName); name != "" {
		conds = append(conds, "LOWER(r.process_name) = LOWER(?)")
		args = append(args, name)
	}

	if f.MinDownSpeed != nil {
		conds = append(conds, "r.down_speed >= ?")
		args = append(args, *f.MinDownSpeed)
	}

	if f.SessionID != nil {
		conds = append(conds, "r.session_id = ?")
		args = append(args, *f.SessionID)
	}

	var sb strings.Builder
	sb.WriteString(baseSelect)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(orderBy)

	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	return sb.String(), args
}

func protocolCondition(protocols []string) (string, []any) {
	var (
		parts []string
		args  []any
		seen  = map[string]struct{}{}
	)

	for _, p := range protocols {
		tag := NormalizeProtocol(p)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}

		if tag == protoOther {
			parts = append(parts, "(r.protocol IS NULL OR r.protocol NOT IN ("+placeholders(len(knownProtocols))+"))")
			for _, k := range knownProtocols {
				args = append(args, k)
			}
			continue
		}
		parts = append(parts, "r.protocol = ?")
		args = append(args, tag)
	}

	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], args
	default:
		return "(" + strings.Join(parts, " OR ") + ")", args
	}
}

// NormalizeProtocol upper-cases known tags and folds every alias of the catch-all to OTHER.
// Unknown tags are returned trimmed and upper-cased so they still match exactly.
func NormalizeProtocol(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	up := strings.ToUpper(p)
	if _, ok := otherAliases[up]; ok {
		return protoOther
	}
	if _, ok := otherAliases[p]; ok {
		return protoOther
	}
	return up
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
