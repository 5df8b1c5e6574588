package store

import (
	"net/netip"
	"strings"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"gorm.io/gorm"
)

// Filter scopes a query. Zero fields do not restrict. Days and an explicit
// Start/End range are mutually exclusive, as are SourceIP and SourceIPRange.
type Filter struct {
	Domain        string     `json:"domain,omitempty" yaml:"domain"`
	Start         *time.Time `json:"start,omitempty" yaml:"start"`
	End           *time.Time `json:"end,omitempty" yaml:"end"`
	Days          int        `json:"days,omitempty" yaml:"days"`
	SourceIP      string     `json:"source_ip,omitempty" yaml:"source_ip"`
	SourceIPRange string     `json:"source_ip_range,omitempty" yaml:"source_ip_range"`
	DKIMResult    string     `json:"dkim_result,omitempty" yaml:"dkim_result"`
	SPFResult     string     `json:"spf_result,omitempty" yaml:"spf_result"`
	Disposition   string     `json:"disposition,omitempty" yaml:"disposition"`
	OrgName       string     `json:"org_name,omitempty" yaml:"org_name"`
}

// Validate rejects contradictory or malformed filters.
func (f Filter) Validate() error {
	if f.Days < 0 {
		return &FilterError{Field: "days", Reason: "must not be negative"}
	}
	if f.Days > 0 && (f.Start != nil || f.End != nil) {
		return &FilterError{Field: "days", Reason: "cannot be combined with an explicit start/end range"}
	}
	if f.Start != nil && f.End != nil && f.Start.After(*f.End) {
		return &FilterError{Field: "start", Reason: "is after end"}
	}
	if f.SourceIP != "" && f.SourceIPRange != "" {
		return &FilterError{Field: "source_ip", Reason: "cannot be combined with source_ip_range"}
	}
	if f.SourceIP != "" {
		if _, err := netip.ParseAddr(strings.TrimSpace(f.SourceIP)); err != nil {
			return &FilterError{Field: "source_ip", Reason: "not an IP address"}
		}
	}
	if f.SourceIPRange != "" {
		if _, err := netip.ParsePrefix(strings.TrimSpace(f.SourceIPRange)); err != nil {
			return &FilterError{Field: "source_ip_range", Reason: "malformed CIDR"}
		}
	}
	if f.DKIMResult != "" {
		if _, ok := dmarc.ParseAuthResult(f.DKIMResult); !ok {
			return &FilterError{Field: "dkim_result", Reason: "unknown result " + f.DKIMResult}
		}
	}
	if f.SPFResult != "" {
		if _, ok := dmarc.ParseAuthResult(f.SPFResult); !ok {
			return &FilterError{Field: "spf_result", Reason: "unknown result " + f.SPFResult}
		}
	}
	if f.Disposition != "" {
		if _, ok := dmarc.ParseDisposition(f.Disposition); !ok {
			return &FilterError{Field: "disposition", Reason: "unknown disposition " + f.Disposition}
		}
	}
	return nil
}

// Resolve validates f and returns a canonical copy with a relative Days
// window turned into an explicit range ending at now.
func (f Filter) Resolve(now time.Time) (Filter, error) {
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}

	out := f
	out.Domain = strings.ToLower(strings.TrimSpace(f.Domain))
	out.OrgName = strings.TrimSpace(f.OrgName)
	if f.Days > 0 {
		end := now.UTC()
		start := end.Add(-time.Duration(f.Days) * 24 * time.Hour)
		out.Start, out.End, out.Days = &start, &end, 0
	}
	if out.Start != nil {
		s := out.Start.UTC()
		out.Start = &s
	}
	if out.End != nil {
		e := out.End.UTC()
		out.End = &e
	}
	if f.SourceIP != "" {
		addr, _ := netip.ParseAddr(strings.TrimSpace(f.SourceIP))
		out.SourceIP = addr.Unmap().String()
	}
	if f.SourceIPRange != "" {
		p, _ := netip.ParsePrefix(strings.TrimSpace(f.SourceIPRange))
		out.SourceIPRange = p.Masked().String()
	}
	if f.DKIMResult != "" {
		r, _ := dmarc.ParseAuthResult(f.DKIMResult)
		out.DKIMResult = string(r)
	}
	if f.SPFResult != "" {
		r, _ := dmarc.ParseAuthResult(f.SPFResult)
		out.SPFResult = string(r)
	}
	if f.Disposition != "" {
		d, _ := dmarc.ParseDisposition(f.Disposition)
		out.Disposition = string(d)
	}
	return out, nil
}

// Shift returns the window of equal length immediately before f's window.
// f must already be resolved and carry both Start and End.
func (f Filter) Shift() Filter {
	out := f
	if f.Start == nil || f.End == nil {
		return out
	}
	length := f.End.Sub(*f.Start)
	end := f.Start.Add(-time.Nanosecond)
	start := end.Add(-length)
	out.Start, out.End = &start, &end
	return out
}

// HasRecordConditions reports whether f restricts individual records rather
// than whole reports.
func (f Filter) HasRecordConditions() bool {
	return f.SourceIP != "" || f.SourceIPRange != "" || f.DKIMResult != "" || f.SPFResult != "" || f.Disposition != ""
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// Page is limit/offset pagination.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type condition struct {
	sql  string
	args []any
}

func applyConditions(db *gorm.DB, conds []condition) *gorm.DB {
	for _, c := range conds {
		db = db.Where(c.sql, c.args...)
	}
	return db
}

func reportConditions(f Filter) []condition {
	var conds []condition
	if f.Domain != "" {
		conds = append(conds, condition{"reports.domain = ?", []any{f.Domain}})
	}
	if f.Start != nil {
		conds = append(conds, condition{"reports.date_begin >= ?", []any{*f.Start}})
	}
	if f.End != nil {
		conds = append(conds, condition{"reports.date_begin <= ?", []any{*f.End}})
	}
	if f.OrgName != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.OrgName)) + "%"
		conds = append(conds, condition{`LOWER(reports.org_name) LIKE ? ESCAPE '\'`, []any{pattern}})
	}
	return conds
}

// recordConditions matches a CIDR as a range over records.source_key, so
// the bound parameters stay fixed however many addresses are stored.
func recordConditions(f Filter) ([]condition, error) {
	var conds []condition
	if f.SourceIP != "" {
		conds = append(conds, condition{"records.source_ip = ?", []any{f.SourceIP}})
	}
	if f.SourceIPRange != "" {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(f.SourceIPRange))
		if err != nil {
			return nil, &FilterError{Field: "source_ip_range", Reason: "malformed CIDR"}
		}
		lo, hi := prefixKeys(prefix)
		conds = append(conds, condition{"records.source_key BETWEEN ? AND ?", []any{lo, hi}})
	}
	if f.DKIMResult != "" {
		conds = append(conds, condition{"records.dkim_result = ?", []any{f.DKIMResult}})
	}
	if f.SPFResult != "" {
		conds = append(conds, condition{"records.spf_result = ?", []any{f.SPFResult}})
	}
	if f.Disposition != "" {
		conds = append(conds, condition{"records.disposition = ?", []any{f.Disposition}})
	}
	return conds, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
