package store

import (
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"gorm.io/gorm"
)

// DayLayout is the format of Report.BeginDay.
const DayLayout = "2006-01-02"

// Report is one stored aggregate feedback document. Rows are immutable once
// written.
type Report struct {
	ID               uint64    `gorm:"primaryKey"`
	Fingerprint      string    `gorm:"size:64;not null;uniqueIndex"`
	ReportID         string    `gorm:"column:report_id;size:255;not null;index"`
	OrgName          string    `gorm:"size:255;not null;index"`
	Email            string    `gorm:"size:255"`
	ExtraContactInfo string    `gorm:"size:1024"`
	Domain           string    `gorm:"size:255;not null;index"`
	DateBegin        time.Time `gorm:"not null;index"`
	DateEnd          time.Time `gorm:"not null"`
	BeginDay         string    `gorm:"size:10;not null;index"`
	PolicyP          string    `gorm:"column:policy_p;size:16;not null"`
	PolicySP         string    `gorm:"column:policy_sp;size:16;not null"`
	PolicyPct        int       `gorm:"column:policy_pct;not null"`
	PolicyADKIM      string    `gorm:"column:policy_adkim;size:8;not null"`
	PolicyASPF       string    `gorm:"column:policy_aspf;size:8;not null"`
	PolicyFO         string    `gorm:"column:policy_fo;size:16"`
	TotalMessages    int64     `gorm:"not null"`
	RecordCount      int       `gorm:"not null"`
	ReceivedAt       time.Time `gorm:"not null"`
	RawXML           string    `gorm:"column:raw_xml;type:text"`
	Records          []Record  `gorm:"foreignKey:ReportRef;constraint:OnDelete:CASCADE"`
}

func (Report) TableName() string { return "reports" }

// Record is one (source, disposition, auth result) group of a Report.
// DKIMResult and SPFResult are nil when the receiver reported nothing.
type Record struct {
	ID           uint64  `gorm:"primaryKey"`
	ReportRef    uint64  `gorm:"column:report_ref;not null;index"`
	SourceIP     string  `gorm:"column:source_ip;size:45;not null;index"`
	SourceKey    string  `gorm:"column:source_key;size:33;index"`
	Count        int64   `gorm:"column:message_count;not null;check:message_count > 0"`
	Disposition  string  `gorm:"column:disposition;size:16;not null"`
	DKIMResult   *string `gorm:"column:dkim_result;size:16"`
	DKIMDomain   string  `gorm:"column:dkim_domain;size:255"`
	DKIMSelector string  `gorm:"column:dkim_selector;size:255"`
	SPFResult    *string `gorm:"column:spf_result;size:16"`
	SPFDomain    string  `gorm:"column:spf_domain;size:255"`
	SPFScope     string  `gorm:"column:spf_scope;size:16"`
	PolicyDKIM   string  `gorm:"column:policy_dkim;size:16"`
	PolicySPF    string  `gorm:"column:policy_spf;size:16"`
	HeaderFrom   string  `gorm:"column:header_from;size:255"`
	EnvelopeFrom string  `gorm:"column:envelope_from;size:255"`
	EnvelopeTo   string  `gorm:"column:envelope_to;size:255"`
}

func (Record) TableName() string { return "records" }

// BeforeCreate derives SourceKey so every insert path carries it.
func (r *Record) BeforeCreate(*gorm.DB) error {
	r.SourceKey = sourceKeyOf(r.SourceIP)
	return nil
}

// FromParsed converts a parsed report into its storable form.
func FromParsed(p *dmarc.ParsedReport, fingerprint string, raw []byte, receivedAt time.Time) *Report {
	begin := p.DateBegin.UTC()
	r := &Report{
		Fingerprint:      fingerprint,
		ReportID:         p.ReportID,
		OrgName:          p.OrgName,
		Email:            p.Email,
		ExtraContactInfo: p.ExtraContactInfo,
		Domain:           p.Policy.Domain,
		DateBegin:        begin,
		DateEnd:          p.DateEnd.UTC(),
		BeginDay:         begin.Format(DayLayout),
		PolicyP:          string(p.Policy.P),
		PolicySP:         string(p.Policy.SP),
		PolicyPct:        p.Policy.Pct,
		PolicyADKIM:      string(p.Policy.ADKIM),
		PolicyASPF:       string(p.Policy.ASPF),
		PolicyFO:         p.Policy.FO,
		TotalMessages:    p.TotalMessages,
		RecordCount:      len(p.Records),
		ReceivedAt:       receivedAt.UTC(),
		RawXML:           string(raw),
		Records:          make([]Record, 0, len(p.Records)),
	}

	for _, pr := range p.Records {
		rec := Record{
			SourceIP:     pr.SourceIP,
			Count:        pr.Count,
			Disposition:  string(pr.Disposition),
			PolicyDKIM:   pr.PolicyDKIM,
			PolicySPF:    pr.PolicySPF,
			HeaderFrom:   pr.HeaderFrom,
			EnvelopeFrom: pr.EnvelopeFrom,
			EnvelopeTo:   pr.EnvelopeTo,
		}
		if pr.DKIM != nil {
			res := string(pr.DKIM.Result)
			rec.DKIMResult = &res
			rec.DKIMDomain = pr.DKIM.Domain
			rec.DKIMSelector = pr.DKIM.Selector
		}
		if pr.SPF != nil {
			res := string(pr.SPF.Result)
			rec.SPFResult = &res
			rec.SPFDomain = pr.SPF.Domain
			rec.SPFScope = pr.SPF.Scope
		}
		r.Records = append(r.Records, rec)
	}
	return r
}
