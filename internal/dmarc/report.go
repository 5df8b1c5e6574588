// Package dmarc decodes and parses DMARC aggregate feedback reports
// (RFC 7489 appendix C) into a canonical in-memory shape.
package dmarc

import (
	"time"
)

// Disposition is the policy action applied to a message group.
type Disposition string

const (
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
)

// AlignmentMode is the published adkim/aspf mode.
type AlignmentMode string

const (
	AlignmentRelaxed AlignmentMode = "relaxed"
	AlignmentStrict  AlignmentMode = "strict"
)

// AuthResult is a per-mechanism authentication outcome.
type AuthResult string

const (
	ResultPass      AuthResult = "pass"
	ResultFail      AuthResult = "fail"
	ResultNeutral   AuthResult = "neutral"
	ResultSoftfail  AuthResult = "softfail"
	ResultNone      AuthResult = "none"
	ResultTemperror AuthResult = "temperror"
	ResultPermerror AuthResult = "permerror"
)

var dispositions = map[string]Disposition{
	"none":       DispositionNone,
	"quarantine": DispositionQuarantine,
	"reject":     DispositionReject,
}

var authResults = map[string]AuthResult{
	"pass":      ResultPass,
	"fail":      ResultFail,
	"neutral":   ResultNeutral,
	"softfail":  ResultSoftfail,
	"none":      ResultNone,
	"temperror": ResultTemperror,
	"permerror": ResultPermerror,
	// Seen from a handful of receivers; RFC 8601 spellings.
	"hardfail":  ResultFail,
	"temp-fail": ResultTemperror,
	"perm-fail": ResultPermerror,
}

// ParseDisposition maps a wire or filter value onto a Disposition.
func ParseDisposition(s string) (Disposition, bool) {
	d, ok := dispositions[normalizeToken(s)]
	return d, ok
}

// ParseAuthResult maps a wire or filter value onto an AuthResult.
func ParseAuthResult(s string) (AuthResult, bool) {
	r, ok := authResults[normalizeToken(s)]
	return r, ok
}

// Policy is the <policy_published> section.
type Policy struct {
	Domain string
	P      Disposition
	SP     Disposition
	Pct    int
	ADKIM  AlignmentMode
	ASPF   AlignmentMode
	FO     string
}

// DKIMAuth is the auth_results/dkim outcome chosen for a record.
type DKIMAuth struct {
	Domain   string
	Selector string
	Result   AuthResult
}

// SPFAuth is the auth_results/spf outcome chosen for a record.
type SPFAuth struct {
	Domain string
	Scope  string
	Result AuthResult
}

// Reason is a policy override reason.
type Reason struct {
	Type    string
	Comment string
}

// Record is one (source, disposition, auth result) group of a report.
// DKIM and SPF are nil when the receiver reported no result for that
// mechanism.
type Record struct {
	SourceIP     string
	Count        int64
	Disposition  Disposition
	PolicyDKIM   string
	PolicySPF    string
	Reasons      []Reason
	HeaderFrom   string
	EnvelopeFrom string
	EnvelopeTo   string
	DKIM         *DKIMAuth
	SPF          *SPFAuth
}

// DKIMResult returns the record's DKIM result or nil.
func (r Record) DKIMResult() *AuthResult {
	if r.DKIM == nil {
		return nil
	}
	v := r.DKIM.Result
	return &v
}

// SPFResult returns the record's SPF result or nil.
func (r Record) SPFResult() *AuthResult {
	if r.SPF == nil {
		return nil
	}
	v := r.SPF.Result
	return &v
}

// ParsedReport is a validated aggregate report.
type ParsedReport struct {
	Version          string
	ReportID         string
	OrgName          string
	Email            string
	ExtraContactInfo string
	Errors           []string
	DateBegin        time.Time
	DateEnd          time.Time
	Policy           Policy
	Records          []Record
	TotalMessages    int64
}
