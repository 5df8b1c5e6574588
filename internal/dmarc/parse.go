package dmarc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// Parse validates and normalizes one DMARC aggregate XML document. It does
// no I/O. Unknown elements are ignored.
func Parse(data []byte) (*ParsedReport, error) {
	var fb wireFeedback

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&fb); err != nil {
		return nil, &ValidationError{Reason: "malformed XML", Err: err}
	}

	if fb.Metadata == nil {
		return nil, missing("report_metadata")
	}
	if fb.Policy == nil {
		return nil, missing("policy_published")
	}
	if len(fb.Records) == 0 {
		return nil, missing("record")
	}

	report := &ParsedReport{Version: strings.TrimSpace(fb.Version)}
	if err := parseMetadata(fb.Metadata, report); err != nil {
		return nil, err
	}

	policy, err := parsePolicy(fb.Policy)
	if err != nil {
		return nil, err
	}
	report.Policy = policy

	report.Records = make([]Record, 0, len(fb.Records))
	for i := range fb.Records {
		rec, err := parseRecord(i, &fb.Records[i])
		if err != nil {
			return nil, err
		}
		report.TotalMessages += rec.Count
		report.Records = append(report.Records, rec)
	}

	return report, nil
}

func parseMetadata(m *wireMetadata, r *ParsedReport) error {
	r.OrgName = strings.TrimSpace(m.OrgName)
	if r.OrgName == "" {
		return missing("report_metadata/org_name")
	}
	r.ReportID = strings.TrimSpace(m.ReportID)
	if r.ReportID == "" {
		return missing("report_metadata/report_id")
	}
	r.Email = strings.TrimSpace(m.Email)
	r.ExtraContactInfo = strings.TrimSpace(m.ExtraContactInfo)
	for _, e := range m.Errors {
		if e = strings.TrimSpace(e); e != "" {
			r.Errors = append(r.Errors, e)
		}
	}

	if m.DateRange == nil {
		return missing("report_metadata/date_range")
	}
	begin, err := parseEpoch("report_metadata/date_range/begin", m.DateRange.Begin)
	if err != nil {
		return err
	}
	end, err := parseEpoch("report_metadata/date_range/end", m.DateRange.End)
	if err != nil {
		return err
	}
	if begin.After(end) {
		return invalid("report_metadata/date_range", "begin %d is after end %d", begin.Unix(), end.Unix())
	}
	r.DateBegin, r.DateEnd = begin, end
	return nil
}

func parseEpoch(field string, v *string) (time.Time, error) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return time.Time{}, missing(field)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(*v), 10, 64)
	if err != nil {
		return time.Time{}, invalid(field, "not an epoch timestamp: %q", *v)
	}
	if secs < 0 {
		return time.Time{}, invalid(field, "negative timestamp %d", secs)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func parsePolicy(pp *wirePolicyPublished) (Policy, error) {
	var p Policy

	p.Domain = strings.ToLower(strings.TrimSpace(pp.Domain))
	if p.Domain == "" {
		return p, missing("policy_published/domain")
	}

	// p is mandatory in the RFC 7489 schema, so there is no implicit "none".
	if pp.P == nil || strings.TrimSpace(*pp.P) == "" {
		return p, missing("policy_published/p")
	}
	d, ok := ParseDisposition(*pp.P)
	if !ok {
		return p, invalid("policy_published/p", "unknown policy %q", *pp.P)
	}
	p.P = d

	p.SP = p.P
	if strings.TrimSpace(pp.SP) != "" {
		if p.SP, ok = ParseDisposition(pp.SP); !ok {
			return p, invalid("policy_published/sp", "unknown policy %q", pp.SP)
		}
	}

	p.Pct = 100
	if pp.Pct != nil && strings.TrimSpace(*pp.Pct) != "" {
		pct, err := strconv.Atoi(strings.TrimSpace(*pp.Pct))
		if err != nil {
			return p, invalid("policy_published/pct", "not a number: %q", *pp.Pct)
		}
		if pct < 0 || pct > 100 {
			return p, invalid("policy_published/pct", "out of range: %d", pct)
		}
		p.Pct = pct
	}

	var err error
	if p.ADKIM, err = parseAlignment("policy_published/adkim", pp.ADKIM); err != nil {
		return p, err
	}
	if p.ASPF, err = parseAlignment("policy_published/aspf", pp.ASPF); err != nil {
		return p, err
	}
	p.FO = strings.TrimSpace(pp.Fo)
	return p, nil
}

func parseAlignment(field, v string) (AlignmentMode, error) {
	switch normalizeToken(v) {
	case "", "r", "relaxed":
		return AlignmentRelaxed, nil
	case "s", "strict":
		return AlignmentStrict, nil
	default:
		return "", invalid(field, "unknown alignment mode %q", v)
	}
}

func parseRecord(i int, wr *wireRecord) (Record, error) {
	var rec Record
	prefix := fmt.Sprintf("record[%d]", i)

	if wr.Row == nil {
		return rec, missing(prefix + "/row")
	}

	ip := strings.TrimSpace(wr.Row.SourceIP)
	if ip == "" {
		return rec, missing(prefix + "/row/source_ip")
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return rec, invalid(prefix+"/row/source_ip", "not an IP address: %q", ip)
	}
	rec.SourceIP = addr.Unmap().String()

	if wr.Row.Count == nil || strings.TrimSpace(*wr.Row.Count) == "" {
		return rec, missing(prefix + "/row/count")
	}
	count, err := strconv.ParseInt(strings.TrimSpace(*wr.Row.Count), 10, 64)
	if err != nil {
		return rec, invalid(prefix+"/row/count", "not a number: %q", *wr.Row.Count)
	}
	if count < 0 {
		return rec, invalid(prefix+"/row/count", "negative count %d", count)
	}
	if count == 0 {
		return rec, invalid(prefix+"/row/count", "count must be positive")
	}
	rec.Count = count

	pe := wr.Row.Policy
	if pe == nil {
		return rec, missing(prefix + "/row/policy_evaluated")
	}
	if strings.TrimSpace(pe.Disposition) == "" {
		return rec, missing(prefix + "/row/policy_evaluated/disposition")
	}
	disp, ok := ParseDisposition(pe.Disposition)
	if !ok {
		return rec, invalid(prefix+"/row/policy_evaluated/disposition", "unknown disposition %q", pe.Disposition)
	}
	rec.Disposition = disp
	rec.PolicyDKIM = normalizeToken(pe.DKIM)
	rec.PolicySPF = normalizeToken(pe.SPF)
	for _, r := range pe.Reasons {
		if r.Type == "" && r.Comment == "" {
			continue
		}
		rec.Reasons = append(rec.Reasons, Reason{Type: strings.TrimSpace(r.Type), Comment: strings.TrimSpace(r.Comment)})
	}

	rec.HeaderFrom = strings.ToLower(strings.TrimSpace(wr.Identifiers.HeaderFrom))
	rec.EnvelopeFrom = strings.ToLower(strings.TrimSpace(wr.Identifiers.EnvelopeFrom))
	rec.EnvelopeTo = strings.ToLower(strings.TrimSpace(wr.Identifiers.EnvelopeTo))

	if rec.DKIM, err = pickDKIM(prefix, wr.AuthResults.DKIM); err != nil {
		return rec, err
	}
	if rec.SPF, err = pickSPF(prefix, wr.AuthResults.SPF); err != nil {
		return rec, err
	}
	return rec, nil
}

// pickDKIM keeps the first passing signature, or the first signature when
// none passed. Entries without a result are ignored.
func pickDKIM(prefix string, results []wireDKIMResult) (*DKIMAuth, error) {
	var chosen *DKIMAuth
	for j, r := range results {
		if strings.TrimSpace(r.Result) == "" {
			continue
		}
		res, ok := ParseAuthResult(r.Result)
		if !ok {
			return nil, invalid(fmt.Sprintf("%s/auth_results/dkim[%d]/result", prefix, j), "unknown result %q", r.Result)
		}
		auth := &DKIMAuth{
			Domain:   strings.ToLower(strings.TrimSpace(r.Domain)),
			Selector: strings.TrimSpace(r.Selector),
			Result:   res,
		}
		if chosen == nil || (chosen.Result != ResultPass && res == ResultPass) {
			chosen = auth
		}
	}
	return chosen, nil
}

func pickSPF(prefix string, results []wireSPFResult) (*SPFAuth, error) {
	var chosen *SPFAuth
	for j, r := range results {
		if strings.TrimSpace(r.Result) == "" {
			continue
		}
		res, ok := ParseAuthResult(r.Result)
		if !ok {
			return nil, invalid(fmt.Sprintf("%s/auth_results/spf[%d]/result", prefix, j), "unknown result %q", r.Result)
		}
		auth := &SPFAuth{
			Domain: strings.ToLower(strings.TrimSpace(r.Domain)),
			Scope:  normalizeToken(r.Scope),
			Result: res,
		}
		if chosen == nil || (chosen.Result != ResultPass && res == ResultPass) {
			chosen = auth
		}
	}
	return chosen, nil
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
