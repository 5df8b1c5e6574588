package dmarc

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// FingerprintLength is the length of the hex fingerprint string.
const FingerprintLength = sha256.Size * 2

// Fingerprint is the semantic identity of a report: report_id, org_name,
// domain, date_begin, date_end. Record content and byte layout are not part
// of it, so a resend with reformatted XML collides with the original.
func Fingerprint(r *ParsedReport) string {
	return fingerprintParts(
		r.ReportID,
		r.OrgName,
		strings.ToLower(r.Policy.Domain),
		strconv.FormatInt(r.DateBegin.Unix(), 10),
		strconv.FormatInt(r.DateEnd.Unix(), 10),
	)
}

// Parts are joined with NUL so that ("ab","c") and ("a","bc") differ.
func fingerprintParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
