// Package rollup computes the derived aggregate views (summary, timeline,
// sources, alignment, failure trend, top organizations) from stored records.
package rollup

import (
	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"github.com/JamesJJ/dmarc-rollup/internal/store"
)

// Filter scopes every view. It is always passed explicitly.
type Filter = store.Filter

// PassPolicy decides whether a record group counts as passing.
type PassPolicy struct {
	// RequireDispositionNone makes quarantined or rejected groups fail even
	// when DKIM or SPF passed.
	RequireDispositionNone bool `json:"require_disposition_none" yaml:"require_disposition_none"`
}

func DefaultPassPolicy() PassPolicy {
	return PassPolicy{RequireDispositionNone: true}
}

// Passes applies the combined authentication rule to one group.
func (p PassPolicy) Passes(disposition string, dkim, spf *string) bool {
	if p.RequireDispositionNone && disposition != string(dmarc.DispositionNone) {
		return false
	}
	return isPass(dkim) || isPass(spf)
}

func isPass(result *string) bool {
	return result != nil && *result == string(dmarc.ResultPass)
}

// percent returns 100*part/total, or 0 when total is 0.
func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}
