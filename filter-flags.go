package main

import (
	"fmt"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/spf13/pflag"
)

type filterFlags struct {
	domain      string
	start       string
	end         string
	days        int
	sourceIP    string
	sourceRange string
	dkim        string
	spf         string
	disposition string
	org         string
}

func (ff *filterFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&ff.domain, "domain", "", "Only reports for this policy domain")
	fs.StringVar(&ff.start, "start", "", "Window start, RFC 3339 or YYYY-MM-DD (UTC)")
	fs.StringVar(&ff.end, "end", "", "Window end, RFC 3339 or YYYY-MM-DD (UTC, inclusive day)")
	fs.IntVar(&ff.days, "days", 0, "Trailing window of this many days; excludes --start/--end")
	fs.StringVar(&ff.sourceIP, "source-ip", "", "Only records from this source IP")
	fs.StringVar(&ff.sourceRange, "source-range", "", "Only records from this CIDR range")
	fs.StringVar(&ff.dkim, "dkim", "", "Only records with this DKIM result")
	fs.StringVar(&ff.spf, "spf", "", "Only records with this SPF result")
	fs.StringVar(&ff.disposition, "disposition", "", "Only records with this disposition: none, quarantine, reject")
	fs.StringVar(&ff.org, "org", "", "Only reports from reporters whose name contains this text")
}

func (ff *filterFlags) filter() (store.Filter, error) {
	f := store.Filter{
		Domain:        ff.domain,
		Days:          ff.days,
		SourceIP:      ff.sourceIP,
		SourceIPRange: ff.sourceRange,
		DKIMResult:    ff.dkim,
		SPFResult:     ff.spf,
		Disposition:   ff.disposition,
		OrgName:       ff.org,
	}

	if ff.start != "" {
		t, err := parseFlagTime(ff.start, false)
		if err != nil {
			return f, &store.FilterError{Field: "start", Reason: err.Error()}
		}
		f.Start = &t
	}
	if ff.end != "" {
		t, err := parseFlagTime(ff.end, true)
		if err != nil {
			return f, &store.FilterError{Field: "end", Reason: err.Error()}
		}
		f.End = &t
	}
	return f, f.Validate()
}

// parseFlagTime accepts RFC 3339 or a bare UTC date. A bare end date covers
// the whole day.
func parseFlagTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(store.DayLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
