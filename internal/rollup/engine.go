package rollup

import (
	"context"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/store"
)

const (
	DefaultLimit  = 10
	trendWindow   = 7
	dayLayout     = store.DayLayout
	viewSummary   = "summary"
	viewTimeline  = "timeline"
	viewSources   = "sources"
	viewAlignment = "alignment"
	viewTrend     = "failure_trend"
	viewOrgs      = "top_organizations"
)

// Aggregator is the subset of the store the engine reads from.
type Aggregator interface {
	Aggregate(ctx context.Context, f store.Filter, dim store.Dimension) ([]store.Group, error)
	CountReports(ctx context.Context, f store.Filter) (int64, error)
}

// CountryResolver maps an IP address to an ISO country code, or "".
type CountryResolver interface {
	CountryCode(ip string) string
}

// Engine recomputes every view from current stored data on each call. It
// holds no per-query state and is safe for concurrent use.
type Engine struct {
	src    Aggregator
	policy PassPolicy
	geo    CountryResolver
	cache  *Cache
	now    func() time.Time
}

type Option func(*Engine)

func WithPassPolicy(p PassPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

func WithCountryResolver(r CountryResolver) Option {
	return func(e *Engine) {
		e.geo = r
	}
}

func WithCache(c *Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(src Aggregator, opts ...Option) *Engine {
	e := &Engine{
		src:    src,
		policy: DefaultPassPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the pass rule in use.
func (e *Engine) Policy() PassPolicy {
	return e.policy
}

// resolve fixes a relative window once so every query of one view sees the
// same range.
func (e *Engine) resolve(f Filter) (Filter, error) {
	return f.Resolve(e.now())
}

type passFail struct {
	pass, fail int64
}

func (pf passFail) total() int64 { return pf.pass + pf.fail }

func (e *Engine) fold(groups []store.Group) map[string]*passFail {
	out := make(map[string]*passFail)
	for _, g := range groups {
		pf, ok := out[g.Key]
		if !ok {
			pf = &passFail{}
			out[g.Key] = pf
		}
		if e.policy.Passes(g.Disposition, g.DKIMResult, g.SPFResult) {
			pf.pass += g.Messages
		} else {
			pf.fail += g.Messages
		}
	}
	return out
}

func (e *Engine) Summary(ctx context.Context, f Filter) (Summary, error) {
	if err := f.Validate(); err != nil {
		return Summary{}, err
	}
	return cached(ctx, e.cache, viewSummary, f, "", func() (Summary, error) {
		rf, err := e.resolve(f)
		if err != nil {
			return Summary{}, err
		}
		groups, err := e.src.Aggregate(ctx, rf, store.DimensionNone)
		if err != nil {
			return Summary{}, err
		}
		reports, err := e.src.CountReports(ctx, rf)
		if err != nil {
			return Summary{}, err
		}
		return e.summarize(groups, reports), nil
	})
}

func (e *Engine) summarize(groups []store.Group, reports int64) Summary {
	var pf passFail
	for _, v := range e.fold(groups) {
		pf.pass += v.pass
		pf.fail += v.fail
	}

	s := Summary{
		TotalReports:  reports,
		TotalMessages: pf.total(),
		PassCount:     pf.pass,
		FailCount:     pf.fail,
	}
	if s.TotalMessages > 0 {
		s.PassPercentage = percent(pf.pass, s.TotalMessages)
		s.FailPercentage = percent(pf.fail, s.TotalMessages)
	}
	return s
}

// Timeline returns one point per day that has records, oldest first. Days
// without records are absent.
func (e *Engine) Timeline(ctx context.Context, f Filter) ([]TimelinePoint, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return cached(ctx, e.cache, viewTimeline, f, "", func() ([]TimelinePoint, error) {
		return e.timeline(ctx, f)
	})
}

func (e *Engine) timeline(ctx context.Context, f Filter) ([]TimelinePoint, error) {
	rf, err := e.resolve(f)
	if err != nil {
		return nil, err
	}
	groups, err := e.src.Aggregate(ctx, rf, store.DimensionDay)
	if err != nil {
		return nil, err
	}

	points := make([]TimelinePoint, 0)
	for day, pf := range e.fold(groups) {
		if pf.total() == 0 {
			continue
		}
		points = append(points, TimelinePoint{Date: day, Pass: pf.pass, Fail: pf.fail, Total: pf.total()})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}

// Sources ranks source IPs by message count, ties broken by ascending
// address.
func (e *Engine) Sources(ctx context.Context, f Filter, limit int) ([]SourceStat, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return cached(ctx, e.cache, viewSources, f, strconv.Itoa(limit), func() ([]SourceStat, error) {
		rf, err := e.resolve(f)
		if err != nil {
			return nil, err
		}
		groups, err := e.src.Aggregate(ctx, rf, store.DimensionSourceIP)
		if err != nil {
			return nil, err
		}

		stats := make([]SourceStat, 0)
		for ip, pf := range e.fold(groups) {
			stats = append(stats, SourceStat{SourceIP: ip, Total: pf.total(), Pass: pf.pass, Fail: pf.fail})
		}
		sort.Slice(stats, func(i, j int) bool {
			if stats[i].Total != stats[j].Total {
				return stats[i].Total > stats[j].Total
			}
			return lessIP(stats[i].SourceIP, stats[j].SourceIP)
		})
		if len(stats) > limit {
			stats = stats[:limit]
		}
		if e.geo != nil {
			for i := range stats {
				stats[i].Country = e.geo.CountryCode(stats[i].SourceIP)
			}
		}
		return stats, nil
	})
}

// lessIP orders addresses numerically, IPv4 before IPv6, falling back to
// string order for anything unparsable.
func lessIP(a, b string) bool {
	aa, errA := netip.ParseAddr(a)
	bb, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return aa.Compare(bb) < 0
}

// Alignment buckets every filtered message exactly once.
func (e *Engine) Alignment(ctx context.Context, f Filter) (Alignment, error) {
	if err := f.Validate(); err != nil {
		return Alignment{}, err
	}
	return cached(ctx, e.cache, viewAlignment, f, "", func() (Alignment, error) {
		rf, err := e.resolve(f)
		if err != nil {
			return Alignment{}, err
		}
		groups, err := e.src.Aggregate(ctx, rf, store.DimensionNone)
		if err != nil {
			return Alignment{}, err
		}
		return alignment(groups), nil
	})
}

func alignment(groups []store.Group) Alignment {
	var a Alignment
	for _, g := range groups {
		dkim, spf := isPass(g.DKIMResult), isPass(g.SPFResult)
		switch {
		case dkim && spf:
			a.BothPass += g.Messages
		case dkim:
			a.DKIMOnly += g.Messages
		case spf:
			a.SPFOnly += g.Messages
		default:
			a.BothFail += g.Messages
		}
		a.Total += g.Messages
	}
	return a
}

// FailureTrend returns the daily failure rate with a trailing moving
// average over the current point and up to six preceding points of the
// series. Days without records are not points, so a window can span gaps.
func (e *Engine) FailureTrend(ctx context.Context, f Filter) ([]TrendPoint, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return cached(ctx, e.cache, viewTrend, f, "", func() ([]TrendPoint, error) {
		points, err := e.timeline(ctx, f)
		if err != nil {
			return nil, err
		}
		return trend(points), nil
	})
}

func trend(points []TimelinePoint) []TrendPoint {
	out := make([]TrendPoint, len(points))
	for i, p := range points {
		out[i] = TrendPoint{
			Date:        p.Date,
			Total:       p.Total,
			Fail:        p.Fail,
			FailureRate: percent(p.Fail, p.Total),
		}
	}

	for i := range out {
		start := max(0, i-(trendWindow-1))
		var sum float64
		for j := start; j <= i; j++ {
			sum += out[j].FailureRate
		}
		out[i].MovingAverage = sum / float64(i-start+1)
	}
	return out
}

// TopOrganizations ranks reporting organizations by message volume.
func (e *Engine) TopOrganizations(ctx context.Context, f Filter, limit int) ([]OrgStat, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return cached(ctx, e.cache, viewOrgs, f, strconv.Itoa(limit), func() ([]OrgStat, error) {
		rf, err := e.resolve(f)
		if err != nil {
			return nil, err
		}
		groups, err := e.src.Aggregate(ctx, rf, store.DimensionOrg)
		if err != nil {
			return nil, err
		}

		stats := make([]OrgStat, 0)
		for org, pf := range e.fold(groups) {
			stats = append(stats, OrgStat{
				OrgName:  org,
				Total:    pf.total(),
				Pass:     pf.pass,
				Fail:     pf.fail,
				PassRate: percent(pf.pass, pf.total()),
			})
		}
		sort.Slice(stats, func(i, j int) bool {
			if stats[i].Total != stats[j].Total {
				return stats[i].Total > stats[j].Total
			}
			return stats[i].OrgName < stats[j].OrgName
		})
		if len(stats) > limit {
			stats = stats[:limit]
		}
		return stats, nil
	})
}
