package rollup

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := store.Open(store.WithExistingDB(db), store.WithAutoMigrate(true))
	require.NoError(t, err)
	return s
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type row struct {
	ip          string
	count       int64
	disposition string
	dkim, spf   string
}

func save(t *testing.T, s *store.Store, fp, org, domain string, begin time.Time, rows ...row) {
	t.Helper()
	r := &store.Report{
		Fingerprint: fp,
		ReportID:    "id-" + fp,
		OrgName:     org,
		Domain:      domain,
		DateBegin:   begin,
		DateEnd:     begin.Add(24*time.Hour - time.Second),
		PolicyP:     "none",
		PolicySP:    "none",
		PolicyPct:   100,
		PolicyADKIM: "relaxed",
		PolicyASPF:  "relaxed",
	}
	for _, rw := range rows {
		r.Records = append(r.Records, store.Record{
			SourceIP:    rw.ip,
			Count:       rw.count,
			Disposition: rw.disposition,
			DKIMResult:  ptr(rw.dkim),
			SPFResult:   ptr(rw.spf),
		})
		r.TotalMessages += rw.count
	}
	_, err := s.Save(context.Background(), r)
	require.NoError(t, err)
}

func day(n int) time.Time {
	return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC)
}

func TestSummaryDKIMOnlyPass(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	raw, err := os.ReadFile("../dmarc/testdata/google.xml")
	require.NoError(t, err)
	parsed, err := dmarc.Parse(raw)
	require.NoError(t, err)
	_, err = s.Save(ctx, store.FromParsed(parsed, dmarc.Fingerprint(parsed), raw, time.Now()))
	require.NoError(t, err)

	e := NewEngine(s)

	sum, err := e.Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalReports)
	assert.Equal(t, int64(100), sum.TotalMessages)
	assert.Equal(t, 100.0, sum.PassPercentage)
	assert.Equal(t, 0.0, sum.FailPercentage)

	al, err := e.Alignment(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, Alignment{DKIMOnly: 100, Total: 100}, al)
}

func TestSummaryFailPercentageFromFailCount(t *testing.T) {
	s := setupTestStore(t)
	save(t, s, "fp-sevenths", "google.com", "example.com", day(1),
		row{"192.0.2.1", 1, "none", "pass", "pass"},
		row{"192.0.2.3", 6, "none", "fail", "fail"},
	)

	sum, err := NewEngine(s).Summary(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 100*float64(1)/7, sum.PassPercentage)
	assert.Equal(t, 100*float64(6)/7, sum.FailPercentage)
}

func TestSummaryEmpty(t *testing.T) {
	e := NewEngine(setupTestStore(t))

	sum, err := e.Summary(context.Background(), Filter{Domain: "nothing.example"})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func seed(t *testing.T, s *store.Store) {
	save(t, s, "fp-1", "google.com", "example.com", day(1),
		row{"192.0.2.1", 10, "none", "pass", "pass"},
		row{"192.0.2.2", 4, "none", "pass", "fail"},
		row{"192.0.2.3", 6, "none", "fail", "fail"},
	)
	save(t, s, "fp-2", "Enterprise Outlook", "example.com", day(2),
		row{"192.0.2.1", 6, "quarantine", "pass", "pass"},
		row{"2001:db8::1", 4, "none", "", "pass"},
	)
	save(t, s, "fp-3", "Yahoo", "example.com", day(4),
		row{"198.51.100.7", 10, "reject", "fail", ""},
	)
	save(t, s, "fp-4", "Yahoo", "example.com", day(10),
		row{"192.0.2.2", 10, "none", "pass", "fail"},
	)
}

func TestSummaryAndPassPolicy(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()

	sum, err := NewEngine(s).Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.TotalReports)
	assert.Equal(t, int64(50), sum.TotalMessages)
	assert.Equal(t, int64(28), sum.PassCount, "quarantined groups fail by default")
	assert.Equal(t, int64(22), sum.FailCount)
	assert.InDelta(t, 56.0, sum.PassPercentage, 1e-9)
	assert.InDelta(t, 100.0, sum.PassPercentage+sum.FailPercentage, 1e-9)

	lenient, err := NewEngine(s, WithPassPolicy(PassPolicy{RequireDispositionNone: false})).Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(34), lenient.PassCount, "authenticated quarantined groups pass when disposition is ignored")
}

func TestTimelineIsSparse(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	points, err := NewEngine(s).Timeline(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []TimelinePoint{
		{Date: "2024-03-01", Pass: 14, Fail: 6, Total: 20},
		{Date: "2024-03-02", Pass: 4, Fail: 6, Total: 10},
		{Date: "2024-03-04", Pass: 0, Fail: 10, Total: 10},
		{Date: "2024-03-10", Pass: 10, Fail: 0, Total: 10},
	}, points)
}

func TestSourcesRanking(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	stats, err := NewEngine(s, WithCountryResolver(staticCountries{"192.0.2.1": "US"})).Sources(context.Background(), Filter{}, 3)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, SourceStat{SourceIP: "192.0.2.1", Country: "US", Total: 16, Pass: 10, Fail: 6}, stats[0])
	assert.Equal(t, SourceStat{SourceIP: "192.0.2.2", Total: 14, Pass: 14, Fail: 0}, stats[1])
	assert.Equal(t, "198.51.100.7", stats[2].SourceIP)
	assert.Equal(t, int64(10), stats[2].Total)
}

type staticCountries map[string]string

func (s staticCountries) CountryCode(ip string) string { return s[ip] }

func TestLessIP(t *testing.T) {
	assert.True(t, lessIP("192.0.2.9", "192.0.2.10"), "numeric, not lexical")
	assert.True(t, lessIP("198.51.100.7", "2001:db8::1"), "IPv4 before IPv6")
	assert.False(t, lessIP("2001:db8::1", "2001:db8::1"))
}

func TestAlignmentPartitionsEveryFilter(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	ctx := context.Background()
	e := NewEngine(s)

	filters := []Filter{
		{},
		{Domain: "example.com"},
		{SourceIPRange: "192.0.2.0/24"},
		{DKIMResult: "pass"},
		{SPFResult: "fail"},
		{Disposition: "none"},
		{OrgName: "yahoo"},
		{SourceIP: "2001:db8::1"},
	}
	for _, f := range filters {
		al, err := e.Alignment(ctx, f)
		require.NoError(t, err)
		sum, err := e.Summary(ctx, f)
		require.NoError(t, err)

		assert.Equal(t, al.Total, al.BothPass+al.DKIMOnly+al.SPFOnly+al.BothFail, "filter %+v", f)
		assert.Equal(t, sum.TotalMessages, al.Total, "filter %+v", f)
	}

	al, err := e.Alignment(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, Alignment{BothPass: 16, DKIMOnly: 14, SPFOnly: 4, BothFail: 16, Total: 50}, al)
}

func TestFailureTrend(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	points, err := NewEngine(s).FailureTrend(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, points, 4)

	assert.InDelta(t, 30.0, points[0].FailureRate, 1e-9)
	assert.InDelta(t, 30.0, points[0].MovingAverage, 1e-9, "first day averages over itself")
	assert.InDelta(t, 60.0, points[1].FailureRate, 1e-9)
	assert.InDelta(t, 45.0, points[1].MovingAverage, 1e-9)
	assert.InDelta(t, 100.0, points[2].FailureRate, 1e-9)
	assert.InDelta(t, 190.0/3, points[2].MovingAverage, 1e-9)
	assert.InDelta(t, 0.0, points[3].FailureRate, 1e-9)
	assert.InDelta(t, 47.5, points[3].MovingAverage, 1e-9, "the window counts points, not calendar days")
}

func TestTrendWindowSpansGaps(t *testing.T) {
	out := trend([]TimelinePoint{
		{Date: "2024-03-01", Fail: 10, Total: 10},
		{Date: "2024-03-20", Pass: 10, Total: 10},
	})
	require.Len(t, out, 2)
	assert.InDelta(t, 100.0, out[0].MovingAverage, 1e-9)
	assert.InDelta(t, 50.0, out[1].MovingAverage, 1e-9)
}

func TestTrendWindowHoldsSevenPoints(t *testing.T) {
	var points []TimelinePoint
	for i := 0; i < 9; i++ {
		fail := int64(0)
		if i < 2 {
			fail = 10
		}
		points = append(points, TimelinePoint{
			Date:  day(1).AddDate(0, 0, i).Format(dayLayout),
			Fail:  fail,
			Pass:  10 - fail,
			Total: 10,
		})
	}

	out := trend(points)
	assert.InDelta(t, 200.0/7, out[6].MovingAverage, 1e-9)
	assert.InDelta(t, 100.0/7, out[7].MovingAverage, 1e-9)
	assert.InDelta(t, 0.0, out[8].MovingAverage, 1e-9)
}

func TestTrendMovingAverageBounds(t *testing.T) {
	var points []TimelinePoint
	start := day(1)
	for i := 0; i < 40; i++ {
		if i%3 == 2 {
			continue
		}
		total := int64(10 + i*7%13)
		fail := int64(i*5) % (total + 1)
		points = append(points, TimelinePoint{
			Date:  start.AddDate(0, 0, i).Format(dayLayout),
			Fail:  fail,
			Pass:  total - fail,
			Total: total,
		})
	}

	out := trend(points)
	require.Len(t, out, len(points))
	for k := range out {
		lo, hi := out[k].FailureRate, out[k].FailureRate
		for j := k; j >= 0 && j > k-7; j-- {
			lo = min(lo, out[j].FailureRate)
			hi = max(hi, out[j].FailureRate)
		}
		assert.LessOrEqual(t, out[k].MovingAverage, hi+1e-9, "day %s", out[k].Date)
		assert.GreaterOrEqual(t, out[k].MovingAverage, lo-1e-9, "day %s", out[k].Date)
	}
}

func TestTopOrganizations(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	stats, err := NewEngine(s).TopOrganizations(context.Background(), Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, "Yahoo", stats[0].OrgName, "ties broken by name")
	assert.Equal(t, int64(20), stats[0].Total)
	assert.InDelta(t, 50.0, stats[0].PassRate, 1e-9)
	assert.Equal(t, "google.com", stats[1].OrgName)
	assert.InDelta(t, 70.0, stats[1].PassRate, 1e-9)
	assert.Equal(t, "Enterprise Outlook", stats[2].OrgName)
	assert.Equal(t, int64(4), stats[2].Pass)
	assert.Equal(t, int64(6), stats[2].Fail)

	limited, err := NewEngine(s).TopOrganizations(context.Background(), Filter{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestViewsRejectBadFilter(t *testing.T) {
	e := NewEngine(setupTestStore(t))
	ctx := context.Background()
	start := day(1)
	bad := Filter{Days: 3, Start: &start}

	var fe *store.FilterError
	_, err := e.Summary(ctx, bad)
	assert.ErrorAs(t, err, &fe)
	_, err = e.Timeline(ctx, bad)
	assert.ErrorAs(t, err, &fe)
	_, err = e.Sources(ctx, Filter{SourceIPRange: "10.0.0.0/99"}, 5)
	assert.ErrorAs(t, err, &fe)
	_, err = e.Alignment(ctx, bad)
	assert.ErrorAs(t, err, &fe)
	_, err = e.FailureTrend(ctx, bad)
	assert.ErrorAs(t, err, &fe)
	_, err = e.TopOrganizations(ctx, bad, 5)
	assert.ErrorAs(t, err, &fe)
}

func TestRelativeWindowUsesClock(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)

	now := day(10).Add(12 * time.Hour)
	e := NewEngine(s, WithClock(func() time.Time { return now }))

	points, err := e.Timeline(context.Background(), Filter{Days: 7})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "2024-03-04", points[0].Date)
	assert.Equal(t, "2024-03-10", points[1].Date)
}
