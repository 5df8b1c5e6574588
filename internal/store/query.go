package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Dimension selects the grouping key of Aggregate.
type Dimension string

const (
	DimensionNone     Dimension = ""
	DimensionDay      Dimension = "day"
	DimensionSourceIP Dimension = "source_ip"
	DimensionOrg      Dimension = "org_name"
)

var dimensionColumns = map[Dimension]string{
	DimensionDay:      "reports.begin_day",
	DimensionSourceIP: "records.source_ip",
	DimensionOrg:      "reports.org_name",
}

// Group is the summed message count of one (key, disposition, dkim, spf)
// combination. Key is empty for DimensionNone.
type Group struct {
	Key         string  `gorm:"column:group_key"`
	Disposition string  `gorm:"column:disposition"`
	DKIMResult  *string `gorm:"column:dkim_result"`
	SPFResult   *string `gorm:"column:spf_result"`
	Messages    int64   `gorm:"column:messages"`
}

// RecordRow is a record joined with the metadata of its report.
type RecordRow struct {
	ReportRef    uint64    `gorm:"column:report_ref"`
	ReportID     string    `gorm:"column:report_id"`
	OrgName      string    `gorm:"column:org_name"`
	Email        string    `gorm:"column:email"`
	Domain       string    `gorm:"column:domain"`
	DateBegin    time.Time `gorm:"column:date_begin"`
	DateEnd      time.Time `gorm:"column:date_end"`
	PolicyP      string    `gorm:"column:policy_p"`
	PolicySP     string    `gorm:"column:policy_sp"`
	PolicyPct    int       `gorm:"column:policy_pct"`
	PolicyADKIM  string    `gorm:"column:policy_adkim"`
	PolicyASPF   string    `gorm:"column:policy_aspf"`
	SourceIP     string    `gorm:"column:source_ip"`
	Count        int64     `gorm:"column:message_count"`
	Disposition  string    `gorm:"column:disposition"`
	PolicyDKIM   string    `gorm:"column:policy_dkim"`
	PolicySPF    string    `gorm:"column:policy_spf"`
	DKIMResult   *string   `gorm:"column:dkim_result"`
	DKIMDomain   string    `gorm:"column:dkim_domain"`
	DKIMSelector string    `gorm:"column:dkim_selector"`
	SPFResult    *string   `gorm:"column:spf_result"`
	SPFDomain    string    `gorm:"column:spf_domain"`
	SPFScope     string    `gorm:"column:spf_scope"`
	HeaderFrom   string    `gorm:"column:header_from"`
	EnvelopeFrom string    `gorm:"column:envelope_from"`
	EnvelopeTo   string    `gorm:"column:envelope_to"`
}

const recordRowColumns = `records.report_ref, reports.report_id, reports.org_name, reports.email,
reports.domain, reports.date_begin, reports.date_end, reports.policy_p, reports.policy_sp,
reports.policy_pct, reports.policy_adkim, reports.policy_aspf, records.source_ip,
records.message_count, records.disposition, records.policy_dkim, records.policy_spf, records.dkim_result, records.dkim_domain,
records.dkim_selector, records.spf_result, records.spf_domain, records.spf_scope,
records.header_from, records.envelope_from, records.envelope_to`

// joined returns records joined with reports, restricted by f.
func (s *Store) joined(ctx context.Context, f Filter) (*gorm.DB, error) {
	recConds, err := recordConditions(f)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).
		Table("records").
		Joins("JOIN reports ON reports.id = records.report_ref")
	db = applyConditions(db, reportConditions(f))
	return applyConditions(db, recConds), nil
}

func (s *Store) resolve(f Filter) (Filter, error) {
	return f.Resolve(s.now())
}

// Query returns reports matching f, newest first. Record-level conditions
// select reports holding at least one matching record.
func (s *Store) Query(ctx context.Context, f Filter, page Page) ([]Report, error) {
	f, err := s.resolve(f)
	if err != nil {
		return nil, err
	}
	page = page.normalize()

	db := applyConditions(s.db.WithContext(ctx).Model(&Report{}), reportConditions(f))
	if f.HasRecordConditions() {
		recConds, err := recordConditions(f)
		if err != nil {
			return nil, err
		}
		sub := applyConditions(s.db.Model(&Record{}).Select("records.report_ref"), recConds)
		db = db.Where("reports.id IN (?)", sub)
	}

	var reports []Report
	err = db.Order("reports.date_begin DESC").Order("reports.id DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&reports).Error
	if err != nil {
		return nil, &StoreError{Op: "query reports", Err: err}
	}
	return reports, nil
}

// QueryRecords returns the records of one report in insertion order.
func (s *Store) QueryRecords(ctx context.Context, reportID uint64, page Page) ([]Record, error) {
	page = page.normalize()

	var records []Record
	err := s.db.WithContext(ctx).
		Where("report_ref = ?", reportID).
		Order("id ASC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&records).Error
	if err != nil {
		return nil, &StoreError{Op: "query records", Err: err}
	}
	return records, nil
}

// CountReports counts distinct reports with at least one record matching f.
func (s *Store) CountReports(ctx context.Context, f Filter) (int64, error) {
	f, err := s.resolve(f)
	if err != nil {
		return 0, err
	}
	db, err := s.joined(ctx, f)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.Select("COUNT(DISTINCT reports.id)").Scan(&n).Error; err != nil {
		return 0, &StoreError{Op: "count reports", Err: err}
	}
	return n, nil
}

// Aggregate sums record counts under f, grouped by dim and by the
// disposition and auth results the rollup rules need.
func (s *Store) Aggregate(ctx context.Context, f Filter, dim Dimension) ([]Group, error) {
	f, err := s.resolve(f)
	if err != nil {
		return nil, err
	}

	key := "''"
	if dim != DimensionNone {
		col, ok := dimensionColumns[dim]
		if !ok {
			return nil, fmt.Errorf("store: unknown dimension %q", dim)
		}
		key = col
	}

	db, err := s.joined(ctx, f)
	if err != nil {
		return nil, err
	}
	db = db.Select(fmt.Sprintf(
		"%s AS group_key, records.disposition AS disposition, records.dkim_result AS dkim_result, "+
			"records.spf_result AS spf_result, CAST(SUM(records.message_count) AS BIGINT) AS messages", key))
	if dim != DimensionNone {
		db = db.Group(key)
	}
	db = db.Group("records.disposition").Group("records.dkim_result").Group("records.spf_result")

	var groups []Group
	if err := db.Scan(&groups).Error; err != nil {
		return nil, &StoreError{Op: "aggregate", Err: err}
	}
	return groups, nil
}

// QueryRecordRows pages through records joined with report metadata in a
// stable order.
func (s *Store) QueryRecordRows(ctx context.Context, f Filter, page Page) ([]RecordRow, error) {
	f, err := s.resolve(f)
	if err != nil {
		return nil, err
	}
	page = page.normalize()

	db, err := s.joined(ctx, f)
	if err != nil {
		return nil, err
	}

	var rows []RecordRow
	err = db.Select(recordRowColumns).
		Order("records.report_ref ASC").Order("records.id ASC").
		Limit(page.Limit).Offset(page.Offset).
		Scan(&rows).Error
	if err != nil {
		return nil, &StoreError{Op: "query record rows", Err: err}
	}
	return rows, nil
}
