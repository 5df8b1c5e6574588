package rollup

type Summary struct {
	TotalReports   int64   `json:"total_reports"`
	TotalMessages  int64   `json:"total_messages"`
	PassCount      int64   `json:"pass_count"`
	FailCount      int64   `json:"fail_count"`
	PassPercentage float64 `json:"pass_percentage"`
	FailPercentage float64 `json:"fail_percentage"`
}

// TimelinePoint covers one UTC calendar day of date_begin.
type TimelinePoint struct {
	Date  string `json:"date"`
	Pass  int64  `json:"pass"`
	Fail  int64  `json:"fail"`
	Total int64  `json:"total"`
}

type SourceStat struct {
	SourceIP string `json:"source_ip"`
	Country  string `json:"country,omitempty"`
	Total    int64  `json:"total"`
	Pass     int64  `json:"pass"`
	Fail     int64  `json:"fail"`
}

// Alignment partitions the filtered messages into four buckets.
type Alignment struct {
	BothPass int64 `json:"both_pass"`
	DKIMOnly int64 `json:"dkim_only"`
	SPFOnly  int64 `json:"spf_only"`
	BothFail int64 `json:"both_fail"`
	Total    int64 `json:"total"`
}

type TrendPoint struct {
	Date          string  `json:"date"`
	Total         int64   `json:"total"`
	Fail          int64   `json:"fail"`
	FailureRate   float64 `json:"failure_rate"`
	MovingAverage float64 `json:"moving_average"`
}

type OrgStat struct {
	OrgName  string  `json:"org_name"`
	Total    int64   `json:"total"`
	Pass     int64   `json:"pass"`
	Fail     int64   `json:"fail"`
	PassRate float64 `json:"pass_rate"`
}
