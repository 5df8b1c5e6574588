package alert

import (
	"context"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/rollup"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	ReasonFailureRateCritical = "failure_rate_critical"
	ReasonFailureRateWarning  = "failure_rate_warning"
	ReasonVolumeSpike         = "volume_spike"
	ReasonVolumeDrop          = "volume_drop"
)

// Event is one threshold crossing.
type Event struct {
	Rule          string        `json:"rule,omitempty"`
	Severity      Severity      `json:"severity"`
	ReasonCode    string        `json:"reason_code"`
	MetricValue   float64       `json:"metric_value"`
	Threshold     float64       `json:"threshold"`
	FilterContext rollup.Filter `json:"filter_context"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
}

// Evaluate applies rule to the current summary and, when given, the summary
// of the preceding period of equal length. It is pure.
func Evaluate(current rollup.Summary, previous *rollup.Summary, rule Rule) []Event {
	var events []Event

	if current.TotalMessages > 0 {
		switch {
		case rule.FailureCriticalPct > 0 && current.FailPercentage >= rule.FailureCriticalPct:
			events = append(events, Event{
				Severity:    SeverityCritical,
				ReasonCode:  ReasonFailureRateCritical,
				MetricValue: current.FailPercentage,
				Threshold:   rule.FailureCriticalPct,
			})
		case rule.FailureWarningPct > 0 && current.FailPercentage >= rule.FailureWarningPct:
			events = append(events, Event{
				Severity:    SeverityWarning,
				ReasonCode:  ReasonFailureRateWarning,
				MetricValue: current.FailPercentage,
				Threshold:   rule.FailureWarningPct,
			})
		}
	}

	// Without a previous volume the direction of change is undefined.
	if previous == nil || previous.TotalMessages == 0 {
		return events
	}
	change := 100 * float64(current.TotalMessages-previous.TotalMessages) / float64(previous.TotalMessages)
	switch {
	case rule.VolumeSpikePct > 0 && change >= rule.VolumeSpikePct:
		events = append(events, Event{
			Severity:    SeverityWarning,
			ReasonCode:  ReasonVolumeSpike,
			MetricValue: change,
			Threshold:   rule.VolumeSpikePct,
		})
	case rule.VolumeDropPct < 0 && change <= rule.VolumeDropPct:
		events = append(events, Event{
			Severity:    SeverityWarning,
			ReasonCode:  ReasonVolumeDrop,
			MetricValue: change,
			Threshold:   rule.VolumeDropPct,
		})
	}
	return events
}

// SummaryProvider is the rollup view the evaluator reads.
type SummaryProvider interface {
	Summary(ctx context.Context, f rollup.Filter) (rollup.Summary, error)
}

type Evaluator struct {
	views SummaryProvider
	now   func() time.Time
}

func NewEvaluator(views SummaryProvider) *Evaluator {
	return &Evaluator{views: views, now: time.Now}
}

// Run evaluates one rule set over its trailing window, comparing volume with
// the window immediately before it.
func (e *Evaluator) Run(ctx context.Context, rs RuleSet) ([]Event, error) {
	now := e.now().UTC()
	current, err := rollup.Filter{Domain: rs.Domain, Days: rs.Days}.Resolve(now)
	if err != nil {
		return nil, err
	}

	cur, err := e.views.Summary(ctx, current)
	if err != nil {
		return nil, err
	}

	var prev *rollup.Summary
	if rs.ComparesVolume() {
		p, err := e.views.Summary(ctx, current.Shift())
		if err != nil {
			return nil, err
		}
		prev = &p
	}

	events := Evaluate(cur, prev, rs.Rule)
	for i := range events {
		events[i].Rule = rs.Name
		events[i].FilterContext = current
		events[i].EvaluatedAt = now
	}
	return events, nil
}

// RunAll evaluates every rule set and stops at the first failing query.
func (e *Evaluator) RunAll(ctx context.Context, sets []RuleSet) ([]Event, error) {
	var all []Event
	for _, rs := range sets {
		events, err := e.Run(ctx, rs)
		if err != nil {
			return all, err
		}
		all = append(all, events...)
	}
	return all, nil
}
