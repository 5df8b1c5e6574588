// Package alert compares rollup summaries against configured thresholds and
// emits structured alert events.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Rule holds the thresholds of one evaluation. A zero threshold disables
// its check. VolumeDropPct is negative.
type Rule struct {
	FailureWarningPct  float64 `yaml:"failure_warning_pct" json:"failure_warning_pct" validate:"gte=0,lte=100"`
	FailureCriticalPct float64 `yaml:"failure_critical_pct" json:"failure_critical_pct" validate:"gte=0,lte=100"`
	VolumeSpikePct     float64 `yaml:"volume_spike_pct" json:"volume_spike_pct" validate:"gte=0"`
	VolumeDropPct      float64 `yaml:"volume_drop_pct" json:"volume_drop_pct" validate:"lte=0,gte=-100"`
}

// ComparesVolume reports whether a previous period is needed.
func (r Rule) ComparesVolume() bool {
	return r.VolumeSpikePct != 0 || r.VolumeDropPct != 0
}

// RuleSet scopes a Rule to a domain and a trailing window of days.
type RuleSet struct {
	Name   string `yaml:"name" json:"name" validate:"required"`
	Domain string `yaml:"domain" json:"domain,omitempty" validate:"omitempty,fqdn"`
	Days   int    `yaml:"days" json:"days" validate:"gte=1,lte=366"`
	Rule   `yaml:",inline"`
}

type ruleFile struct {
	Rules []RuleSet `yaml:"rules" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadRuleSets reads and validates a YAML rule file.
func LoadRuleSets(ctx context.Context, path string) ([]RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules: %w", err)
	}
	return ParseRuleSets(raw)
}

// ParseRuleSets decodes and validates rule sets from YAML. Unknown keys are
// rejected so a misspelled threshold does not silently disable a check.
func ParseRuleSets(raw []byte) ([]RuleSet, error) {
	var file ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse alert rules: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("alert rules: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Rules))
	for i := range file.Rules {
		rs := &file.Rules[i]
		rs.Name = strings.TrimSpace(rs.Name)
		rs.Domain = strings.ToLower(strings.TrimSpace(rs.Domain))
		if _, ok := seen[rs.Name]; ok {
			return nil, fmt.Errorf("alert rules: duplicate rule name: %s", rs.Name)
		}
		seen[rs.Name] = struct{}{}

		if err := rs.Rule.check(); err != nil {
			return nil, fmt.Errorf("alert rules: %s: %w", rs.Name, err)
		}
	}
	return file.Rules, nil
}

func (r Rule) check() error {
	if r.FailureWarningPct > 0 && r.FailureCriticalPct > 0 && r.FailureCriticalPct < r.FailureWarningPct {
		return errors.New("failure_critical_pct is below failure_warning_pct")
	}
	return nil
}
