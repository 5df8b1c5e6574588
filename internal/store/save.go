package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Exists reports whether a report with this fingerprint is stored.
func (s *Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Report{}).
		Where("fingerprint = ?", fingerprint).
		Count(&n).Error
	if err != nil {
		return false, &StoreError{Op: "exists", Err: err}
	}
	return n > 0, nil
}

// Save writes the report and its records in one transaction. The unique
// fingerprint index is the duplicate gate: a conflicting insert returns
// ErrDuplicate and nothing is written.
func (s *Store) Save(ctx context.Context, r *Report) (uint64, error) {
	if err := checkReport(r); err != nil {
		return 0, err
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	if r.BeginDay == "" {
		r.BeginDay = r.DateBegin.UTC().Format(DayLayout)
	}
	r.RecordCount = len(r.Records)

	records := r.Records
	r.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(r).Error; err != nil {
			return err
		}
		for i := range records {
			records[i].ID = 0
			records[i].ReportRef = r.ID
		}
		return tx.CreateInBatches(records, s.batchSize).Error
	})
	if err != nil {
		r.ID = 0
		if isFingerprintConflict(err) {
			return 0, ErrDuplicate
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, &StoreError{Op: "save", Err: errors.Join(ctxErr, err)}
		}
		return 0, &StoreError{Op: "save", Err: err}
	}

	log.Debug("stored report", "id", r.ID, "fingerprint", r.Fingerprint, "records", len(records))
	return r.ID, nil
}

// checkReport enforces that every record count is positive and counted once
// in total_messages. Counts are integers, so the tolerance is zero.
func checkReport(r *Report) error {
	if r == nil {
		return fmt.Errorf("%w: nil report", ErrInconsistent)
	}
	if r.Fingerprint == "" {
		return fmt.Errorf("%w: missing fingerprint", ErrInconsistent)
	}
	if len(r.Records) == 0 {
		return fmt.Errorf("%w: report has no records", ErrInconsistent)
	}
	if r.DateBegin.After(r.DateEnd) {
		return fmt.Errorf("%w: date_begin after date_end", ErrInconsistent)
	}

	var sum int64
	for i, rec := range r.Records {
		if rec.Count < 1 {
			return fmt.Errorf("%w: record %d has count %d", ErrInconsistent, i, rec.Count)
		}
		sum += rec.Count
	}
	if sum != r.TotalMessages {
		return fmt.Errorf("%w: total_messages %d but records sum to %d", ErrInconsistent, r.TotalMessages, sum)
	}
	return nil
}
