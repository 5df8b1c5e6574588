// Package ingest turns batches of raw report files into stored reports:
// decode, parse, fingerprint, duplicate check, persist.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers = 4
	DefaultTimeout = 30 * time.Second
)

// Store is the part of the report store ingestion writes through.
type Store interface {
	Ping(ctx context.Context) error
	Exists(ctx context.Context, fingerprint string) (bool, error)
	Save(ctx context.Context, r *store.Report) (uint64, error)
}

type Coordinator struct {
	store    Store
	decoder  *dmarc.Decoder
	workers  int
	timeout  time.Duration
	onStored func(ctx context.Context, r *store.Report)
	now      func() time.Time
}

type Option func(*Coordinator)

// WithWorkers bounds how many files of a batch are processed at once.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTimeout bounds decode, parse and persist of a single file.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxXMLSize bounds a decompressed payload.
func WithMaxXMLSize(n int64) Option {
	return func(c *Coordinator) {
		c.decoder = dmarc.NewDecoder(n)
	}
}

// WithOnStored registers a hook run after every newly stored report.
func WithOnStored(fn func(ctx context.Context, r *store.Report)) Option {
	return func(c *Coordinator) {
		c.onStored = fn
	}
}

func NewCoordinator(s Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		decoder: dmarc.NewDecoder(0),
		workers: DefaultWorkers,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest processes every file of the batch and reports one outcome per
// file. Per-file failures are recorded in the summary; only an unreachable
// store is returned as an error. With autoProcess false nothing is written
// and outcomes describe what would have happened.
func (c *Coordinator) Ingest(ctx context.Context, files []File, autoProcess bool) (*Summary, error) {
	summary := &Summary{
		BatchID:   uuid.NewString(),
		Processed: autoProcess,
		Files:     make([]FileOutcome, 0, len(files)),
	}
	if len(files) == 0 {
		return summary, nil
	}

	if err := c.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ingest: store unavailable: %w", err)
	}

	seen := newSeenSet()
	outcomes := make([]FileOutcome, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, f := range files {
		if err := gctx.Err(); err != nil {
			outcomes[i] = FileOutcome{Filename: f.Name, Status: StatusError, ErrorMessage: err.Error()}
			continue
		}
		i, f := i, f
		g.Go(func() error {
			outcomes[i] = c.processFile(gctx, f, autoProcess, seen)
			return nil
		})
	}
	_ = g.Wait()

	for _, fo := range outcomes {
		summary.add(fo)
	}

	log.Info("ingested batch",
		"batch", summary.BatchID,
		"files", len(files),
		"uploaded", summary.Uploaded,
		"duplicates", summary.Duplicates,
		"errors", summary.Errors,
		"invalid_files", summary.InvalidFiles,
		"processed", summary.Processed,
	)
	return summary, nil
}

// processFile runs one file under the per-file timeout. The outcome is what
// was committed: a save that completes after the deadline is still stored.
func (c *Coordinator) processFile(ctx context.Context, f File, autoProcess bool, seen *seenSet) FileOutcome {
	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fo := c.decodeAndStore(fctx, f, autoProcess, seen)
	if err := fctx.Err(); err != nil && fo.Status == StatusError {
		log.Warn("file processing aborted", "file", f.Name, "error", err)
	}
	return fo
}

// seenSet holds the fingerprints a dry run has counted so far in a batch.
type seenSet struct {
	mu  sync.Mutex
	fps map[string]bool
}

func newSeenSet() *seenSet {
	return &seenSet{fps: map[string]bool{}}
}

// add reports whether fp is new to the batch.
func (s *seenSet) add(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fps[fp] {
		return false
	}
	s.fps[fp] = true
	return true
}

func (c *Coordinator) decodeAndStore(ctx context.Context, f File, autoProcess bool, seen *seenSet) FileOutcome {
	xmls, err := c.decoder.Decode(f.Name, f.Data)
	if err != nil {
		log.Warn("failed to decode report file", "file", f.Name, "error", err)
		return FileOutcome{Filename: f.Name, Status: StatusInvalid, ErrorMessage: err.Error()}
	}

	members := make([]MemberOutcome, 0, len(xmls))
	for _, x := range xmls {
		members = append(members, c.processReport(ctx, x, autoProcess, seen))
	}

	if len(members) == 1 {
		m := members[0]
		return FileOutcome{
			Filename:     f.Name,
			Status:       m.Status,
			ErrorMessage: m.ErrorMessage,
			Fingerprint:  m.Fingerprint,
			ReportID:     m.ReportID,
		}
	}
	return FileOutcome{Filename: f.Name, Status: fileStatus(members), Members: members}
}

func (c *Coordinator) processReport(ctx context.Context, x dmarc.XMLFile, autoProcess bool, seen *seenSet) MemberOutcome {
	out := MemberOutcome{Filename: x.Filename}

	if err := ctx.Err(); err != nil {
		out.Status, out.ErrorMessage = StatusError, err.Error()
		return out
	}

	parsed, err := dmarc.Parse(x.Data)
	if err != nil {
		log.Warn("failed to parse report", "file", x.Filename, "error", err)
		out.Status, out.ErrorMessage = StatusError, err.Error()
		return out
	}
	out.Fingerprint = dmarc.Fingerprint(parsed)

	exists, err := c.store.Exists(ctx, out.Fingerprint)
	if err != nil {
		log.Error("duplicate check failed", "file", x.Filename, "error", err)
		out.Status, out.ErrorMessage = StatusError, err.Error()
		return out
	}
	if exists {
		log.Info("skipping duplicate report", "file", x.Filename, "org", parsed.OrgName, "report_id", parsed.ReportID)
		out.Status = StatusDuplicate
		return out
	}

	if !autoProcess {
		out.Status = StatusUploaded
		if !seen.add(out.Fingerprint) {
			log.Info("skipping duplicate report", "file", x.Filename, "org", parsed.OrgName, "report_id", parsed.ReportID)
			out.Status = StatusDuplicate
		}
		return out
	}

	report := store.FromParsed(parsed, out.Fingerprint, x.Data, c.now())
	id, err := c.store.Save(ctx, report)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		log.Info("skipping duplicate report", "file", x.Filename, "org", parsed.OrgName, "report_id", parsed.ReportID)
		out.Status = StatusDuplicate
	case err != nil:
		var se *store.StoreError
		if errors.As(err, &se) {
			log.Error("failed to store report", "file", x.Filename, "error", err)
		} else {
			log.Warn("rejected report", "file", x.Filename, "error", err)
		}
		out.Status, out.ErrorMessage = StatusError, err.Error()
	default:
		out.Status, out.ReportID = StatusUploaded, id
		log.Info("stored report", "file", x.Filename, "org", parsed.OrgName, "domain", parsed.Policy.Domain, "messages", parsed.TotalMessages)
		if c.onStored != nil {
			c.onStored(ctx, report)
		}
	}
	return out
}
