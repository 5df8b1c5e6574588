package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const exportPageSize = 1000

// ExportColumns names the fields of every exported line, in order.
var ExportColumns = []string{
	"report_id", "date_begin", "date_end", "org_name", "email",
	"domain", "policy_aspf", "policy_adkim", "policy_p", "policy_sp", "policy_pct",
	"header_from", "envelope_from", "envelope_to",
	"spf_domain", "spf_scope", "spf_result",
	"dkim_domain", "dkim_selector", "dkim_result",
	"source_ip", "count", "disposition", "policy_dkim", "policy_spf",
}

type RowSource interface {
	QueryRecordRows(ctx context.Context, f store.Filter, page store.Page) ([]store.RecordRow, error)
}

// Sink stores one finished export file.
type Sink interface {
	Put(ctx context.Context, name string, body *bytes.Buffer) error
}

type ExportResult struct {
	Files []string `json:"files"`
	Rows  int      `json:"rows"`
}

// Exporter writes stored records as gzipped TSV files.
type Exporter struct {
	rows       RowSource
	sink       Sink
	maxRecords int
	prefix     string
	now        func() time.Time
}

func NewExporter(rows RowSource, sink Sink, maxRecords int, prefix string) *Exporter {
	if maxRecords < 1 {
		maxRecords = 1
	}
	return &Exporter{rows: rows, sink: sink, maxRecords: maxRecords, prefix: prefix, now: time.Now}
}

// Export streams every record matching f into files of at most
// maxRecords*1024 lines.
func (e *Exporter) Export(ctx context.Context, f store.Filter) (*ExportResult, error) {

	result := &ExportResult{}
	stamp := e.now().UTC().Format("20060102-150405")

	writeTSVChan := make(chan []string)
	uploadChan := make(chan *bytes.Buffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(writeTSVChan)
		for page := (store.Page{Limit: exportPageSize}); ; page.Offset += exportPageSize {
			rows, err := e.rows.QueryRecordRows(gctx, f, page)
			if err != nil {
				return err
			}
			for i := range rows {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case writeTSVChan <- flattenRecordRow(&rows[i]):
					result.Rows++
				}
			}
			if len(rows) < exportPageSize {
				return nil
			}
		}
	})

	g.Go(func() error {
		defer close(uploadChan)
		return WriteTSV(gctx, 1024*e.maxRecords, writeTSVChan, uploadChan)
	})

	g.Go(func() error {
		for file := range uploadChan {
			name := path.Join(e.prefix, fmt.Sprintf("dmarc-%s-%s.tsv.gz", stamp, uuid.NewString()))
			err := e.sink.Put(gctx, name, file)
			returnToPool(file)
			if err != nil {
				return err
			}
			result.Files = append(result.Files, name)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return result, err
	}

	log.Info("Export complete", "rows", result.Rows, "files", len(result.Files))
	return result, nil
}

func timestampToString(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func flattenRecordRow(r *store.RecordRow) []string {

	row := []string{
		r.ReportID,
		timestampToString(r.DateBegin),
		timestampToString(r.DateEnd),
		r.OrgName,
		r.Email,

		r.Domain,
		r.PolicyASPF,
		r.PolicyADKIM,
		r.PolicyP,
		r.PolicySP,
		strconv.Itoa(r.PolicyPct),

		r.HeaderFrom,
		r.EnvelopeFrom,
		r.EnvelopeTo,

		r.SPFDomain,
		r.SPFScope,
		stringValue(r.SPFResult),

		r.DKIMDomain,
		r.DKIMSelector,
		stringValue(r.DKIMResult),

		r.SourceIP,
		strconv.FormatInt(r.Count, 10),
		r.Disposition,
		r.PolicyDKIM,
		r.PolicySPF,
	}

	for i := range row {
		row[i] = strings.ReplaceAll(row[i], "\t", "")
		row[i] = strings.ReplaceAll(row[i], "\r", "")
		row[i] = strings.ReplaceAll(row[i], "\n", "")
	}
	return row
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// S3Sink uploads export files to a bucket.
type S3Sink struct {
	objects *S3Store
	region  string
	bucket  string
}

func (s *S3Sink) Put(ctx context.Context, name string, body *bytes.Buffer) error {
	return s.objects.Upload(ctx, s.region, s.bucket, name, body)
}

// DirSink writes export files below a local directory.
type DirSink struct {
	Dir string
}

func (s DirSink) Put(ctx context.Context, name string, body *bytes.Buffer) error {
	target := filepath.Join(s.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	if err := os.WriteFile(target, body.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	log.Info("Wrote export file", "path", target, "bytes", body.Len())
	return nil
}
