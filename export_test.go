package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (s *memorySink) Put(ctx context.Context, name string, body *bytes.Buffer) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	// body goes back to the pool after Put.
	s.files[name] = append([]byte(nil), body.Bytes()...)
	return nil
}

func readTSV(t *testing.T, gz []byte) [][]string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = '\t'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteTSVSplitsFiles(t *testing.T) {
	records := make(chan []string)
	out := make(chan *bytes.Buffer, 10)

	go func() {
		for i := 0; i < 5; i++ {
			records <- []string{"row", strings.Repeat("x", i)}
		}
		close(records)
	}()

	require.NoError(t, WriteTSV(context.Background(), 2, records, out))
	close(out)

	var sizes []int
	for buf := range out {
		sizes = append(sizes, len(readTSV(t, buf.Bytes())))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestWriteTSVEmptyInput(t *testing.T) {
	records := make(chan []string)
	out := make(chan *bytes.Buffer, 1)
	close(records)

	require.NoError(t, WriteTSV(context.Background(), 2, records, out))
	assert.Empty(t, out)
}

func TestWriteTSVExactMultiple(t *testing.T) {
	records := make(chan []string, 4)
	out := make(chan *bytes.Buffer, 10)
	for i := 0; i < 4; i++ {
		records <- []string{"a"}
	}
	close(records)

	require.NoError(t, WriteTSV(context.Background(), 2, records, out))
	assert.Len(t, out, 2, "no trailing empty file")
}

func TestWriteTSVCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WriteTSV(ctx, 2, make(chan []string), make(chan *bytes.Buffer))
	assert.ErrorIs(t, err, context.Canceled)
}

func seedExportStore(t *testing.T) *store.Store {
	t.Helper()
	st := setupTestStore(t)
	summary, err := ingest.NewCoordinator(st).Ingest(context.Background(), []ingest.File{
		{Name: "google.xml", Data: readFixture(t, "google.xml")},
		{Name: "outlook.xml.gz", Data: gzipBytes(t, readFixture(t, "outlook.xml"))},
	}, true)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Uploaded)
	return st
}

func TestExportWritesAllRecords(t *testing.T) {
	st := seedExportStore(t)
	sink := &memorySink{}

	e := NewExporter(st, sink, 1, "dmarc-data")
	e.now = func() time.Time { return time.Date(2021, 3, 6, 1, 2, 3, 0, time.UTC) }

	result, err := e.Export(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Rows)
	require.Len(t, result.Files, 1)
	assert.True(t, strings.HasPrefix(result.Files[0], "dmarc-data/dmarc-20210306-010203-"))
	assert.True(t, strings.HasSuffix(result.Files[0], ".tsv.gz"))

	rows := readTSV(t, sink.files[result.Files[0]])
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Len(t, row, len(ExportColumns))
	}

	var google []string
	for _, row := range rows {
		if row[0] == "1442744299377440478" {
			google = row
		}
	}
	require.NotNil(t, google)
	assert.Equal(t, "2021-03-05 00:00:00", google[1])
	assert.Equal(t, "2021-03-05 23:59:59", google[2])
	assert.Equal(t, "google.com", google[3])
	assert.Equal(t, "example.com", google[5])
	assert.Equal(t, "reject", google[8])
	assert.Equal(t, "100", google[10])
	assert.Equal(t, "fail", google[16])
	assert.Equal(t, "hsbnp8p3ensaochzwyq5wwmceodymuwv", google[18])
	assert.Equal(t, "pass", google[19])
	assert.Equal(t, "54.240.27.5", google[20])
	assert.Equal(t, "100", google[21])
	assert.Equal(t, "none", google[22])
}

func TestExportHonoursFilter(t *testing.T) {
	st := seedExportStore(t)
	sink := &memorySink{}

	result, err := NewExporter(st, sink, 1, "").Export(context.Background(), store.Filter{Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rows)

	rows := readTSV(t, sink.files[result.Files[0]])
	for _, row := range rows {
		assert.Equal(t, "example.org", row[5])
	}
}

func TestExportNothingToWrite(t *testing.T) {
	st := setupTestStore(t)
	sink := &memorySink{}

	result, err := NewExporter(st, sink, 1, "").Export(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, result.Rows)
	assert.Empty(t, result.Files)
	assert.Empty(t, sink.files)
}

func TestExportSinkFailure(t *testing.T) {
	st := seedExportStore(t)
	sink := &memorySink{err: errors.New("access denied")}

	_, err := NewExporter(st, sink, 1, "").Export(context.Background(), store.Filter{})
	assert.EqualError(t, err, "access denied")
}

func TestExportInvalidFilter(t *testing.T) {
	st := seedExportStore(t)

	_, err := NewExporter(st, &memorySink{}, 1, "").Export(context.Background(), store.Filter{SourceIPRange: "not-a-cidr"})
	var fe *store.FilterError
	assert.ErrorAs(t, err, &fe)
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	body := bytes.NewBufferString("payload")

	require.NoError(t, DirSink{Dir: dir}.Put(context.Background(), "exports/a.tsv.gz", body))

	got, err := os.ReadFile(filepath.Join(dir, "exports", "a.tsv.gz"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestFlattenStripsControlCharacters(t *testing.T) {
	row := flattenRecordRow(&store.RecordRow{OrgName: "Acme\tMail\r\n", Count: 3})
	assert.Equal(t, "AcmeMail", row[3])
	assert.Equal(t, "3", row[21])
	assert.Equal(t, "", row[16], "missing auth result is empty")
}
