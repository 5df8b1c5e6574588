package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func returnToPool(b *bytes.Buffer) {
	b.Reset()
	bufPool.Put(b)
}

// WriteTSV gzips tab separated records into buffers of at most
// maxRecordsInFile rows each. It returns when records is closed or ctx is
// done; an empty input produces no buffer.
func WriteTSV(ctx context.Context, maxRecordsInFile int, records <-chan []string, tsvDataOut chan<- *bytes.Buffer) error {

	log.Debug("Writing TSV", "max_records_in_file", maxRecordsInFile)

	recordsInFile := 0
	keepReading := true

	bufPointer := bufPool.Get().(*bytes.Buffer)
	bufPointer.Reset()

	gzipWriter := gzip.NewWriter(bufPointer)

	w := csv.NewWriter(gzipWriter)
	w.Comma = '\t'

	for keepReading {

		var record []string
		select {
		case <-ctx.Done():
			returnToPool(bufPointer)
			return ctx.Err()
		case record, keepReading = <-records:
		}

		if keepReading {
			if recordsInFile%1000 == 0 {
				log.Debug("TSV progress", "sample", record, "records_in_file", recordsInFile, "bytes", bufPointer.Len())
			}
			if err := w.Write(record); err != nil {
				returnToPool(bufPointer)
				return fmt.Errorf("TSV writer error: %w", err)
			}
			recordsInFile++
		}

		if (recordsInFile >= maxRecordsInFile) || (!keepReading) {

			// FLUSH TSV DATA TO GZ
			w.Flush()
			if err := w.Error(); err != nil {
				returnToPool(bufPointer)
				return fmt.Errorf("TSV flush error: %w", err)
			}
			// FLUSH GZ TO BUF
			if err := gzipWriter.Close(); err != nil {
				returnToPool(bufPointer)
				return fmt.Errorf("GZ close error: %w", err)
			}

			log.Info("Records In File", "records", recordsInFile, "bytes", bufPointer.Len())
			if recordsInFile == 0 {
				returnToPool(bufPointer)
				return nil
			}

			select {
			case <-ctx.Done():
				returnToPool(bufPointer)
				return ctx.Err()
			case tsvDataOut <- bufPointer:
			}

			if !keepReading {
				return nil
			}

			// PREPARE FOR THE NEXT BUF (Next file)
			bufPointer = bufPool.Get().(*bytes.Buffer)
			bufPointer.Reset()
			gzipWriter.Reset(bufPointer)
			w = csv.NewWriter(gzipWriter)
			w.Comma = '\t'
			recordsInFile = 0
		}
	}
	return nil
}
