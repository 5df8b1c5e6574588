package main

import (
	"context"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/charmbracelet/log"
)

type Queue interface {
	Poll(ctx context.Context) ([]*S3Notification, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type ObjectStore interface {
	Download(ctx context.Context, region, bucket, key string) ([]byte, bool, error)
	Move(ctx context.Context, region, bucket, source, destination string) error
}

type Ingester interface {
	Ingest(ctx context.Context, files []ingest.File, autoProcess bool) (*ingest.Summary, error)
}

// PollStats totals one Poller run.
type PollStats struct {
	Messages     int `json:"messages"`
	Objects      int `json:"objects"`
	Uploaded     int `json:"uploaded"`
	Duplicates   int `json:"duplicates"`
	Errors       int `json:"errors"`
	InvalidFiles int `json:"invalid_files"`
	Retried      int `json:"retried"`
}

// Poller drains an SQS queue of S3 notifications into the report store.
type Poller struct {
	queue          Queue
	objects        ObjectStore
	ingester       Ingester
	emptyPolls     int
	movePrefix     string
	deleteMessages bool
	runDate        string
	errorBackoff   time.Duration
}

// Run polls until emptyPolls consecutive polls return nothing or ctx is
// cancelled. Cancellation is not an error: reports stored so far stay.
func (p *Poller) Run(ctx context.Context) PollStats {

	var stats PollStats

	pollCount := p.emptyPolls
	for pollCount > 0 {

		if ctx.Err() != nil {
			log.Info("Stopping poller", "reason", ctx.Err())
			return stats
		}

		log.Debug("Polling", "remaining_empty_polls", pollCount)

		msgs, err := p.queue.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("Failed to poll SQS", "error", err)
			pollCount--
			p.sleep(ctx)
			continue
		}

		pollCount--
		for _, msg := range msgs {
			pollCount = p.emptyPolls
			stats.Messages++
			p.handle(ctx, msg, &stats)
		}
	}
	return stats
}

func (p *Poller) sleep(ctx context.Context) {
	if p.errorBackoff <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.errorBackoff):
	}
}

// handle ingests every object of one notification. The message is deleted
// only when no object needs another attempt.
func (p *Poller) handle(ctx context.Context, msg *S3Notification, stats *PollStats) {

	retryMessage := false

	for _, rec := range msg.Event.Records {
		stats.Objects++
		if p.handleObject(ctx, rec.AWSRegion, rec.S3.Bucket.Name, objectKey(rec), stats) {
			retryMessage = true
		}
	}

	if retryMessage {
		stats.Retried++
		log.Info("Leaving message on queue for retry", "records", len(msg.Event.Records))
		return
	}
	if !p.deleteMessages {
		return
	}
	// The batch is done, so delete even when ctx was cancelled meanwhile.
	if err := p.queue.Delete(context.WithoutCancel(ctx), msg.ReceiptHandle); err != nil {
		log.Error("Failed to delete SQS message", "error", err)
	}
}

func (p *Poller) handleObject(ctx context.Context, region, bucket, key string, stats *PollStats) (retry bool) {

	data, retry, err := p.objects.Download(ctx, region, bucket, key)
	if err != nil {
		log.Error("Failed to download from S3", "bucket", bucket, "key", key, "retry_later", retry, "error", err)
		return retry
	}

	mail := ExtractReports(key, data)
	log.Debug("Extracted reports", "key", key, "files", len(mail.Files), "to", mail.MailToFirstAddress)

	summary, err := p.ingester.Ingest(ctx, mail.Files, true)
	if err != nil {
		log.Error("Failed to ingest object", "bucket", bucket, "key", key, "error", err)
		return true
	}

	stats.Uploaded += summary.Uploaded
	stats.Duplicates += summary.Duplicates
	stats.Errors += summary.Errors
	stats.InvalidFiles += summary.InvalidFiles

	// Errors are transient store or timeout failures. Invalid files will
	// never succeed, and duplicates make a retry harmless.
	if summary.Errors > 0 {
		return true
	}

	if p.movePrefix != "" {
		newKey := processedKey(p.movePrefix, p.runDate, key)
		if err := p.objects.Move(ctx, region, bucket, key, newKey); err != nil {
			log.Error("S3 Move Error", "key", key, "error", err)
		}
	}
	return false
}
