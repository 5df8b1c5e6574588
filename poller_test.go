package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/JamesJJ/dmarc-rollup/internal/store"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := store.Open(store.WithExistingDB(db), store.WithAutoMigrate(true))
	require.NoError(t, err)
	return s
}

type fakeQueue struct {
	mu      sync.Mutex
	batches [][]*S3Notification
	polls   int
	deleted []string
	pollErr error
}

func (q *fakeQueue) Poll(ctx context.Context) ([]*S3Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	if q.pollErr != nil {
		return nil, q.pollErr
	}
	if len(q.batches) == 0 {
		return nil, nil
	}
	next := q.batches[0]
	q.batches = q.batches[1:]
	return next, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	transient map[string]bool
	moved     map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, transient: map[string]bool{}, moved: map[string]string{}}
}

func (o *fakeObjects) Download(ctx context.Context, region, bucket, key string) ([]byte, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transient[key] {
		return nil, true, errors.New("slow down")
	}
	data, ok := o.objects[key]
	if !ok {
		return nil, false, errors.New("no such key")
	}
	return data, false, nil
}

func (o *fakeObjects) Move(ctx context.Context, region, bucket, source, destination string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.moved[source] = destination
	return nil
}

type failingIngester struct{}

func (failingIngester) Ingest(ctx context.Context, files []ingest.File, autoProcess bool) (*ingest.Summary, error) {
	return nil, errors.New("store unavailable")
}

func notification(handle string, keys ...string) *S3Notification {
	n := &S3Notification{ReceiptHandle: handle}
	for _, k := range keys {
		var rec events.S3EventRecord
		rec.AWSRegion = "us-west-2"
		rec.S3.Bucket.Name = "dmarc-mail"
		rec.S3.Object.Key = k
		n.Event.Records = append(n.Event.Records, rec)
	}
	return n
}

func TestPollerIngestsMovesAndDeletes(t *testing.T) {
	st := setupTestStore(t)

	objects := newFakeObjects()
	objects.objects["inbox/mail1"] = buildMail(t, "dmarc@example.com", mailPart{
		ContentType: "application/gzip", Disposition: "attachment", FileName: "google.xml.gz", Data: gzipBytes(t, readFixture(t, "google.xml")),
	})
	objects.objects["inbox/outlook.xml"] = readFixture(t, "outlook.xml")

	queue := &fakeQueue{batches: [][]*S3Notification{
		{notification("h1", "inbox/mail1")},
		{notification("h2", "inbox/outlook.xml")},
	}}

	p := &Poller{
		queue:          queue,
		objects:        objects,
		ingester:       ingest.NewCoordinator(st),
		emptyPolls:     2,
		movePrefix:     "processed",
		deleteMessages: true,
		runDate:        "20210306",
	}

	stats := p.Run(context.Background())

	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 2, stats.Objects)
	assert.Equal(t, 2, stats.Uploaded)
	assert.Zero(t, stats.Retried)
	assert.Equal(t, 4, queue.polls, "two batches, then two empty polls")
	assert.ElementsMatch(t, []string{"h1", "h2"}, queue.deleted)
	assert.Equal(t, map[string]string{
		"inbox/mail1":       "processed/20210306/mail1",
		"inbox/outlook.xml": "processed/20210306/outlook.xml",
	}, objects.moved)

	n, err := st.CountReports(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPollerRedeliveredObjectIsDuplicate(t *testing.T) {
	st := setupTestStore(t)

	objects := newFakeObjects()
	objects.objects["r.xml"] = readFixture(t, "google.xml")

	queue := &fakeQueue{batches: [][]*S3Notification{
		{notification("h1", "r.xml")},
		{notification("h2", "r.xml")},
	}}

	p := &Poller{queue: queue, objects: objects, ingester: ingest.NewCoordinator(st), emptyPolls: 1, deleteMessages: true}
	stats := p.Run(context.Background())

	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 1, stats.Duplicates)
	assert.ElementsMatch(t, []string{"h1", "h2"}, queue.deleted)
}

func TestPollerRetryHandling(t *testing.T) {
	st := setupTestStore(t)

	objects := newFakeObjects()
	objects.objects["good.xml"] = readFixture(t, "google.xml")
	objects.objects["junk.bin"] = []byte("not a report")
	objects.transient["flaky.xml"] = true

	queue := &fakeQueue{batches: [][]*S3Notification{{
		notification("transient", "good.xml", "flaky.xml"),
		notification("missing", "gone.xml"),
		notification("invalid", "junk.bin"),
		notification("test-event"),
	}}}

	p := &Poller{queue: queue, objects: objects, ingester: ingest.NewCoordinator(st), emptyPolls: 1, deleteMessages: true, movePrefix: "done"}
	stats := p.Run(context.Background())

	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 1, stats.InvalidFiles)
	assert.ElementsMatch(t, []string{"missing", "invalid", "test-event"}, queue.deleted,
		"a transient download failure keeps the whole message on the queue")
	assert.Contains(t, objects.moved, "good.xml")
	assert.NotContains(t, objects.moved, "flaky.xml")
}

func TestPollerIngestFailureKeepsMessage(t *testing.T) {
	objects := newFakeObjects()
	objects.objects["r.xml"] = readFixture(t, "google.xml")

	queue := &fakeQueue{batches: [][]*S3Notification{{notification("h1", "r.xml")}}}

	p := &Poller{queue: queue, objects: objects, ingester: failingIngester{}, emptyPolls: 1, deleteMessages: true, movePrefix: "done"}
	stats := p.Run(context.Background())

	assert.Equal(t, 1, stats.Retried)
	assert.Empty(t, queue.deleted)
	assert.Empty(t, objects.moved)
}

func TestPollerKeepsMessagesWhenDeleteDisabled(t *testing.T) {
	st := setupTestStore(t)

	objects := newFakeObjects()
	objects.objects["r.xml"] = readFixture(t, "google.xml")
	queue := &fakeQueue{batches: [][]*S3Notification{{notification("h1", "r.xml")}}}

	p := &Poller{queue: queue, objects: objects, ingester: ingest.NewCoordinator(st), emptyPolls: 1}
	stats := p.Run(context.Background())

	assert.Equal(t, 1, stats.Uploaded)
	assert.Empty(t, queue.deleted)
}

func TestPollerStopsOnCancel(t *testing.T) {
	queue := &fakeQueue{}
	p := &Poller{queue: queue, objects: newFakeObjects(), ingester: failingIngester{}, emptyPolls: 5}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := p.Run(ctx)
	assert.Zero(t, queue.polls)
	assert.Zero(t, stats.Messages)
}

func TestPollerCountsPollErrorsAsEmpty(t *testing.T) {
	queue := &fakeQueue{pollErr: errors.New("throttled")}
	p := &Poller{queue: queue, objects: newFakeObjects(), ingester: failingIngester{}, emptyPolls: 3}

	p.Run(context.Background())
	assert.Equal(t, 3, queue.polls)
}

func TestSQSDecode(t *testing.T) {
	body := `{"Records":[{"eventVersion":"2.1","eventSource":"aws:s3","awsRegion":"eu-west-1",
		"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"dmarc-mail"},
		"object":{"key":"inbox/report+2021%2B03.eml","size":1234}}}]}`

	n := sqsDecode(&sqs.Message{ReceiptHandle: aws.String("rh"), Body: aws.String(body)})
	assert.Equal(t, "rh", n.ReceiptHandle)
	require.Len(t, n.Event.Records, 1)

	rec := n.Event.Records[0]
	assert.Equal(t, "eu-west-1", rec.AWSRegion)
	assert.Equal(t, "dmarc-mail", rec.S3.Bucket.Name)
	assert.Equal(t, "inbox/report 2021+03.eml", objectKey(rec))

	testEvent := sqsDecode(&sqs.Message{ReceiptHandle: aws.String("t"), Body: aws.String(`{"Event":"s3:TestEvent","Bucket":"dmarc-mail"}`)})
	assert.Empty(t, testEvent.Event.Records)

	garbage := sqsDecode(&sqs.Message{ReceiptHandle: aws.String("g"), Body: aws.String(`{not json`)})
	assert.Equal(t, "g", garbage.ReceiptHandle)
	assert.Empty(t, garbage.Event.Records)
}

func TestObjectKeyHelpers(t *testing.T) {
	assert.Equal(t, "processed/20210306/mail1", processedKey("processed", "20210306", "inbox/2021/mail1"))
	assert.Equal(t, "bucket/inbox/a%20b.eml", copySource("bucket", "inbox/a b.eml"))
}
