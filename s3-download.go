package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/charmbracelet/log"
)

// S3Store reads, moves and writes objects, with one client per region.
type S3Store struct {
	sess    *session.Session
	mu      sync.Mutex
	clients map[string]s3iface.S3API
}

func NewS3Store(sess *session.Session) *S3Store {
	return &S3Store{sess: sess, clients: map[string]s3iface.S3API{}}
}

func (s *S3Store) client(region string) s3iface.S3API {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[region]; ok {
		return c
	}
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	c := s3.New(s.sess, cfg)
	s.clients[region] = c
	return c
}

// Download fetches one object. retry is true when the failure may succeed
// later; a missing bucket or key is permanent.
func (s *S3Store) Download(ctx context.Context, region, bucket, key string) (data []byte, retry bool, err error) {

	log.Debug("Downloading", "object", fmt.Sprintf("s3://%s/%s", bucket, key), "region", region)

	downloader := s3manager.NewDownloaderWithClient(s.client(region))

	buff := &aws.WriteAtBuffer{}

	numBytes, err := downloader.DownloadWithContext(ctx, buff,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
	if err != nil {

		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchBucket:
				return nil, false, fmt.Errorf("S3 Download Error: Bucket not exist: %s (%w)", bucket, err)
			case s3.ErrCodeNoSuchKey:
				return nil, false, fmt.Errorf("S3 Download Error: File not exist: %s (%w)", key, err)
			}
		}
		return nil, true, fmt.Errorf("S3 Download Error: s3://%s/%s (%w)", bucket, key, err)
	}

	log.Debug("Downloaded", "bytes", numBytes)

	return buff.Bytes(), false, nil
}
