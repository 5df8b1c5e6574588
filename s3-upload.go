package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/charmbracelet/log"
)

func (s *S3Store) Upload(ctx context.Context, region, bucket, key string, bodyBuf *bytes.Buffer) error {

	log.Info("Uploading", "object", fmt.Sprintf("s3://%s/%s", bucket, key), "region", region, "bytes", bodyBuf.Len())

	uploader := s3manager.NewUploaderWithClient(s.client(region), func(u *s3manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // Must be at least 5MB
	})

	upParams := &s3manager.UploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            bodyBuf,
		ContentType:     aws.String("text/tab-separated-values"),
		ContentEncoding: aws.String("gzip"),
	}

	result, err := uploader.UploadWithContext(ctx, upParams)
	if err != nil {
		return fmt.Errorf("Unable to upload item to s3://%s/%s: %w", bucket, key, err)
	}
	log.Debug("Upload Result", "location", result.Location)

	return nil
}
