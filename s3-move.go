package main

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/charmbracelet/log"
)

func S3RenameFile(ctx context.Context, svc s3iface.S3API, bucket, source, destination string) error {

	inputCopy := &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(copySource(bucket, source)),
		Key:        aws.String(destination),
	}

	_, errCopy := svc.CopyObjectWithContext(ctx, inputCopy)
	if errCopy != nil {
		return fmt.Errorf("S3 Rename Copy Error: %w", errCopy)
	}

	inputDelete := &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(source),
	}

	_, errDelete := svc.DeleteObjectWithContext(ctx, inputDelete)
	if errDelete != nil {
		return fmt.Errorf("S3 Rename Delete Error: %w", errDelete)
	}
	return nil
}

// copySource is bucket/key with every key segment URL encoded.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// processedKey is where a processed object is moved to: the move prefix,
// the run date, then the original base name.
func processedKey(prefix, runDate, key string) string {
	return path.Join(prefix, runDate, path.Base(key))
}

// Move renames an object within its bucket.
func (s *S3Store) Move(ctx context.Context, region, bucket, source, destination string) error {

	log.Debug("Moving",
		"from", fmt.Sprintf("s3://%s/%s", bucket, source),
		"to", fmt.Sprintf("s3://%s/%s", bucket, destination),
		"region", region,
	)
	return S3RenameFile(ctx, s.client(region), bucket, source, destination)
}
