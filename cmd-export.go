package main

import (
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/spf13/cobra"
)

var (
	exportFilter       filterFlags
	exportBucket       string
	exportBucketRegion string
	exportDir          string
	exportPrefix       string
	exportMaxRecords   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write stored records as gzipped TSV files to S3 or a directory",
	Long: `Export one tab separated line per stored record, joined with its report
metadata. Output is split into files of at most --max-records * 1024 lines.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	fs := exportCmd.Flags()
	exportFilter.register(fs)
	fs.StringVar(&exportBucket, "bucket", "", "Name of the S3 bucket to store TSV files")
	fs.StringVar(&exportBucketRegion, "bucket-region", "", "AWS region of S3 bucket")
	fs.StringVar(&exportDir, "out-dir", "", "Write TSV files below this local directory instead of S3")
	fs.StringVar(&exportPrefix, "prefix", "dmarc-data", "Key prefix of exported files")
	fs.IntVar(&exportMaxRecords, "max-records", 32, "Maximum number * 1024 of records in a single file, 1+, e.g 2 sets the limit to 2048")
}

func runExport(cmd *cobra.Command, _ []string) error {

	if (exportBucket == "") == (exportDir == "") || exportMaxRecords < 1 {
		_ = cmd.Usage()
		return errors.New("exactly one of --bucket or --out-dir is required, and --max-records must be 1+")
	}

	f, err := exportFilter.filter()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	svc, err := openServices(ctx, conf)
	if err != nil {
		return err
	}
	defer svc.Close()

	var sink Sink = DirSink{Dir: exportDir}
	if exportBucket != "" {
		sess, err := session.NewSession(&aws.Config{
			Region: aws.String(exportBucketRegion),
		})
		if err != nil {
			return err
		}
		sink = &S3Sink{objects: NewS3Store(sess), region: exportBucketRegion, bucket: exportBucket}
	}

	result, err := NewExporter(svc.store, sink, exportMaxRecords, exportPrefix).Export(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
