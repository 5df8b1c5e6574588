package main

import (
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/spf13/cobra"
)

type pollConfig struct {
	sqsName                  *string
	sqsRegion                *string
	sqsPollTimeout           *int64
	sqsPollMaxMessages       *int64
	sqsVisibilityTimeout     *int64
	doneAfterCountEmptyPolls *int
	moveFilesAfterProcessing *string
	sqsDelete                *bool
}

var pollConf pollConfig

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Ingest mail objects announced by S3 notifications on an SQS queue",
	Long: `Poll an SQS queue that receives S3 ObjectCreated notifications, typically
for mail delivered to a bucket by SES. Every object is downloaded, its report
attachments are stored, and the message is deleted. The poller exits after
--empty-polls consecutive polls return no messages, or on ^C / SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)

	fs := pollCmd.Flags()
	pollConf = pollConfig{
		fs.String("sqs", "", "Name of the SQS queue to poll [MANDATORY]"),
		fs.String("sqs-region", "", "AWS region of SQS queue [MANDATORY]"),
		fs.Int64("poll-timeout", 10, "SQS slow poll timeout, 1-20"),
		fs.Int64("poll-messages", 10, "SQS maximum messages per poll, 1-10"),
		fs.Int64("sqs-processing-time", 3600, "SQS visibility timeout [DO NOT CHANGE]"),
		fs.Int("empty-polls", 3, "How many consecutive times to poll SQS and receive zero messages before exiting, 1+"),
		fs.String("move", "", "Move email to this S3 prefix after processing. Date will be automatically added"),
		fs.Bool("delete-sqs", true, "Delete messages from SQS after processing"),
	}
}

func runPoll(cmd *cobra.Command, _ []string) error {

	if *pollConf.sqsName == "" ||
		*pollConf.sqsRegion == "" ||
		*pollConf.sqsPollTimeout < 1 ||
		*pollConf.sqsPollTimeout > 20 ||
		*pollConf.sqsPollMaxMessages > 10 ||
		*pollConf.sqsPollMaxMessages < 1 ||
		*pollConf.doneAfterCountEmptyPolls < 1 {
		_ = cmd.Usage()
		return errors.New("invalid poll configuration")
	}

	ctx := cmd.Context()

	svc, err := openServices(ctx, conf)
	if err != nil {
		return err
	}
	defer svc.Close()

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(*pollConf.sqsRegion),
	})
	if err != nil {
		return err
	}

	queue, err := NewSQSQueue(ctx, sqs.New(sess), sqsConfig{
		Name:              *pollConf.sqsName,
		WaitSeconds:       *pollConf.sqsPollTimeout,
		MaxMessages:       *pollConf.sqsPollMaxMessages,
		VisibilityTimeout: *pollConf.sqsVisibilityTimeout,
	})
	if err != nil {
		return err
	}

	p := &Poller{
		queue:          queue,
		objects:        NewS3Store(sess),
		ingester:       svc.coordinator(conf),
		emptyPolls:     *pollConf.doneAfterCountEmptyPolls,
		movePrefix:     *pollConf.moveFilesAfterProcessing,
		deleteMessages: *pollConf.sqsDelete,
		runDate:        time.Now().UTC().Format("20060102"),
		errorBackoff:   3 * time.Second,
	}

	stats := p.Run(ctx)
	return printJSON(cmd.OutOrStdout(), stats)
}
