package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/charmbracelet/log"
)

// S3Notification is one SQS message carrying an S3 event.
type S3Notification struct {
	ReceiptHandle string
	Event         events.S3Event
}

type sqsConfig struct {
	Name              string
	WaitSeconds       int64
	MaxMessages       int64
	VisibilityTimeout int64
}

type SQSQueue struct {
	client sqsiface.SQSAPI
	url    *string
	conf   sqsConfig
}

func NewSQSQueue(ctx context.Context, client sqsiface.SQSAPI, conf sqsConfig) (*SQSQueue, error) {

	sqsUrl, err := client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(conf.Name),
	})
	if err != nil {
		if awserr, ok := err.(awserr.Error); ok && awserr.Code() == sqs.ErrCodeQueueDoesNotExist {
			return nil, fmt.Errorf("Unable to find queue %q", conf.Name)
		}
		return nil, fmt.Errorf("Unable to look up queue %q: %w", conf.Name, err)
	}
	return &SQSQueue{client: client, url: sqsUrl.QueueUrl, conf: conf}, nil
}

func (q *SQSQueue) Poll(ctx context.Context) ([]*S3Notification, error) {

	log.Debug("Polling SQS", "queue", q.conf.Name)

	result, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		VisibilityTimeout: aws.Int64(q.conf.VisibilityTimeout),
		QueueUrl:          q.url,
		AttributeNames: aws.StringSlice([]string{
			"SentTimestamp",
		}),
		MaxNumberOfMessages: aws.Int64(q.conf.MaxMessages),
		MessageAttributeNames: aws.StringSlice([]string{
			"All",
		}),
		WaitTimeSeconds: aws.Int64(q.conf.WaitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("Unable to receive message from queue %q: %w", q.conf.Name, err)
	}

	log.Debug("SQS received messages", "count", len(result.Messages))
	return sqsDecodeMap(result.Messages, sqsDecode), nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      q.url,
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("SQS Delete Error: %w", err)
	}
	return nil
}

func sqsDecodeMap(rmsgs []*sqs.Message, f func(*sqs.Message) *S3Notification) []*S3Notification {
	m := make([]*S3Notification, len(rmsgs))
	for i, v := range rmsgs {
		m[i] = f(v)
	}
	return m
}

// sqsDecode never fails: an undecodable body yields a notification without
// records, which is deleted like an s3:TestEvent.
func sqsDecode(r *sqs.Message) *S3Notification {

	n := S3Notification{ReceiptHandle: aws.StringValue(r.ReceiptHandle)}

	if err := json.NewDecoder(strings.NewReader(aws.StringValue(r.Body))).Decode(&n.Event); err != nil {
		log.Error("SQS-S3 JSON Error", "error", err)
	}
	log.Debug("Decoded SQS message", "records", len(n.Event.Records))
	return &n
}

// objectKey undoes the form encoding S3 applies to keys in event payloads.
func objectKey(rec events.S3EventRecord) string {
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return rec.S3.Object.Key
	}
	return key
}
