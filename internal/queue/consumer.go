// Package queue consumes dispatch jobs from SQS so batch producers can
// enqueue pushes without calling the HTTP API.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lumatch/pushgate/internal/metrics"
	"github.com/lumatch/pushgate/internal/push"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Job is the payload a producer enqueues for asynchronous dispatch.
type Job struct {
	RecipientID  string            `json:"recipient_id"`
	Notification push.Notification `json:"notification"`
	EnqueuedAt   int64             `json:"enqueued_at"`
}

// Dispatcher is the delivery engine as seen by the consumer.
type Dispatcher interface {
	Deliver(ctx context.Context, recipientID string, n *push.Notification) (push.Result, error)
}

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls SQS and hands each job to the dispatcher.
type Consumer struct {
	client     sqsAPI
	queueURL   string
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, dispatcher Dispatcher, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:     sqs.NewFromConfig(awsCfg),
		queueURL:   cfg.QueueURL,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Run polls the queue until the context is cancelled. Jobs that fail are
// left on the queue; SQS redelivers them after the visibility timeout.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("queue consumer stopping")
			return
		}

		input := &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   60,
		}

		result, err := c.client.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("queue consumer stopping")
				return
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		metrics.SetQueueMessagesInFlight(len(result.Messages))
		for _, msg := range result.Messages {
			c.process(ctx, msg.Body, msg.ReceiptHandle)
		}
		metrics.SetQueueMessagesInFlight(0)
	}
}

func (c *Consumer) process(ctx context.Context, body, receiptHandle *string) {
	var job Job
	if err := json.Unmarshal([]byte(aws.ToString(body)), &job); err != nil {
		// A malformed message will never succeed. Drop it.
		c.logger.Error("invalid job payload, dropping", zap.Error(err))
		c.delete(ctx, receiptHandle)
		return
	}

	if job.RecipientID == "" || job.Notification.Title == "" {
		c.logger.Error("job missing recipient_id or title, dropping")
		c.delete(ctx, receiptHandle)
		return
	}

	result, err := c.dispatcher.Deliver(ctx, job.RecipientID, &job.Notification)
	if errors.Is(err, push.ErrNotConfigured) {
		// Keys may show up after a config change; leave the job for redelivery.
		c.logger.Warn("push delivery disabled, leaving job on queue",
			zap.String("recipient_id", job.RecipientID),
		)
		return
	}
	if err != nil {
		c.logger.Error("dispatch from queue failed",
			zap.Error(err),
			zap.String("recipient_id", job.RecipientID),
		)
		return
	}

	c.logger.Info("queued dispatch completed",
		zap.String("recipient_id", job.RecipientID),
		zap.Int("sent", result.Sent),
		zap.Int("cleaned", result.Cleaned),
	)
	c.delete(ctx, receiptHandle)
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}
