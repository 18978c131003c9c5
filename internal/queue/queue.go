// Package queue delivers crawl-reindex jobs to cmd/worker over SQS,
// grounded on the teacher's apps/worker/internal/queue/sqsclient.go
// (SQSAPI interface + Client/QueueURL wrapper around SendMessage/
// ReceiveMessage/DeleteMessage), adapted here to a typed ReindexJob payload
// instead of the teacher's webhook SQSEvent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/observability"
)

// ReindexJob is one unit of crawl work dispatched to cmd/worker, mirroring
// crawl.Config's fields so the worker can call Orchestrator.Start directly.
type ReindexJob struct {
	TenantID string              `json:"tenantId"`
	SiteID   string              `json:"siteId"`
	Mode     indexer.SessionType `json:"mode"`
	URLs     []string            `json:"urls,omitempty"`
}

// API is the subset of the SQS client the queue drives, narrowed for
// testability the way the teacher's SQSAPI interface is.
type API interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Client wraps an SQS queue carrying ReindexJob messages.
type Client struct {
	api      API
	queueURL string
	logger   observability.Logger
}

// NewClient loads AWS credentials from the default chain.
func NewClient(ctx context.Context, queueURL string, logger observability.Logger) (*Client, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	return &Client{api: sqs.NewFromConfig(cfg), queueURL: queueURL, logger: logger}, nil
}

// NewClientWithAPI injects a custom API implementation, for tests.
func NewClientWithAPI(api API, queueURL string, logger observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Client{api: api, queueURL: queueURL, logger: logger}
}

// Enqueue publishes a reindex job.
func (c *Client) Enqueue(ctx context.Context, job ReindexJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("queue: send message: %w", err)
	}
	c.logger.Info("queue: job enqueued", map[string]any{"tenantId": job.TenantID, "siteId": job.SiteID, "mode": job.Mode})
	return nil
}

// received pairs a decoded job with the receipt handle needed to ack it.
type received struct {
	job           ReindexJob
	receiptHandle string
}

// receive long-polls for up to maxMessages jobs.
func (c *Client) receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]received, error) {
	resp, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive messages: %w", err)
	}

	out := make([]received, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		var job ReindexJob
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			c.logger.Warn("queue: dropping unparseable message", map[string]any{"error": err.Error()})
			continue
		}
		out = append(out, received{job: job, receiptHandle: aws.ToString(msg.ReceiptHandle)})
	}
	return out, nil
}

func (c *Client) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: delete message: %w", err)
	}
	return nil
}

// Handler processes one dequeued job. Returning an error leaves the
// message unacked so SQS's visibility timeout redelivers it.
type Handler func(ctx context.Context, job ReindexJob) error

// Poll runs one receive-handle-ack cycle, the unit the worker's loop
// repeats forever.
func (c *Client) Poll(ctx context.Context, handler Handler) error {
	msgs, err := c.receive(ctx, 10, 20)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := handler(ctx, m.job); err != nil {
			c.logger.Error("queue: job handler failed, leaving for redelivery", map[string]any{
				"tenantId": m.job.TenantID, "siteId": m.job.SiteID, "error": err.Error(),
			})
			continue
		}
		if err := c.delete(ctx, m.receiptHandle); err != nil {
			c.logger.Warn("queue: failed to ack message", map[string]any{"error": err.Error()})
		}
	}
	return nil
}
