// Package queue delivers anchor batch events over SQS or a webhook, and
// consumes them on the worker side.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/oklog/ulid/v2"

	"github.com/ceramicnetwork/go-cas/internal/config"
)

// AnchorBatchEvent announces that a batch landed on chain.
type AnchorBatchEvent struct {
	ID         string    `json:"id"`
	ProofCID   string    `json:"proofCid"`
	RequestIDs []string  `json:"requestIds"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Publisher emits anchor batch events.
type Publisher interface {
	PublishBatchAnchored(ctx context.Context, proofCID string, requestIDs []string) error
}

// NewPublisher builds the configured backend. A "none" backend returns
// nil, which callers treat as disabled.
func NewPublisher(cfg config.QueueConfig, sqsClient *sqs.Client, logger *slog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "sqs":
		return &sqsPublisher{client: sqsClient, queueURL: cfg.QueueURL}, nil
	case "webhook":
		return &webhookPublisher{
			client: &http.Client{Timeout: 30 * time.Second},
			url:    cfg.WebhookURL,
			logger: logger.With("component", "webhook"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func newEvent(proofCID string, requestIDs []string) AnchorBatchEvent {
	return AnchorBatchEvent{
		ID:         ulid.Make().String(),
		ProofCID:   proofCID,
		RequestIDs: requestIDs,
		CreatedAt:  time.Now().UTC(),
	}
}

type sqsPublisher struct {
	client   *sqs.Client
	queueURL string
}

func (p *sqsPublisher) PublishBatchAnchored(ctx context.Context, proofCID string, requestIDs []string) error {
	body, err := json.Marshal(newEvent(proofCID, requestIDs))
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

type webhookPublisher struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

func (p *webhookPublisher) PublishBatchAnchored(ctx context.Context, proofCID string, requestIDs []string) error {
	body, err := json.Marshal(newEvent(proofCID, requestIDs))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}

// Handler processes one anchor batch event. Delivery is at least once, so
// handlers must tolerate duplicates.
type Handler func(ctx context.Context, event AnchorBatchEvent) error

// Consumer long-polls an SQS queue and dispatches events to a handler.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	waitTime time.Duration
	handler  Handler
	logger   *slog.Logger
}

// NewConsumer creates an SQS consumer.
func NewConsumer(cfg config.QueueConfig, client *sqs.Client, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		waitTime: cfg.WaitTime,
		handler:  handler,
		logger:   logger.With("component", "queue"),
	}
}

// Run polls until the context is canceled. Messages are deleted only after
// the handler succeeds; failures leave them for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(c.waitTime.Seconds()),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("receive failed", "error", err)
			continue
		}

		for _, msg := range out.Messages {
			var event AnchorBatchEvent
			if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
				c.logger.Warn("malformed event dropped", "error", err)
			} else if err := c.handler(ctx, event); err != nil {
				c.logger.Error("event handling failed", "event", event.ID, "error", err)
				continue
			}
			if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				c.logger.Warn("delete failed", "event", event.ID, "error", err)
			}
		}
	}
}
