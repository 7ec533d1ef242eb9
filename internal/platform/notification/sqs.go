package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSender enqueues envelopes for a mail worker. The message body is the
// JSON envelope.
type SQSSender struct {
	client   *sqs.Client
	queueURL string
}

type SQSConfig struct {
	QueueURL  string
	QueueName string // resolved with GetQueueUrl when QueueURL is empty
}

func NewSQSSender(ctx context.Context, cfg SQSConfig, optFns ...func(*sqs.Options)) (*SQSSender, error) {
	if cfg.QueueURL == "" && cfg.QueueName == "" {
		return nil, errors.New("sqs queue url or name required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	opts := sqs.Options{
		Region:       awsCfg.Region,
		Credentials:  awsCfg.Credentials,
		HTTPClient:   awsCfg.HTTPClient,
		BaseEndpoint: awsCfg.BaseEndpoint,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := sqs.New(opts)

	queueURL := cfg.QueueURL
	if queueURL == "" {
		resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &cfg.QueueName})
		if err != nil {
			return nil, fmt.Errorf("resolving sqs queue %q: %w", cfg.QueueName, err)
		}
		queueURL = aws.ToString(resp.QueueUrl)
	}
	return &SQSSender{client: client, queueURL: queueURL}, nil
}

func (s *SQSSender) Name() string { return "sqs" }

func (s *SQSSender) Send(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	msg := string(body)
	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &s.queueURL,
		MessageBody: &msg,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notificationType": {DataType: aws.String("String"), StringValue: aws.String(string(env.NotificationType))},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	env.ProviderID = aws.ToString(out.MessageId)
	return nil
}
