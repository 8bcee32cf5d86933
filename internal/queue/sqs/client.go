package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	envConfig "github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// SendMessageAPI is the subset of the SQS client used by the sink
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetterSink parks poison messages on an SQS queue
type DeadLetterSink struct {
	client   SendMessageAPI
	queueURL string
	log      *zap.Logger
}

// NewDeadLetterSink creates an SQS client for the configured region
func NewDeadLetterSink(ctx context.Context, SQSConfig envConfig.SQS, log *zap.Logger) (*DeadLetterSink, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(SQSConfig.Region),
	}

	var clientOpts []func(*sqs.Options)

	// Configure for local development with ElasticMQ
	if SQSConfig.Endpoint != "" {
		log.Info("Configuring SQS for local development",
			zap.String("endpoint", SQSConfig.Endpoint))
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))

		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(SQSConfig.Endpoint)
		})
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Info("SQS dead-letter sink created",
		zap.String("region", SQSConfig.Region),
		zap.String("queue_url", SQSConfig.QueueURL))

	return NewDeadLetterSinkWithClient(sqs.NewFromConfig(cfg, clientOpts...), SQSConfig.QueueURL, log), nil
}

// NewDeadLetterSinkWithClient wraps an existing SQS client
func NewDeadLetterSinkWithClient(client SendMessageAPI, queueURL string, log *zap.Logger) *DeadLetterSink {
	return &DeadLetterSink{
		client:   client,
		queueURL: queueURL,
		log:      log,
	}
}

// DeadLetter sends the dead letter as a JSON body with the routing fields
// duplicated into message attributes
func (s *DeadLetterSink) DeadLetter(ctx context.Context, dl queue.DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	attributes := map[string]types.MessageAttributeValue{
		"Source": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(dl.Source)),
		},
		"NumDelivered": {
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatUint(dl.NumDelivered, 10)),
		},
	}
	if dl.CorrelationID != "" {
		attributes["CorrelationID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(dl.CorrelationID),
		}
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes,
	})
	if err != nil {
		s.log.Error("Failed to send dead letter to SQS",
			zap.String("source", string(dl.Source)),
			zap.String("correlation_id", dl.CorrelationID),
			zap.Error(err))
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}

	s.log.Warn("Message dead-lettered to SQS",
		zap.String("source", string(dl.Source)),
		zap.String("subject", dl.Subject),
		zap.Uint64("num_delivered", dl.NumDelivered),
		zap.String("reason", dl.Reason))

	return nil
}
