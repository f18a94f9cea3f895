package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/google/uuid"
	"github.com/tozny/queue-multicast/logging"
)

const (
	SQSBatchEnqueueLimit = 10    // Max number of messages SQS will let you enqueue at once
	SQSBatchDequeueLimit = 10    // Max number of messages SQS will return from one receive
	SQSMaxLeaseSeconds   = 43200 // Max visibility timeout SQS accepts
)

var (
	BatchSizeExceededError = fmt.Errorf("can not batch enqueue more than %d messages", SQSBatchEnqueueLimit)
)

// SQSQueueConfig wraps configuration for an SQS queue
type SQSQueueConfig struct {
	QueueName    string         // The name of the queue to configure
	SQSEndpoint  string         // Which SQS service endpoint to use for queue interactions
	SQSRegion    string         // Which AWS region the queue is located in e.g. us-west-2
	APIKeyID     string         // AWS API Secret Key ID for IAM user with sqs permissions
	APIKeySecret string         // AWS API Secret Key for IAM user with sqs permissions
	PollSeconds  int64          // How long to poll for dequeueable messages when dequeing messages from the queue
	Logger       logging.Logger // Logger to use for queue trace logs
}

// SQSQueue wraps a concrete(AWS SQS) distributed queue for
// enqueuing and dequeuing messages across a network.
type SQSQueue struct {
	name        string
	url         string
	sqsClient   sqsiface.SQSAPI
	pollSeconds int64
	logger      logging.Logger
}

// Name returns the SQS queue name.
func (q *SQSQueue) Name() string {
	return q.name
}

// DeleteMessage deletes the message with receiptID from the queue
// returning error (if any).
func (q *SQSQueue) DeleteMessage(ctx context.Context, receiptID string) error {
	_, err := q.sqsClient.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptID),
	})
	return err
}

// EnqueueMessage enqueues a single message to the queue, returning error (if any).
func (q *SQSQueue) EnqueueMessage(ctx context.Context, message Message) error {
	sendMessageRequest := &sqs.SendMessageInput{
		MessageAttributes: convertTagsToSQSMessageAttributes(message.Tags),
		MessageBody:       aws.String(string(message.Body)),
		QueueUrl:          aws.String(q.url),
	}
	_, err := q.sqsClient.SendMessageWithContext(ctx, sendMessageRequest)
	return err
}

// BatchEnqueueMessages enqueues messages to the queue in requests of at most
// SQSBatchEnqueueLimit entries, returning the messages that failed to enqueue
// and error (if any).
func (q *SQSQueue) BatchEnqueueMessages(ctx context.Context, messages []Message) ([]Message, error) {
	failed := []Message{}
	for start := 0; start < len(messages); start += SQSBatchEnqueueLimit {
		end := start + SQSBatchEnqueueLimit
		if end > len(messages) {
			end = len(messages)
		}
		chunkFailed, err := q.sendMessageBatch(ctx, messages[start:end])
		failed = append(failed, chunkFailed...)
		if err != nil {
			// Everything not yet attempted also failed
			failed = append(failed, messages[end:]...)
			return failed, err
		}
	}
	if len(failed) > 0 {
		return failed, fmt.Errorf("%d of %d messages failed to enqueue to %s", len(failed), len(messages), q.name)
	}
	return failed, nil
}

func (q *SQSQueue) sendMessageBatch(ctx context.Context, messages []Message) ([]Message, error) {
	if len(messages) > SQSBatchEnqueueLimit {
		return messages, BatchSizeExceededError
	}
	// Create lookup table for tracking and returning
	// messages that failed to enqueue
	var messageToSQSLookup = map[string]*Message{}
	var sqsBatchRequestEntries []*sqs.SendMessageBatchRequestEntry
	for messageIndex, message := range messages {
		messageID := uuid.New().String()
		messageToSQSLookup[messageID] = &messages[messageIndex]
		sqsBatchRequestEntries = append(sqsBatchRequestEntries, &sqs.SendMessageBatchRequestEntry{
			Id:                aws.String(messageID),
			MessageAttributes: convertTagsToSQSMessageAttributes(message.Tags),
			MessageBody:       aws.String(string(message.Body)),
		})
	}
	sendMessageBatchResponse, err := q.sqsClient.SendMessageBatchWithContext(ctx, &sqs.SendMessageBatchInput{
		Entries:  sqsBatchRequestEntries,
		QueueUrl: aws.String(q.url),
	})
	if err != nil {
		q.logger.Errorw("batch enqueue failed", "queue", q.name, "entries", len(sqsBatchRequestEntries), "error", err)
		return messages, err
	}
	failedToEnqueueMessages := []Message{}
	for _, failure := range sendMessageBatchResponse.Failed {
		if message, ok := messageToSQSLookup[aws.StringValue(failure.Id)]; ok {
			failedToEnqueueMessages = append(failedToEnqueueMessages, *message)
		}
	}
	return failedToEnqueueMessages, nil
}

// BatchDequeueMessages leases up to max messages (capped at SQSBatchDequeueLimit)
// from the queue, returning dequeued messages and error (if any).
func (q *SQSQueue) BatchDequeueMessages(ctx context.Context, max int, lease time.Duration) ([]Message, error) {
	var dequeuedMessages []Message
	if max > SQSBatchDequeueLimit {
		max = SQSBatchDequeueLimit
	}
	if max < 1 {
		max = 1
	}
	receiveMessageRequest := sqs.ReceiveMessageInput{
		AttributeNames: []*string{
			aws.String(sqs.MessageSystemAttributeNameSentTimestamp),
			aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount),
		},
		MessageAttributeNames: []*string{
			aws.String(sqs.QueueAttributeNameAll),
		},
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: aws.Int64(int64(max)),
		WaitTimeSeconds:     aws.Int64(q.pollSeconds),
	}
	// A zero lease keeps the queue's configured default visibility timeout
	if lease > 0 {
		receiveMessageRequest.VisibilityTimeout = aws.Int64(leaseSeconds(lease))
	}
	receiveMessageResponse, err := q.sqsClient.ReceiveMessageWithContext(ctx, &receiveMessageRequest)
	if err != nil {
		return dequeuedMessages, err
	}
	for _, receivedMessage := range receiveMessageResponse.Messages {
		message, err := convertSQSMessageToQueueMessage(receivedMessage)
		if err != nil {
			q.logger.Errorw("dropping malformed sqs message", "queue", q.name, "message_id", aws.StringValue(receivedMessage.MessageId), "error", err)
			continue
		}
		dequeuedMessages = append(dequeuedMessages, *message)
	}
	return dequeuedMessages, nil
}

// leaseSeconds rounds a lease up to whole seconds within the range SQS accepts.
func leaseSeconds(lease time.Duration) int64 {
	seconds := int64((lease + time.Second - 1) / time.Second)
	if seconds < 0 {
		return 0
	}
	if seconds > SQSMaxLeaseSeconds {
		return SQSMaxLeaseSeconds
	}
	return seconds
}

// convertSQSMessageToQueueMessage converts data from the SQSMessage type
// to the generic Message type, returning the converted message and error (if any).
func convertSQSMessageToQueueMessage(sqsMessage *sqs.Message) (*Message, error) {
	if sqsMessage.ReceiptHandle == nil {
		return nil, errors.New("message has no receipt handle")
	}
	receiveCount := 0
	if approximateReceiveCount, ok := sqsMessage.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok && approximateReceiveCount != nil {
		count, err := strconv.Atoi(*approximateReceiveCount)
		if err != nil {
			return nil, err
		}
		receiveCount = count
	}
	message := &Message{
		ID:           aws.StringValue(sqsMessage.MessageId),
		Body:         []byte(aws.StringValue(sqsMessage.Body)),
		ReceiptID:    *sqsMessage.ReceiptHandle,
		ReceiveCount: receiveCount,
		Tags:         map[string]string{},
	}
	for messageAttribute, messageAttributeValue := range sqsMessage.MessageAttributes {
		message.Tags[messageAttribute] = aws.StringValue(messageAttributeValue.StringValue)
	}
	return message, nil
}

// convertTagsToSQSMessageAttributes converts a message's tag(s) to a map of tag key
// tag key to a SQS MessageAttributeValue.
func convertTagsToSQSMessageAttributes(tags map[string]string) map[string]*sqs.MessageAttributeValue {
	var messageAttributes map[string]*sqs.MessageAttributeValue
	if len(tags) == 0 {
		return messageAttributes
	}
	messageAttributes = map[string]*sqs.MessageAttributeValue{}
	for key, value := range tags {
		messageAttributes[key] = &sqs.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(value),
		}
	}
	return messageAttributes
}

// NewSQSQueue idempotently creates a SQS queue using the provided configuration,
// returning the queue wrapping the sqs connection and error (if any).
func NewSQSQueue(ctx context.Context, config SQSQueueConfig) (*SQSQueue, error) {
	// Configure aws session object for fetching sqs client AWS API credentials
	// https://docs.aws.amazon.com/sdk-for-go/v1/developer-guide/configuring-sdk.html
	awsConfig := aws.Config{
		Region: aws.String(config.SQSRegion),
		Credentials: credentials.NewStaticCredentials(
			config.APIKeyID,
			config.APIKeySecret,
			"" /*AWS_SESSION_TOKEN*/),
	}
	if config.SQSEndpoint != "" {
		awsConfig.Endpoint = aws.String(config.SQSEndpoint)
	}
	awsSession, err := session.NewSession(&awsConfig)
	if err != nil {
		return nil, err
	}
	return newSQSQueueWithClient(ctx, sqs.New(awsSession), config)
}

func newSQSQueueWithClient(ctx context.Context, sqsClient sqsiface.SQSAPI, config SQSQueueConfig) (*SQSQueue, error) {
	createQueueResponse, err := sqsClient.CreateQueueWithContext(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(config.QueueName),
	})
	if err != nil {
		return nil, fmt.Errorf("creating sqs queue %s: %w", config.QueueName, err)
	}
	if config.Logger == nil {
		config.Logger = logging.NewNopLogger()
	}
	return &SQSQueue{
		name:        config.QueueName,
		url:         aws.StringValue(createQueueResponse.QueueUrl),
		sqsClient:   sqsClient,
		pollSeconds: config.PollSeconds,
		logger:      config.Logger,
	}, nil
}
