package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"message-coalescer/internal/domain"
)

// MaxSQSDelay is the longest delivery delay SQS supports.
const MaxSQSDelay = 15 * time.Minute

// sqsAPI is the minimal SQS interface required by SQSScheduler.
// *sqs.Client from aws-sdk-go-v2 satisfies this interface.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSScheduler schedules dispatches as delayed SQS messages. The dispatch
// Lambda consumes the queue. A deadline further out than MaxSQSDelay arrives
// early and is re-scheduled by the dispatcher's not-due path.
type SQSScheduler struct {
	api      sqsAPI
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

func NewSQS(api sqsAPI, queueURL string, logger *slog.Logger) (*SQSScheduler, error) {
	if api == nil {
		return nil, errors.New("scheduler: sqs api must not be nil")
	}
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, errors.New("scheduler: queue url must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSScheduler{api: api, queueURL: queueURL, logger: logger, now: time.Now}, nil
}

func (s *SQSScheduler) Schedule(ctx context.Context, req domain.DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("scheduler: marshal dispatch request: %w", err)
	}
	delay := delaySeconds(req.Deadline, s.now())
	out, err := s.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(s.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delay,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"conversation": {DataType: aws.String("String"), StringValue: aws.String(req.Key.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("scheduler: send dispatch message for %s: %w", req, err)
	}
	s.logger.Debug("dispatch scheduled", "request", req.String(), "delay_seconds", delay, "message_id", aws.ToString(out.MessageId))
	return nil
}

// delaySeconds rounds the time until deadline up to whole seconds so the
// message is never delivered before the window closes.
func delaySeconds(deadline, now time.Time) int32 {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	if d >= MaxSQSDelay {
		return int32(MaxSQSDelay / time.Second)
	}
	return int32(math.Ceil(d.Seconds()))
}

// DecodeRequest parses a dispatch message body produced by Schedule.
func DecodeRequest(body string) (domain.DispatchRequest, error) {
	var req domain.DispatchRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return domain.DispatchRequest{}, fmt.Errorf("scheduler: decode dispatch request: %w", err)
	}
	if err := req.Key.Validate(); err != nil {
		return domain.DispatchRequest{}, fmt.Errorf("scheduler: decode dispatch request: %w", err)
	}
	return req, nil
}
