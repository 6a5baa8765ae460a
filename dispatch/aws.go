package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
)

// SESAPI is the subset of the SES v2 client used to send notifications.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESEmailSender sends notification email via AWS SES.
type SESEmailSender struct {
	client SESAPI
	from   string
}

func NewSESEmailSender(client SESAPI, from string) *SESEmailSender {
	if client == nil {
		panic("dispatch: SES client cannot be nil")
	}
	return &SESEmailSender{client: client, from: from}
}

func (s *SESEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: msg.To},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("notify: SES send failed: %w", err)
	}
	logger.Info("Notification email sent", "recipients", len(msg.To), "message_id", aws.ToString(out.MessageId))
	return nil
}

var _ EmailSender = (*SESEmailSender)(nil)

// SQSAPI is the subset of the SQS client used to publish queue messages.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes to SQS. FIFO queues get dedupID as the
// deduplication id so redelivered firings collapse.
type SQSPublisher struct {
	client SQSAPI
}

func NewSQSPublisher(client SQSAPI) *SQSPublisher {
	if client == nil {
		panic("dispatch: SQS client cannot be nil")
	}
	return &SQSPublisher{client: client}
}

func (p *SQSPublisher) Publish(ctx context.Context, queueURL string, body []byte, dedupID string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"dedup_id": {DataType: aws.String("String"), StringValue: aws.String(dedupID)},
		},
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		input.MessageDeduplicationId = aws.String(dedupID)
		input.MessageGroupId = aws.String("pulse-triggers")
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

var _ Publisher = (*SQSPublisher)(nil)

// BedrockConverseAPI is the subset of the Bedrock runtime client used for annotation.
type BedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

const annotationSystemPrompt = `You explain why a student support alert fired.
Write two or three plain sentences for school staff. Refer only to the signals provided.
Do not diagnose, speculate about causes, or include the contact identifier.`

// BedrockAnnotator writes a rationale for a firing with a Bedrock model.
type BedrockAnnotator struct {
	client    BedrockConverseAPI
	modelID   string
	maxTokens int32
}

func NewBedrockAnnotator(client BedrockConverseAPI, modelID string) *BedrockAnnotator {
	return &BedrockAnnotator{client: client, modelID: modelID, maxTokens: 300}
}

func (a *BedrockAnnotator) Annotate(ctx context.Context, req AnnotationRequest) (string, error) {
	if a.client == nil {
		return "", errors.New("annotate: bedrock client not configured")
	}

	prompt, err := annotationPrompt(req)
	if err != nil {
		return "", err
	}

	resp, err := a.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(a.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: annotationSystemPrompt},
		},
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: prompt},
				},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(a.maxTokens),
			Temperature: aws.Float32(0.2),
		},
	})
	if err != nil {
		return "", fmt.Errorf("annotate: bedrock converse: %w", err)
	}

	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return "", errors.New("annotate: empty model response")
	}
	return text, nil
}

func annotationPrompt(req AnnotationRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rule: %s\n", req.RuleName)
	if req.AIContext != "" {
		fmt.Fprintf(&sb, "Guidance from the rule author: %s\n", req.AIContext)
	}
	sb.WriteString("Signals that matched:\n")

	paths := make([]string, 0, len(req.Signals))
	for p := range req.Signals {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		v, err := json.Marshal(req.Signals[p])
		if err != nil {
			return "", fmt.Errorf("annotate: encode signal %s: %w", p, err)
		}
		fmt.Fprintf(&sb, "- %s = %s\n", p, v)
	}
	return sb.String(), nil
}

func responseText(resp *bedrockruntime.ConverseOutput) string {
	if resp == nil || resp.Output == nil {
		return ""
	}
	msg, ok := resp.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String()
}

var _ Annotator = (*BedrockAnnotator)(nil)
