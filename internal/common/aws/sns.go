// Package aws holds the AWS integrations of the usage workers.
package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSPublisher is the subset of the SNS client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter publishes operator alerts to a topic.
type SNSAlerter struct {
	client   SNSPublisher
	topicARN string
}

func NewSNSAlerter(client SNSPublisher, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN}
}

// NewSNSAlerterFromRegion loads the default AWS credential chain for region.
func NewSNSAlerterFromRegion(ctx context.Context, region, topicARN string) (*SNSAlerter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSAlerter(sns.NewFromConfig(cfg), topicARN), nil
}

// Alert publishes message under subject. SNS subjects are capped at 100 characters.
func (a *SNSAlerter) Alert(ctx context.Context, subject, message string) error {
	if len(subject) > 100 {
		subject = subject[:100]
	}
	_, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: awssdk.String(a.topicARN),
		Subject:  awssdk.String(subject),
		Message:  awssdk.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}
