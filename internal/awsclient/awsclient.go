// Package awsclient builds AWS SDK clients shared by the server and the
// replay CLI, with optional static credentials and a LocalStack endpoint.
package awsclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/config"
)

// Clients holds one client per AWS service the module talks to.
type Clients struct {
	Bedrock *bedrockruntime.Client
	SES     *sesv2.Client
	SQS     *sqs.Client
	S3      *s3.Client
}

// LoadConfig resolves the AWS SDK configuration for cfg.
func LoadConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// New builds every client. AWSEndpointOverride, when set, points SQS, SES
// and S3 at a local emulator; Bedrock always uses the real endpoint.
func New(ctx context.Context, cfg *config.Config) (*Clients, error) {
	awsCfg, err := LoadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.AWSEndpointOverride
	return &Clients{
		Bedrock: bedrockruntime.NewFromConfig(awsCfg),
		SES: sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		SQS: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		S3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		}),
	}, nil
}
