// Package cloud wires the AWS SDK clients nsgswap talks to.
package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Config holds AWS connection settings.
type Config struct {
	Region  string
	Profile string
}

// Clients bundles the service clients for one region and account.
type Clients struct {
	Region string
	EC2    EC2API
	SQS    SQSAPI
}

// New loads the shared AWS configuration and creates the service clients.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Clients{
		Region: cfg.Region,
		EC2:    ec2.NewFromConfig(awsCfg),
		SQS:    sqs.NewFromConfig(awsCfg),
	}, nil
}
