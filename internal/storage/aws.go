package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const awsMaxAttempts = 3

// STSAPI is the part of the STS client used to check credentials
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// loadAWSConfig builds an aws.Config with optional profile and region and
// verifies the resolved credentials before any backend call is made
func loadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	opts = append(opts, config.WithRetryer(func() aws.Retryer {
		return retry.AddWithMaxAttempts(retry.NewStandard(), awsMaxAttempts)
	}))

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if err := ValidateAWSCredentials(ctx, sts.NewFromConfig(cfg)); err != nil {
		return aws.Config{}, err
	}
	return cfg, nil
}

// ValidateAWSCredentials calls GetCallerIdentity, which works with any valid
// credentials regardless of attached policies
func ValidateAWSCredentials(ctx context.Context, client STSAPI) error {
	result, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("failed to validate AWS credentials: %w", err)
	}
	if result.Account == nil || result.Arn == nil {
		return fmt.Errorf("received invalid identity information from AWS")
	}
	return nil
}
