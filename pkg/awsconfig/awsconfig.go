// Package awsconfig loads the shared AWS SDK configuration for the S3 audit
// archive and the Route53 DNS provider.
package awsconfig

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/zap"
)

// Options holds region and optional static credentials.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load builds an aws.Config using static credentials from opts or .env
// (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY), falling back to the default
// credential chain.
func Load(ctx context.Context, opts Options, logger *zap.Logger) (aws.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := opts.AccessKeyID
	secretKey := opts.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("AWS client using credentials from .env/config", zap.String("region", opts.Region))
	} else {
		logger.Warn("AWS client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
