package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsProvider implements SecretsProvider using AWS Secrets Manager.
type AWSSecretsProvider struct {
	client  *secretsmanager.Client
	region  string
	prefix  string
	timeout time.Duration
}

var _ SecretsProvider = (*AWSSecretsProvider)(nil)

// NewAWSSecretsProvider creates a provider bound to region, with secret
// names looked up as prefix+key.
func NewAWSSecretsProvider(ctx context.Context, region, prefix string) (*AWSSecretsProvider, error) {
	if strings.TrimSpace(region) == "" {
		return nil, fmt.Errorf("region is required for AWS Secrets Manager")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSSecretsProvider{
		client:  secretsmanager.NewFromConfig(cfg),
		region:  region,
		prefix:  prefix,
		timeout: 30 * time.Second,
	}, nil
}

// Type returns the provider type identifier.
func (p *AWSSecretsProvider) Type() string {
	return "aws-sm"
}

// GetSecret retrieves a single secret string from AWS Secrets Manager.
func (p *AWSSecretsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := p.client.GetSecretValue(timeoutCtx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.buildSecretName(key)),
	})
	if err != nil {
		return "", fmt.Errorf("AWS Secrets Manager: failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("AWS Secrets Manager: secret %s has no string value", key)
	}
	return *result.SecretString, nil
}

// Close is a no-op; the AWS SDK client owns no resources requiring cleanup.
func (p *AWSSecretsProvider) Close() error {
	return nil
}

// buildSecretName constructs the full secret name with prefix.
func (p *AWSSecretsProvider) buildSecretName(key string) string {
	if p.prefix == "" {
		return key
	}
	return p.prefix + key
}
