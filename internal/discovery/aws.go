package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AWSConnector inventories S3 buckets. Credentials come from the default
// chain (env, shared config, instance role).
type AWSConnector struct {
	client *s3.Client
	region string
}

func NewAWSConnector(ctx context.Context) (*AWSConnector, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSConnector{
		client: s3.NewFromConfig(cfg),
		region: cfg.Region,
	}, nil
}

func (c *AWSConnector) Provider() string { return "aws" }

func (c *AWSConnector) Discover(ctx context.Context) ([]Resource, error) {
	out, err := c.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	resources := make([]Resource, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		name := aws.ToString(b.Name)
		payload, _ := json.Marshal(map[string]any{
			"name":       name,
			"created_at": aws.ToTime(b.CreationDate).Format(time.RFC3339),
		})
		resources = append(resources, Resource{
			Kind:       "s3_bucket",
			ExternalID: "arn:aws:s3:::" + name,
			Name:       name,
			Region:     c.region,
			Payload:    payload,
		})
	}
	return resources, nil
}
