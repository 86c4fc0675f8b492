package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCPConnector inventories Cloud Storage buckets of one project. Credentials
// come from application default credentials.
type GCPConnector struct {
	client  *storage.Client
	project string
}

func NewGCPConnector(ctx context.Context, project string) (*GCPConnector, error) {
	if project == "" {
		return nil, errors.New("gcp project is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCPConnector{client: client, project: project}, nil
}

func (c *GCPConnector) Provider() string { return "gcp" }

func (c *GCPConnector) Discover(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	it := c.client.Buckets(ctx, c.project)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return resources, nil
		}
		if err != nil {
			return nil, fmt.Errorf("iterate buckets: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{
			"name":          attrs.Name,
			"location":      attrs.Location,
			"storage_class": attrs.StorageClass,
			"created_at":    attrs.Created.Format(time.RFC3339),
		})
		resources = append(resources, Resource{
			Kind:       "gcs_bucket",
			ExternalID: "gcs://" + attrs.Name,
			Name:       attrs.Name,
			Region:     attrs.Location,
			Payload:    payload,
		})
	}
}

func (c *GCPConnector) Close() error {
	return c.client.Close()
}
