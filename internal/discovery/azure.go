package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureConnector inventories blob containers of one storage account.
type AzureConnector struct {
	client  *azblob.Client
	account string
}

func NewAzureConnector(connectionString, account string) (*AzureConnector, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureConnector{client: client, account: account}, nil
}

func (c *AzureConnector) Provider() string { return "azure" }

func (c *AzureConnector) Discover(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	pager := c.client.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		for _, item := range page.ContainerItems {
			if item.Name == nil {
				continue
			}
			name := *item.Name
			meta := map[string]any{"name": name, "account": c.account}
			if item.Properties != nil && item.Properties.LastModified != nil {
				meta["last_modified"] = item.Properties.LastModified.Format(time.RFC3339)
			}
			payload, _ := json.Marshal(meta)
			resources = append(resources, Resource{
				Kind:       "blob_container",
				ExternalID: c.account + "/" + name,
				Name:       name,
				Payload:    payload,
			})
		}
	}
	return resources, nil
}
