// Package discovery polls cloud providers for infrastructure resources and
// records what it finds. Mapping discovered resources onto domain entities
// is a separate concern; this package only collects and archives the raw
// inventory.
package discovery

import (
	"context"
	"log"
	"time"

	"elder/api/internal/store"
	"elder/api/internal/util"
)

// Resource is one discovered asset, provider-agnostic.
type Resource struct {
	Kind       string
	ExternalID string
	Name       string
	Region     string
	Payload    []byte
}

// Connector discovers resources at one provider.
type Connector interface {
	Provider() string
	Discover(ctx context.Context) ([]Resource, error)
}

// Store is the persistence surface the runner needs.
type Store interface {
	UpsertDiscoveredResource(ctx context.Context, r store.DiscoveredResource) error
}

// Archive keeps raw provider payloads out-of-band. May be nil.
type Archive interface {
	Put(ctx context.Context, key string, payload []byte) (string, error)
}

type Runner struct {
	store      Store
	archive    Archive
	connectors []Connector
}

func NewRunner(st Store, archive Archive, connectors ...Connector) *Runner {
	return &Runner{store: st, archive: archive, connectors: connectors}
}

// RunOnce polls every connector. Connector failures are logged and skipped;
// one broken cloud account must not stall the others.
func (r *Runner) RunOnce(ctx context.Context) {
	for _, c := range r.connectors {
		resources, err := c.Discover(ctx)
		if err != nil {
			log.Printf("discovery: %s: %v", c.Provider(), err)
			continue
		}
		stored := 0
		for _, res := range resources {
			archiveKey := ""
			if r.archive != nil && len(res.Payload) > 0 {
				key := c.Provider() + "/" + res.ExternalID + ".json"
				if k, err := r.archive.Put(ctx, key, res.Payload); err != nil {
					log.Printf("discovery: archive %s: %v", key, err)
				} else {
					archiveKey = k
				}
			}
			err := r.store.UpsertDiscoveredResource(ctx, store.DiscoveredResource{
				ID:         util.NewID("res"),
				Provider:   c.Provider(),
				Kind:       res.Kind,
				ExternalID: res.ExternalID,
				Name:       res.Name,
				Region:     res.Region,
				Payload:    res.Payload,
				ArchiveKey: archiveKey,
			})
			if err != nil {
				log.Printf("discovery: store %s/%s: %v", c.Provider(), res.ExternalID, err)
				continue
			}
			stored++
		}
		log.Printf("discovery: %s: stored %d of %d resources", c.Provider(), stored, len(resources))
	}
}

// RunLoop polls on the interval until ctx is cancelled.
func (r *Runner) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
