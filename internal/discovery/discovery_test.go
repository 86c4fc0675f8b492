package discovery

import (
	"context"
	"errors"
	"testing"

	"elder/api/internal/store"
)

type fakeConnector struct {
	provider  string
	resources []Resource
	err       error
}

func (f *fakeConnector) Provider() string { return f.provider }
func (f *fakeConnector) Discover(context.Context) ([]Resource, error) {
	return f.resources, f.err
}

type captureStore struct {
	rows []store.DiscoveredResource
}

func (c *captureStore) UpsertDiscoveredResource(_ context.Context, r store.DiscoveredResource) error {
	c.rows = append(c.rows, r)
	return nil
}

type fakeArchive struct {
	keys []string
}

func (f *fakeArchive) Put(_ context.Context, key string, _ []byte) (string, error) {
	f.keys = append(f.keys, key)
	return key, nil
}

func TestRunOnceStoresAndArchives(t *testing.T) {
	st := &captureStore{}
	ar := &fakeArchive{}
	runner := NewRunner(st, ar, &fakeConnector{
		provider: "aws",
		resources: []Resource{
			{Kind: "s3_bucket", ExternalID: "arn:aws:s3:::logs", Name: "logs", Region: "eu-west-1", Payload: []byte(`{"name":"logs"}`)},
			{Kind: "s3_bucket", ExternalID: "arn:aws:s3:::backups", Name: "backups", Region: "eu-west-1"},
		},
	})

	runner.RunOnce(context.Background())

	if len(st.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(st.rows))
	}
	if st.rows[0].Provider != "aws" || st.rows[0].Kind != "s3_bucket" {
		t.Fatalf("row = %+v", st.rows[0])
	}
	// Only the resource with a payload gets archived.
	if len(ar.keys) != 1 || ar.keys[0] != "aws/arn:aws:s3:::logs.json" {
		t.Fatalf("archive keys = %v", ar.keys)
	}
	if st.rows[0].ArchiveKey != ar.keys[0] {
		t.Fatalf("archive key not recorded: %+v", st.rows[0])
	}
	if st.rows[1].ArchiveKey != "" {
		t.Fatalf("payload-less resource should have no archive key: %+v", st.rows[1])
	}
}

func TestRunOnceSkipsFailingConnector(t *testing.T) {
	st := &captureStore{}
	runner := NewRunner(st, nil,
		&fakeConnector{provider: "azure", err: errors.New("auth expired")},
		&fakeConnector{provider: "gcp", resources: []Resource{
			{Kind: "gcs_bucket", ExternalID: "gcs://data", Name: "data"},
		}},
	)

	runner.RunOnce(context.Background())

	if len(st.rows) != 1 || st.rows[0].Provider != "gcp" {
		t.Fatalf("rows = %+v, want only the gcp resource", st.rows)
	}
}
