// Package sync implements two-way synchronization between local records and
// external work-tracking platforms. Platform specifics live in the
// sub-packages (github, gitlab, jira, trello, openproject); this package owns
// the canonical field model, conflict resolution, and the engine that drives
// a sync run.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"elder/api/internal/store"
)

// Fields is the canonical set of synced fields shared by every platform.
// Everything the conflict resolver reasons about is in here.
type Fields struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	State    string   `json:"state"`
	Labels   []string `json:"labels"`
	Assignee string   `json:"assignee"`
}

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// RemoteRecord is a platform record normalized to the canonical model.
type RemoteRecord struct {
	ExternalID string
	URL        string
	Fields     Fields
	UpdatedAt  time.Time
	Deleted    bool
}

// ErrRemoteNotFound is returned by clients when the external record no
// longer exists. The engine treats it as a remote deletion.
var ErrRemoteNotFound = errors.New("remote record not found")

// Client is the per-platform sync abstraction. Implementations make real
// API calls; none of them may fabricate results.
type Client interface {
	Platform() string
	// Validate checks credentials and target reachability.
	Validate(ctx context.Context) error
	// ListChanged returns records modified at or after since. A zero since
	// means everything.
	ListChanged(ctx context.Context, since time.Time) ([]RemoteRecord, error)
	Fetch(ctx context.Context, externalID string) (RemoteRecord, error)
	Create(ctx context.Context, fields Fields) (RemoteRecord, error)
	Update(ctx context.Context, externalID string, fields Fields) (RemoteRecord, error)
	// CloseRecord marks the external record done/closed. Platforms without
	// hard deletes use this for local deletions.
	CloseRecord(ctx context.Context, externalID string) error
}

// FieldsOf extracts the canonical fields from a stored record.
func FieldsOf(r store.Record) Fields {
	return Fields{
		Title:    r.Title,
		Body:     r.Body,
		State:    r.State,
		Labels:   r.Labels,
		Assignee: r.Assignee,
	}
}

// Hash returns a content hash of the canonical fields. Label order is not
// significant.
func Hash(f Fields) string {
	labels := append([]string(nil), f.Labels...)
	sort.Strings(labels)
	payload, _ := json.Marshal(Fields{
		Title:    f.Title,
		Body:     f.Body,
		State:    f.State,
		Labels:   labels,
		Assignee: f.Assignee,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Snapshot serializes fields for storage in mappings and conflicts.
func Snapshot(f Fields) []byte {
	payload, _ := json.Marshal(f)
	return payload
}

// ParseSnapshot decodes a stored snapshot. A missing or empty snapshot
// decodes to zero fields, which makes every side look changed — the safe
// direction for conflict detection.
func ParseSnapshot(raw []byte) Fields {
	var f Fields
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return strings.Join(as, "\x00") == strings.Join(bs, "\x00")
}
