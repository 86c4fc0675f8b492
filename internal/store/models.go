package store

import "time"

// Connection is a configured link between one organization's records and an
// external platform (github, gitlab, jira, trello, openproject).
type Connection struct {
	ID        string
	OrgID     string
	Name      string
	Platform  string
	BaseURL   string
	TargetRef string
	AuthToken string
	AuthExtra string
	// WebhookSecret signs inbound deliveries. Empty means webhooks are not
	// registered for this connection.
	WebhookSecret   string
	WebhooksEnabled bool
	Policy          string
	SyncInterval    time.Duration
	// Watermark is the remote updated-at high water mark of the last
	// successful pull.
	Watermark  time.Time
	Failures   int
	LastSyncAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Record is the local canonical record the sync operates on: a tracked work
// item (change request, incident, task) attached to an organization.
type Record struct {
	ID        string
	OrgID     string
	Title     string
	Body      string
	State     string
	Labels    []string
	Assignee  string
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mapping ties a local record to its external counterpart on one connection.
type Mapping struct {
	ID           string
	ConnectionID string
	RecordID     string
	ExternalID   string
	ExternalURL  string
	// BaseSnapshot is the canonical field set as of the last successful
	// sync, used for three-way field merges.
	BaseSnapshot     []byte
	LocalHash        string
	RemoteHash       string
	RemoteModifiedAt time.Time
	LastSyncedAt     time.Time
	// Blocked mappings have an open manual conflict and are skipped by
	// sync until resolved.
	Blocked   bool
	CreatedAt time.Time
}

type Conflict struct {
	ID             string
	ConnectionID   string
	MappingID      string
	RecordID       string
	Kind           string
	Policy         string
	Status         string
	LocalSnapshot  []byte
	RemoteSnapshot []byte
	Resolution     string
	ResolvedBy     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

type SyncRun struct {
	ID           string
	ConnectionID string
	Trigger      string
	Status       string
	Pulled       int
	Pushed       int
	Created      int
	Conflicts    int
	AutoResolved int
	Error        string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

type WebhookEvent struct {
	ID           string
	ConnectionID string
	Platform     string
	DeliveryID   string
	Action       string
	ExternalID   string
	ReceivedAt   time.Time
}

// DiscoveredResource is a raw asset found by a cloud discovery connector.
// Mapping discovered resources onto CMDB domain tables happens elsewhere.
type DiscoveredResource struct {
	ID         string
	Provider   string
	Kind       string
	ExternalID string
	Name       string
	Region     string
	Payload    []byte
	ArchiveKey string
	FirstSeen  time.Time
	LastSeen   time.Time
}

type APIToken struct {
	ID         string
	Name       string
	Prefix     string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
