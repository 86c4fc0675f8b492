package search

// RecordDoc is the data we index for a record.
type RecordDoc struct {
	ID       string   `json:"id"`
	OrgID    string   `json:"orgId"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	State    string   `json:"state"`
	Labels   []string `json:"labels"`
	Assignee string   `json:"assignee"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	State   string `json:"state"`
	OrgID   string `json:"orgId"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterOrgID string
	FilterState string // empty = all states
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over records.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
