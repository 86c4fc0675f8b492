// Package clients builds platform sync clients from stored connections.
package clients

import (
	"fmt"

	"elder/api/internal/store"
	"elder/api/internal/sync"
	"elder/api/internal/sync/github"
	"elder/api/internal/sync/gitlab"
	"elder/api/internal/sync/jira"
	"elder/api/internal/sync/openproject"
	"elder/api/internal/sync/trello"
)

var platforms = []string{"github", "gitlab", "jira", "trello", "openproject"}

// Supported reports whether platform has a client implementation.
func Supported(platform string) bool {
	for _, p := range platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// Platforms lists the supported platform names.
func Platforms() []string {
	return append([]string(nil), platforms...)
}

// ForConnection returns a sync client for the connection's platform.
// Credential layout per platform: AuthToken is always the secret; AuthExtra
// carries the Jira user and the Trello API key.
func ForConnection(conn store.Connection) (sync.Client, error) {
	switch conn.Platform {
	case "github":
		return github.New(conn.BaseURL, conn.TargetRef, conn.AuthToken), nil
	case "gitlab":
		return gitlab.New(conn.BaseURL, conn.TargetRef, conn.AuthToken), nil
	case "jira":
		return jira.New(conn.BaseURL, conn.TargetRef, conn.AuthExtra, conn.AuthToken), nil
	case "trello":
		return trello.New(conn.BaseURL, conn.TargetRef, conn.AuthExtra, conn.AuthToken), nil
	case "openproject":
		return openproject.New(conn.BaseURL, conn.TargetRef, conn.AuthToken), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", conn.Platform)
	}
}
