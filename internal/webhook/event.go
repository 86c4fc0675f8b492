package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrIgnored marks deliveries that don't concern a synced record, like
// GitHub push events or Trello board renames. Handlers ack them with 200.
var ErrIgnored = errors.New("event does not target a synced record")

// Event is a normalized webhook delivery.
type Event struct {
	Platform   string
	DeliveryID string
	Action     string
	ExternalID string
}

// Parse extracts the targeted record from a delivery payload.
func Parse(platform string, header http.Header, body []byte) (Event, error) {
	switch platform {
	case "github":
		return parseGitHub(header, body)
	case "gitlab":
		return parseGitLab(header, body)
	case "jira":
		return parseJira(header, body)
	case "trello":
		return parseTrello(body)
	case "openproject":
		return parseOpenProject(body)
	default:
		return Event{}, fmt.Errorf("unsupported platform %q", platform)
	}
}

func parseGitHub(header http.Header, body []byte) (Event, error) {
	var p struct {
		Action string `json:"action"`
		Issue  *struct {
			Number int `json:"number"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Issue == nil {
		return Event{}, ErrIgnored
	}
	return Event{
		Platform:   "github",
		DeliveryID: header.Get("X-GitHub-Delivery"),
		Action:     p.Action,
		ExternalID: strconv.Itoa(p.Issue.Number),
	}, nil
}

func parseGitLab(header http.Header, body []byte) (Event, error) {
	var p struct {
		ObjectKind       string `json:"object_kind"`
		ObjectAttributes struct {
			IID    int    `json:"iid"`
			Action string `json:"action"`
		} `json:"object_attributes"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.ObjectKind != "issue" {
		return Event{}, ErrIgnored
	}
	return Event{
		Platform:   "gitlab",
		DeliveryID: header.Get("X-Gitlab-Event-UUID"),
		Action:     p.ObjectAttributes.Action,
		ExternalID: strconv.Itoa(p.ObjectAttributes.IID),
	}, nil
}

func parseJira(header http.Header, body []byte) (Event, error) {
	var p struct {
		WebhookEvent string `json:"webhookEvent"`
		Issue        *struct {
			Key string `json:"key"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Issue == nil {
		return Event{}, ErrIgnored
	}
	return Event{
		Platform:   "jira",
		DeliveryID: header.Get("X-Atlassian-Webhook-Identifier"),
		Action:     p.WebhookEvent,
		ExternalID: p.Issue.Key,
	}, nil
}

func parseTrello(body []byte) (Event, error) {
	var p struct {
		Action struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Data struct {
				Card *struct {
					ID string `json:"id"`
				} `json:"card"`
			} `json:"data"`
		} `json:"action"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Action.Data.Card == nil {
		return Event{}, ErrIgnored
	}
	return Event{
		Platform:   "trello",
		DeliveryID: p.Action.ID,
		Action:     p.Action.Type,
		ExternalID: p.Action.Data.Card.ID,
	}, nil
}

func parseOpenProject(body []byte) (Event, error) {
	var p struct {
		Action      string `json:"action"`
		WorkPackage *struct {
			ID int `json:"id"`
		} `json:"work_package"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.WorkPackage == nil {
		return Event{}, ErrIgnored
	}
	// OpenProject deliveries carry no id; hash the body so retries dedupe.
	sum := sha256.Sum256(body)
	return Event{
		Platform:   "openproject",
		DeliveryID: hex.EncodeToString(sum[:8]),
		Action:     p.Action,
		ExternalID: strconv.Itoa(p.WorkPackage.ID),
	}, nil
}
