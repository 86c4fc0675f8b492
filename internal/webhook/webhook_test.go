package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
)

func TestVerifyGitHub(t *testing.T) {
	body := []byte(`{"action": "opened"}`)
	secret := "s3cret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("X-Hub-Signature-256", sig)
	if err := Verify("github", h, body, secret, ""); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	h.Set("X-Hub-Signature-256", "sha256=deadbeef")
	if !errors.Is(Verify("github", h, body, secret, ""), ErrBadSignature) {
		t.Fatal("tampered signature accepted")
	}

	h.Del("X-Hub-Signature-256")
	if !errors.Is(Verify("github", h, body, secret, ""), ErrBadSignature) {
		t.Fatal("missing signature accepted")
	}
}

func TestVerifyGitLabToken(t *testing.T) {
	h := http.Header{}
	h.Set("X-Gitlab-Token", "shared-token")
	if err := Verify("gitlab", h, []byte("{}"), "shared-token", ""); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	h.Set("X-Gitlab-Token", "wrong")
	if !errors.Is(Verify("gitlab", h, []byte("{}"), "shared-token", ""), ErrBadSignature) {
		t.Fatal("wrong token accepted")
	}
}

func TestVerifyTrelloSignsCallbackURL(t *testing.T) {
	body := []byte(`{"action": {}}`)
	secret := "trello-secret"
	callback := "https://elder.example.test/api/webhooks/trello/conn1"

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(callback))
	h := http.Header{}
	h.Set("X-Trello-Webhook", base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	if err := Verify("trello", h, body, secret, callback); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	// Same body, different callback URL: must fail.
	if !errors.Is(Verify("trello", h, body, secret, "https://other.test/cb"), ErrBadSignature) {
		t.Fatal("signature accepted for wrong callback URL")
	}
}

func TestVerifyOpenProject(t *testing.T) {
	body := []byte(`{"action": "work_package:updated"}`)
	secret := "op-secret"
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	h := http.Header{}
	h.Set("X-Op-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))

	if err := Verify("openproject", h, body, secret, ""); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifyUnknownPlatform(t *testing.T) {
	if err := Verify("asana", http.Header{}, nil, "x", ""); err == nil {
		t.Fatal("unknown platform accepted")
	}
}

func TestParseGitHubIssueEvent(t *testing.T) {
	h := http.Header{}
	h.Set("X-GitHub-Delivery", "dlv-123")
	body := []byte(`{"action": "edited", "issue": {"number": 42}}`)

	ev, err := Parse("github", h, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Event{Platform: "github", DeliveryID: "dlv-123", Action: "edited", ExternalID: "42"}
	if ev != want {
		t.Fatalf("event = %+v, want %+v", ev, want)
	}
}

func TestParseGitHubNonIssueIgnored(t *testing.T) {
	_, err := Parse("github", http.Header{}, []byte(`{"action": "created", "comment": {}}`))
	if !errors.Is(err, ErrIgnored) {
		t.Fatalf("err = %v, want ErrIgnored", err)
	}
}

func TestParseGitLabIssueEvent(t *testing.T) {
	h := http.Header{}
	h.Set("X-Gitlab-Event-UUID", "uuid-1")
	body := []byte(`{"object_kind": "issue", "object_attributes": {"iid": 9, "action": "update"}}`)

	ev, err := Parse("gitlab", h, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ExternalID != "9" || ev.Action != "update" || ev.DeliveryID != "uuid-1" {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := Parse("gitlab", h, []byte(`{"object_kind": "push"}`)); !errors.Is(err, ErrIgnored) {
		t.Fatalf("push event not ignored: %v", err)
	}
}

func TestParseJiraIssueEvent(t *testing.T) {
	h := http.Header{}
	h.Set("X-Atlassian-Webhook-Identifier", "atl-7")
	body := []byte(`{"webhookEvent": "jira:issue_updated", "issue": {"key": "OPS-12"}}`)

	ev, err := Parse("jira", h, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ExternalID != "OPS-12" || ev.Action != "jira:issue_updated" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestParseTrelloCardEvent(t *testing.T) {
	body := []byte(`{"action": {"id": "act1", "type": "updateCard", "data": {"card": {"id": "crd9"}}}}`)
	ev, err := Parse("trello", nil, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.ExternalID != "crd9" || ev.DeliveryID != "act1" || ev.Action != "updateCard" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestParseOpenProjectDerivesDeliveryID(t *testing.T) {
	body := []byte(`{"action": "work_package:updated", "work_package": {"id": 31}}`)
	ev1, err := Parse("openproject", nil, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev1.ExternalID != "31" || ev1.DeliveryID == "" {
		t.Fatalf("event = %+v", ev1)
	}
	ev2, _ := Parse("openproject", nil, body)
	if ev1.DeliveryID != ev2.DeliveryID {
		t.Fatal("same body must derive the same delivery id")
	}
}
