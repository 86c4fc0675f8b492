// Package webhook verifies and parses inbound platform webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

// Verify checks the platform's delivery signature over body. callbackURL is
// the public URL the webhook was registered with; only Trello signs it.
func Verify(platform string, header http.Header, body []byte, secret, callbackURL string) error {
	switch platform {
	case "github":
		return verifyHexHMAC(header.Get("X-Hub-Signature-256"), "sha256=", sha256.New, body, secret)
	case "gitlab":
		// GitLab sends the shared secret verbatim, not an HMAC.
		token := header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return ErrBadSignature
		}
		return nil
	case "jira":
		return verifyHexHMAC(header.Get("X-Hub-Signature"), "sha256=", sha256.New, body, secret)
	case "trello":
		// Trello signs base64(HMACSHA1(body + callbackURL)).
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		mac.Write([]byte(callbackURL))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		got := header.Get("X-Trello-Webhook")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return ErrBadSignature
		}
		return nil
	case "openproject":
		return verifyHexHMAC(header.Get("X-Op-Signature"), "sha1=", sha1.New, body, secret)
	default:
		return fmt.Errorf("unsupported platform %q", platform)
	}
}

func verifyHexHMAC(got, prefix string, algo func() hash.Hash, body []byte, secret string) error {
	if !strings.HasPrefix(got, prefix) {
		return ErrBadSignature
	}
	mac := hmac.New(algo, []byte(secret))
	mac.Write(body)
	want := prefix + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}
