package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GitHubChannelType is the channel-type key for the optional
// source-hosting webhook extension mentioned in §4.4.
const GitHubChannelType = "github"

type githubIssueCommentPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// NewGitHubChannel returns a webhook channel that translates
// "issue_comment" events mentioning trigger into a TaskRequest, and
// verifies the `X-Hub-Signature-256` HMAC header against secret.
// Every other event type is ignored (Translate returns nil, nil).
func NewGitHubChannel(secret, trigger string, defaultSkills, defaultBridgeConfigs []string) *Channel {
	return &Channel{
		Type: GitHubChannelType,
		Defaults: Defaults{
			Skills:        defaultSkills,
			BridgeConfigs: defaultBridgeConfigs,
		},
		Verify: func(r *http.Request, body []byte) bool {
			if secret == "" {
				return true
			}
			sig := r.Header.Get("X-Hub-Signature-256")
			return verifyHMACSHA256(secret, body, sig)
		},
		Translate: func(r *http.Request, body []byte) (*TaskRequest, error) {
			if r.Header.Get("X-GitHub-Event") != "issue_comment" {
				return nil, nil
			}
			var payload githubIssueCommentPayload
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, fmt.Errorf("decode github webhook payload: %w", err)
			}
			if payload.Action != "created" || !strings.Contains(payload.Comment.Body, trigger) {
				return nil, nil
			}

			return &TaskRequest{
				// Deterministic per-issue session id: repeat comments on
				// the same issue reuse the same session (and therefore
				// the same worker) via the Store's idempotent
				// CreateSession insert, instead of spinning up a fresh
				// worker per comment.
				SessionID:   githubSessionID(payload.Repository.FullName, payload.Issue.Number),
				ChannelType: GitHubChannelType,
				ChannelMeta: map[string]any{
					"repository":   payload.Repository.FullName,
					"issue_number": payload.Issue.Number,
				},
				Message: payload.Comment.Body,
			}, nil
		},
	}
}

// githubSessionID derives a stable session id from a repository and
// issue number, sanitized to the same [a-z0-9-] alphabet the Driver
// uses for container names (the session id ends up embedded in a
// sanitized container name downstream).
func githubSessionID(repo string, issueNumber int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, repo)
	return fmt.Sprintf("github-%s-issue-%d", cleaned, issueNumber)
}

func verifyHMACSHA256(secret string, body []byte, signatureHeader string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	expected := strings.TrimPrefix(signatureHeader, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}
