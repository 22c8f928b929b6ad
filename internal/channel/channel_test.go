package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Error("expected missing channel lookup to return false")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewDuplexChannel(nil, nil))

	ch, ok := r.Get(DuplexChannelType)
	if !ok {
		t.Fatal("expected duplex channel to be registered")
	}
	if ch.Type != DuplexChannelType {
		t.Errorf("unexpected type: %s", ch.Type)
	}
}

func TestMergeDefaultsPrependsChannelDefaults(t *testing.T) {
	ch := NewDuplexChannel([]string{"default-skill"}, []string{"default-bridge"})

	req := &TaskRequest{}
	ch.MergeDefaults(req)
	if len(req.Skills) != 1 || req.Skills[0] != "default-skill" {
		t.Errorf("expected defaults applied, got %v", req.Skills)
	}

	req2 := &TaskRequest{Skills: []string{"explicit"}}
	ch.MergeDefaults(req2)
	if len(req2.Skills) != 2 || req2.Skills[0] != "default-skill" || req2.Skills[1] != "explicit" {
		t.Errorf("expected defaults prepended to explicit skills, got %v", req2.Skills)
	}
}

func TestGitHubChannelVerify(t *testing.T) {
	ch := NewGitHubChannel("topsecret", "/agent", nil, nil)
	body := []byte(`{"action":"created"}`)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", nil)
	req.Header.Set("X-Hub-Signature-256", sig)
	if !ch.Verify(req, body) {
		t.Error("expected valid signature to verify")
	}

	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	if ch.Verify(req, body) {
		t.Error("expected invalid signature to fail verify")
	}
}

func TestGitHubChannelTranslateIgnoresOtherEvents(t *testing.T) {
	ch := NewGitHubChannel("", "/agent", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", nil)
	req.Header.Set("X-GitHub-Event", "push")

	taskReq, err := ch.Translate(req, []byte(`{}`))
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if taskReq != nil {
		t.Error("expected non-issue_comment events to be ignored")
	}
}

func TestGitHubChannelTranslateRequiresTrigger(t *testing.T) {
	ch := NewGitHubChannel("", "/agent", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", nil)
	req.Header.Set("X-GitHub-Event", "issue_comment")

	body := []byte(`{"action":"created","comment":{"body":"just chatting"}}`)
	taskReq, err := ch.Translate(req, body)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if taskReq != nil {
		t.Error("expected comment without trigger phrase to be ignored")
	}
}

func TestGitHubChannelTranslateMatchesTrigger(t *testing.T) {
	ch := NewGitHubChannel("", "/agent", []string{"s1"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", nil)
	req.Header.Set("X-GitHub-Event", "issue_comment")

	body := []byte(`{"action":"created","comment":{"body":"hey /agent please help"},"repository":{"full_name":"acme/widgets"},"issue":{"number":7}}`)
	taskReq, err := ch.Translate(req, body)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if taskReq == nil {
		t.Fatal("expected a TaskRequest for a matching trigger comment")
	}
	if !strings.Contains(taskReq.Message, "/agent") {
		t.Errorf("unexpected message: %s", taskReq.Message)
	}
	ch.MergeDefaults(taskReq)
	if len(taskReq.Skills) != 1 || taskReq.Skills[0] != "s1" {
		t.Errorf("expected default skills merged, got %v", taskReq.Skills)
	}
}
