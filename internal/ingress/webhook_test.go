package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/dispatcher"
	"github.com/kandev/dispatch/internal/driver"
	"github.com/kandev/dispatch/internal/store"
	"github.com/kandev/dispatch/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDriver struct{ baseURL string }

func (f *fakeDriver) Acquire(ctx context.Context, sessionID string) (*driver.Endpoint, error) {
	return &driver.Endpoint{SessionID: sessionID, BaseURL: f.baseURL}, nil
}
func (f *fakeDriver) Release(ctx context.Context, sessionID string) error  { return nil }
func (f *fakeDriver) Health(ctx context.Context, ep *driver.Endpoint) bool { return true }
func (f *fakeDriver) Close() error                                        { return nil }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

func newTestService(t *testing.T, st store.Store, workerBaseURL string) *Service {
	t.Helper()
	log := newTestLogger(t)
	registry := channel.NewRegistry()
	registry.Register(channel.NewDuplexChannel(nil, nil))
	registry.Register(channel.NewGitHubChannel("", "@dispatch", nil, nil))

	disp := dispatcher.New(st, &fakeDriver{baseURL: workerBaseURL}, worker.NewClient(), nil, log)
	return New(st, &fakeDriver{baseURL: workerBaseURL}, worker.NewClient(), registry, disp, nil, configTitleGenDisabled(), config.RateLimitConfig{}, log)
}

func TestWebhookUnknownChannelReturns404(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, "")

	r := svc.NewRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/channel/nonexistent/webhook", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWebhookVerificationFailureReturns401(t *testing.T) {
	st := store.NewMemoryStore()
	log := newTestLogger(t)
	registry := channel.NewRegistry()
	registry.Register(channel.NewGitHubChannel("supersecret", "@dispatch", nil, nil))
	disp := dispatcher.New(st, &fakeDriver{}, worker.NewClient(), nil, log)
	svc := New(st, &fakeDriver{}, worker.NewClient(), registry, disp, nil, configTitleGenDisabled(), config.RateLimitConfig{}, log)

	r := svc.NewRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", strings.NewReader("{}"))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestWebhookTranslateNoneReturnsSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, "")

	r := svc.NewRouter()
	body := `{"action":"created"}`
	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if skipped, _ := resp["skipped"].(bool); !skipped {
		t.Errorf("expected skipped=true, got %v", resp)
	}
}

func TestWebhookAcceptedDispatchesAsync(t *testing.T) {
	workerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: done\ndata: {\"content\":\"\"}\n\n"))
	}))
	defer workerSrv.Close()

	st := store.NewMemoryStore()
	svc := newTestService(t, st, workerSrv.URL)

	r := svc.NewRouter()
	payload := map[string]any{
		"action": "created",
		"issue":  map[string]any{"number": 42, "title": "bug"},
		"comment": map[string]any{
			"body": "hey @dispatch please take a look",
		},
		"repository": map[string]any{"full_name": "acme/widgets"},
	}
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/channel/github/webhook", strings.NewReader(string(raw)))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if _, ok := resp["taskId"]; !ok {
		t.Errorf("expected taskId in response, got %v", resp)
	}
}

func configTitleGenDisabled() config.TitleGenConfig {
	return config.TitleGenConfig{}
}

func mustSignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
