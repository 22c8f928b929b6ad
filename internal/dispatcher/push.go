package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/store"
)

const pushTimeout = 10 * time.Second

// pushPayload is the JSON body posted to a push_notification URL, per
// §4.5 step 8.
type pushPayload struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// pushSender is the best-effort delivery mechanism for push
// notifications, split out so it can be swapped in tests.
type pushSender interface {
	send(ctx context.Context, target store.PushNotification, payload pushPayload, log *logger.Logger)
}

type httpPushSender struct {
	client *http.Client
}

func newHTTPPushSender() *httpPushSender {
	return &httpPushSender{client: &http.Client{Timeout: pushTimeout}}
}

// send POSTs payload to target.URL with the configured auth header.
// Failures are logged and swallowed — push notifications do not
// retry, per §7.
func (p *httpPushSender) send(ctx context.Context, target store.PushNotification, payload pushPayload, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn("encode push payload failed", zap.Error(err), zap.String("task_id", payload.TaskID))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		log.Warn("build push request failed", zap.Error(err), zap.String("task_id", payload.TaskID))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if target.AuthHeader != "" {
		req.Header.Set("Authorization", target.AuthHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.Warn("push notification failed", zap.Error(err), zap.String("task_id", payload.TaskID), zap.String("url", target.URL))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("push notification rejected", zap.Int("status", resp.StatusCode), zap.String("task_id", payload.TaskID))
	}
}
