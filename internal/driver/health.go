package driver

import (
	"context"
	"net/http"
	"time"
)

// httpHealthClient issues bounded GET /health checks against worker
// endpoints, shared by every driver shape.
type httpHealthClient struct {
	client *http.Client
}

func newHTTPHealthClient() *httpHealthClient {
	return &httpHealthClient{client: &http.Client{Timeout: 3 * time.Second}}
}

func (h *httpHealthClient) ping(ctx context.Context, baseURL string) bool {
	return pingHealth(ctx, h.client, baseURL)
}
