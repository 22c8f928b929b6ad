package driver

import (
	"context"
	"net/http"
	"time"

	"github.com/kandev/dispatch/internal/common/logger"
)

// StaticDriver always resolves to one pre-existing worker endpoint,
// configured out of band. Acquire and Release are no-ops beyond
// returning/ignoring that fixed endpoint.
type StaticDriver struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

var _ Driver = (*StaticDriver)(nil)

func NewStaticDriver(baseURL string, log *logger.Logger) *StaticDriver {
	return &StaticDriver{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 3 * time.Second},
		logger:  log,
	}
}

func (d *StaticDriver) Acquire(ctx context.Context, sessionID string) (*Endpoint, error) {
	return &Endpoint{SessionID: sessionID, BaseURL: d.baseURL}, nil
}

func (d *StaticDriver) Release(ctx context.Context, sessionID string) error {
	return nil
}

func (d *StaticDriver) Health(ctx context.Context, ep *Endpoint) bool {
	return pingHealth(ctx, d.http, ep.BaseURL)
}

func (d *StaticDriver) Close() error { return nil }

// pingHealth issues a bounded GET /health against baseURL, treating
// any non-2xx response or transport error as unhealthy.
func pingHealth(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
