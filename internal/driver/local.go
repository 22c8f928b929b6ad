package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/dispatch/internal/common/apperr"
	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
)

const localAcquireTimeout = 90 * time.Second

// LocalDriver runs one Docker container per session on the host
// Docker daemon, bind-mounting a per-session host directory as the
// workspace. It is the development/single-node shape: no idle reaper,
// no named volumes, no pod/service split.
type LocalDriver struct {
	docker *DockerClient
	cfg    config.DriverConfig
	http   *httpHealthClient
	logger *logger.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	sf        singleflight.Group
}

var _ Driver = (*LocalDriver)(nil)

func NewLocalDriver(docker *DockerClient, cfg config.DriverConfig, log *logger.Logger) *LocalDriver {
	return &LocalDriver{
		docker:    docker,
		cfg:       cfg,
		http:      newHTTPHealthClient(),
		logger:    log.WithFields(zap.String("component", "local-driver")),
		endpoints: make(map[string]*Endpoint),
	}
}

// Acquire is deduplicated per session via singleflight: two concurrent
// calls for the same session (e.g. two chat messages racing in before
// the first container exists) collapse into a single create-or-reuse
// flow instead of racing Docker.
func (d *LocalDriver) Acquire(ctx context.Context, sessionID string) (*Endpoint, error) {
	d.mu.Lock()
	ep, ok := d.endpoints[sessionID]
	d.mu.Unlock()
	if ok {
		if d.http.ping(ctx, ep.BaseURL) {
			return ep, nil
		}
		d.mu.Lock()
		delete(d.endpoints, sessionID)
		d.mu.Unlock()
	}

	result, err, _ := d.sf.Do(sessionID, func() (any, error) {
		return d.acquireLocked(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Endpoint), nil
}

func (d *LocalDriver) acquireLocked(ctx context.Context, sessionID string) (*Endpoint, error) {
	d.mu.Lock()
	if ep, ok := d.endpoints[sessionID]; ok {
		d.mu.Unlock()
		return ep, nil
	}
	d.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, localAcquireTimeout)
	defer cancel()

	name := sanitizeName("dispatch-worker", sessionID)

	if existing, err := d.docker.FindByName(acquireCtx, name); err == nil && existing != nil && existing.State == "running" {
		ep := &Endpoint{SessionID: sessionID, BaseURL: fmt.Sprintf("http://127.0.0.1:%d", existing.HostPort)}
		if !d.waitUntilReady(acquireCtx, ep) {
			return nil, apperr.WorkerUnavailable("worker did not become ready", acquireCtx.Err())
		}
		d.mu.Lock()
		d.endpoints[sessionID] = ep
		d.mu.Unlock()
		return ep, nil
	}

	hostDir := filepath.Join(d.cfg.WorkspaceHostRoot, sanitizeName("ws", sessionID))
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	if err := d.docker.PullImage(acquireCtx, d.cfg.WorkerImage); err != nil {
		d.logger.Warn("pull image failed, attempting to run with local cache", zap.Error(err), zap.String("image", d.cfg.WorkerImage))
	}

	info, err := d.docker.CreateContainer(acquireCtx, ContainerSpec{
		Name:           name,
		Image:          d.cfg.WorkerImage,
		Env:            []string{fmt.Sprintf("WORKER_PORT=%d", d.cfg.WorkerPort)},
		WorkspaceMount: hostDir,
		Port:           d.cfg.WorkerPort,
		Labels:         map[string]string{"dispatch.session": sessionID, "dispatch.role": "worker"},
	})
	if err != nil {
		return nil, fmt.Errorf("create worker container: %w", err)
	}

	ep := &Endpoint{SessionID: sessionID, BaseURL: fmt.Sprintf("http://127.0.0.1:%d", info.HostPort)}
	if !d.waitUntilReady(acquireCtx, ep) {
		return nil, apperr.WorkerUnavailable("worker did not become ready", acquireCtx.Err())
	}

	d.mu.Lock()
	d.endpoints[sessionID] = ep
	d.mu.Unlock()
	return ep, nil
}

// waitUntilReady blocks until ep's health probe succeeds or ctx expires.
func (d *LocalDriver) waitUntilReady(ctx context.Context, ep *Endpoint) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d.http.ping(ctx, ep.BaseURL) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (d *LocalDriver) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.endpoints, sessionID)
	d.mu.Unlock()

	name := sanitizeName("dispatch-worker", sessionID)
	info, err := d.docker.FindByName(ctx, name)
	if err != nil || info == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.docker.StopContainer(stopCtx, info.ID, 5*time.Second); err != nil {
		d.logger.Warn("stop worker container failed", zap.Error(err), zap.String("session", sessionID))
	}
	return d.docker.RemoveContainer(ctx, info.ID)
}

func (d *LocalDriver) Health(ctx context.Context, ep *Endpoint) bool {
	return d.http.ping(ctx, ep.BaseURL)
}

func (d *LocalDriver) Close() error {
	return d.docker.Close()
}
