package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/dispatch/internal/common/apperr"
	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
)

const defaultAcquireTimeout = 90 * time.Second

// cachedEndpoint pairs a resolved Endpoint with the bookkeeping the
// idle reaper needs.
type cachedEndpoint struct {
	endpoint   *Endpoint
	containerID string
	lastUsedAt time.Time
}

// OrchestratedDriver plays the "pod + cluster-local service, backed by
// ephemeral scratch or a per-session PVC" shape on top of the Docker
// Engine SDK: a container stands in for the pod, a cached
// host-port/DNS-style record stands in for the service, and a named
// Docker volume stands in for the PVC when workspace storage is
// persistent. It is the only shape that runs a background idle
// reaper.
type OrchestratedDriver struct {
	docker *DockerClient
	cfg    config.DriverConfig
	http   *httpHealthClient
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]*cachedEndpoint
	sf    singleflight.Group

	reaperStop chan struct{}
	reaperDone chan struct{}
}

var _ Driver = (*OrchestratedDriver)(nil)

func NewOrchestratedDriver(docker *DockerClient, cfg config.DriverConfig, log *logger.Logger) *OrchestratedDriver {
	d := &OrchestratedDriver{
		docker:     docker,
		cfg:        cfg,
		http:       newHTTPHealthClient(),
		logger:     log.WithFields(zap.String("component", "orchestrated-driver")),
		cache:      make(map[string]*cachedEndpoint),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	if cfg.IdleTTL() > 0 {
		go d.runIdleReaper()
	} else {
		close(d.reaperDone)
	}
	return d
}

// Acquire implements the §4.2 reconciliation algorithm. The
// post-cache-check reconciliation is deduplicated per session via
// singleflight, so concurrent Acquire calls racing in for a session
// with no warm container collapse into a single reconcile instead of
// creating duplicate pods.
func (d *OrchestratedDriver) Acquire(ctx context.Context, sessionID string) (*Endpoint, error) {
	// Step 2: cache check.
	if cached := d.cachedHealthy(ctx, sessionID); cached != nil {
		return cached, nil
	}

	result, err, _ := d.sf.Do(sessionID, func() (any, error) {
		return d.acquireLocked(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Endpoint), nil
}

func (d *OrchestratedDriver) acquireLocked(ctx context.Context, sessionID string) (*Endpoint, error) {
	// Re-check: another caller may have just finished reconciling while
	// we waited to enter singleflight.
	if cached := d.cachedHealthy(ctx, sessionID); cached != nil {
		return cached, nil
	}

	// Step 1: deterministic name.
	name := sanitizeName(d.cfg.Namespace, sessionID)

	acquireCtx, cancel := context.WithTimeout(ctx, defaultAcquireTimeout)
	defer cancel()

	// Step 3/4: inspect current "pod" (container) state.
	info, err := d.docker.FindByName(acquireCtx, name)
	if err != nil {
		return nil, apperr.WorkerUnavailable("inspect worker container", err)
	}
	if info != nil && isTerminalPhase(info.State) {
		// Step 4: terminal phase, delete pod+service (container + cache entry).
		_ = d.docker.RemoveContainer(acquireCtx, info.ID)
		d.dropCache(sessionID)
		info = nil
	}

	if info == nil {
		// Step 5: ensure PVC-equivalent volume for persistent workspace mode.
		var volumeName string
		if d.cfg.WorkspaceStorage == config.WorkspacePersistent {
			volumeName = sanitizeName(d.cfg.Namespace+"-vol", sessionID)
			if err := d.docker.EnsureVolume(acquireCtx, volumeName); err != nil {
				return nil, apperr.WorkerUnavailable("ensure persistent volume", err)
			}
		}

		if err := d.docker.PullImage(acquireCtx, d.cfg.WorkerImage); err != nil {
			d.logger.Warn("pull worker image failed, trying local cache", zap.Error(err))
		}

		// Step 6: create pod.
		info, err = d.docker.CreateContainer(acquireCtx, ContainerSpec{
			Name:       name,
			Image:      d.cfg.WorkerImage,
			Env:        []string{fmt.Sprintf("WORKER_PORT=%d", d.cfg.WorkerPort)},
			VolumeName: volumeName,
			Port:       d.cfg.WorkerPort,
			Labels:     map[string]string{"dispatch.session": sessionID, "dispatch.namespace": d.cfg.Namespace},
			Memory:     0,
		})
		if err != nil {
			return nil, apperr.WorkerUnavailable("create worker container", err)
		}
	}

	// Step 7: "ensure service" — the published host port we just read
	// off the container inspect IS the service record; nothing further
	// to reconcile against a selector since there is exactly one pod.

	// Step 8: wait for ready.
	ep := &Endpoint{SessionID: sessionID, BaseURL: fmt.Sprintf("http://127.0.0.1:%d", info.HostPort)}
	if !d.waitUntilReady(acquireCtx, ep) {
		return nil, apperr.WorkerUnavailable("worker did not become ready", acquireCtx.Err())
	}

	// Step 9: cache endpoint with last_used_at = now.
	d.mu.Lock()
	d.cache[sessionID] = &cachedEndpoint{endpoint: ep, containerID: info.ID, lastUsedAt: time.Now()}
	d.mu.Unlock()

	return ep, nil
}

func (d *OrchestratedDriver) cachedHealthy(ctx context.Context, sessionID string) *Endpoint {
	d.mu.Lock()
	entry, ok := d.cache[sessionID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if !d.http.ping(ctx, entry.endpoint.BaseURL) {
		return nil
	}

	d.mu.Lock()
	entry.lastUsedAt = time.Now()
	d.mu.Unlock()
	return entry.endpoint
}

func (d *OrchestratedDriver) waitUntilReady(ctx context.Context, ep *Endpoint) bool {
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

func (d *OrchestratedDriver) dropCache(sessionID string) {
	d.mu.Lock()
	delete(d.cache, sessionID)
	d.mu.Unlock()
}

func (d *OrchestratedDriver) Release(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	entry, ok := d.cache[sessionID]
	delete(d.cache, sessionID)
	d.mu.Unlock()

	if !ok {
		name := sanitizeName(d.cfg.Namespace, sessionID)
		info, err := d.docker.FindByName(ctx, name)
		if err != nil || info == nil {
			return nil
		}
		entry = &cachedEndpoint{containerID: info.ID}
	}

	return d.docker.RemoveContainer(ctx, entry.containerID)
}

func (d *OrchestratedDriver) Health(ctx context.Context, ep *Endpoint) bool {
	return d.http.ping(ctx, ep.BaseURL)
}

func (d *OrchestratedDriver) Close() error {
	if d.cfg.IdleTTL() > 0 {
		close(d.reaperStop)
		<-d.reaperDone
	}
	return d.docker.Close()
}

// runIdleReaper deletes endpoints idle longer than the configured TTL,
// on a fixed 5-minute tick, per §4.2.
func (d *OrchestratedDriver) runIdleReaper() {
	defer close(d.reaperDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.reaperStop:
			return
		case <-ticker.C:
			d.reapIdle()
		}
	}
}

func (d *OrchestratedDriver) reapIdle() {
	ttl := d.cfg.IdleTTL()
	now := time.Now()

	d.mu.Lock()
	var expired []string
	for sessionID, entry := range d.cache {
		if now.Sub(entry.lastUsedAt) > ttl {
			expired = append(expired, sessionID)
		}
	}
	d.mu.Unlock()

	for _, sessionID := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.Release(ctx, sessionID); err != nil {
			d.logger.Warn("idle reaper release failed", zap.String("session", sessionID), zap.Error(err))
		} else {
			d.logger.Info("idle reaper removed worker", zap.String("session", sessionID))
		}
		cancel()
	}
}

func isTerminalPhase(state string) bool {
	switch state {
	case "exited", "dead", "removing":
		return true
	default:
		return false
	}
}
