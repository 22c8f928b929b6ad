package driver

import (
	"fmt"

	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
)

// Open constructs the configured Driver shape. Local and Orchestrated
// both require a reachable Docker daemon; Static does not touch
// Docker at all.
func Open(cfg *config.Config, log *logger.Logger) (Driver, error) {
	switch cfg.Driver.Kind {
	case config.DriverStatic:
		if cfg.Driver.StaticWorkerURL == "" {
			return nil, fmt.Errorf("static driver requires driver.static_worker_url")
		}
		return NewStaticDriver(cfg.Driver.StaticWorkerURL, log), nil

	case config.DriverLocal:
		docker, err := NewDockerClient(cfg.Docker, log)
		if err != nil {
			return nil, fmt.Errorf("local driver: %w", err)
		}
		return NewLocalDriver(docker, cfg.Driver, log), nil

	case config.DriverOrchestrated:
		docker, err := NewDockerClient(cfg.Docker, log)
		if err != nil {
			return nil, fmt.Errorf("orchestrated driver: %w", err)
		}
		return NewOrchestratedDriver(docker, cfg.Driver, log), nil

	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Driver.Kind)
	}
}
