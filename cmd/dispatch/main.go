package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/common/tracing"
	"github.com/kandev/dispatch/internal/dispatcher"
	"github.com/kandev/dispatch/internal/driver"
	"github.com/kandev/dispatch/internal/events/bus"
	"github.com/kandev/dispatch/internal/ingress"
	"github.com/kandev/dispatch/internal/store"
	"github.com/kandev/dispatch/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting dispatch control plane")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to NATS event bus
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("connected to NATS event bus")

	// 5. Open the durable Store
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("opened store", zap.String("driver", cfg.Store.Driver))

	// 6. Open the Driver façade (static, local Docker, or orchestrated)
	drv, err := driver.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open driver", zap.Error(err))
	}
	defer drv.Close()
	log.Info("opened driver", zap.String("kind", string(cfg.Driver.Kind)))

	// 7. Worker Client (stateless HTTP/SSE client used by Dispatcher and Ingress)
	wk := worker.NewClient()

	// 8. Channel Registry: duplex is always available, GitHub is
	// registered only when a webhook secret is configured.
	channels := channel.NewRegistry()
	channels.Register(channel.NewDuplexChannel(nil, nil))
	if cfg.GitHub.Secret != "" {
		channels.Register(channel.NewGitHubChannel(
			cfg.GitHub.Secret,
			cfg.GitHub.Trigger,
			cfg.GitHub.DefaultSkills,
			cfg.GitHub.DefaultBridgeConfigs,
		))
		log.Info("registered github channel", zap.String("trigger", cfg.GitHub.Trigger))
	}

	// 9. Dispatcher ties Store, Driver, and Worker Client into the
	// Acquire -> Prepare -> stream -> deliver pipeline.
	disp := dispatcher.New(st, drv, wk, eventBus, log)

	// 10. Ingress: duplex websocket, webhook, and REST surfaces.
	ingressSvc := ingress.New(st, drv, wk, channels, disp, eventBus, cfg.TitleGen, cfg.RateLimit, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := ingressSvc.NewRouter()

	// 11. HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Start server in goroutine
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down dispatch control plane")

	// 14. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("dispatch control plane stopped")
}
