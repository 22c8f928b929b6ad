// Package ingress is the HTTP/websocket front door of the control
// plane: the duplex interactive connection, the webhook endpoint, and
// the REST surface of §4.6/§6.3/§6.4, all sharing the Dispatcher and
// Channel Registry wired up at startup.
package ingress

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/common/apperr"
	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/dispatcher"
	"github.com/kandev/dispatch/internal/driver"
	"github.com/kandev/dispatch/internal/events/bus"
	"github.com/kandev/dispatch/internal/store"
	"github.com/kandev/dispatch/internal/worker"
)

// Service holds everything a handler needs to turn an inbound request
// into Dispatcher work: the Store for reads/writes, the Driver for
// workspace-proxy endpoint resolution, the Worker Client for
// cancellation and workspace proxying, the Channel Registry for
// webhook lookups, and the Dispatcher itself.
type Service struct {
	store      store.Store
	driver     driver.Driver
	worker     *worker.Client
	channels   *channel.Registry
	dispatcher *dispatcher.Dispatcher
	bus        *bus.EventBus
	titlegen   *titleGenerator
	rateLimit  config.RateLimitConfig
	logger     *logger.Logger
}

// New builds the Ingress Service. titlegenCfg may be zero-valued; the
// title generator degrades to a no-op when BaseURL is empty.
// rateLimitCfg's zero value (0 requests/second) disables the
// corresponding RateLimit middleware in NewRouter.
func New(
	st store.Store,
	drv driver.Driver,
	wk *worker.Client,
	channels *channel.Registry,
	disp *dispatcher.Dispatcher,
	eventBus *bus.EventBus,
	titlegenCfg config.TitleGenConfig,
	rateLimitCfg config.RateLimitConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		store:      st,
		driver:     drv,
		worker:     wk,
		channels:   channels,
		dispatcher: disp,
		bus:        eventBus,
		titlegen:   newTitleGenerator(titlegenCfg, log),
		rateLimit:  rateLimitCfg,
		logger:     log.WithFields(zap.String("component", "ingress")),
	}
}

// writeError renders an apperr-classified (or opaque) error as the
// matching HTTP status, in the {error: {code, message}} shape of
// internal/orchestrator/api/middleware.go's ErrorHandler. For an
// unclassified error the message is err.Error(), where ErrorHandler
// sends a generic message instead.
func writeError(c *gin.Context, err error) {
	if appErr, ok := apperr.As(err); ok {
		c.JSON(apperr.HTTPStatus(appErr), gin.H{
			"error": gin.H{"code": appErr.Kind, "message": appErr.Message},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"code": apperr.KindInternal, "message": err.Error()},
	})
}
