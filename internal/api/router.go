// Package api serves the harvester over HTTP: sync control, statistics and
// the response-draft workflow.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/model"
	"github.com/Martian-dev/mail-harvester/internal/sync"
)

// Store is the data the API reads and the response workflow writes.
type Store interface {
	Stats(ctx context.Context) (*model.Stats, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	Unresponded(ctx context.Context, account string, limit int) ([]model.Message, error)
	CreateResponse(ctx context.Context, messageID, content, notes string) (*model.Response, error)
	GetResponse(ctx context.Context, id int64) (*model.Response, error)
	ListResponses(ctx context.Context, unusedOnly bool, limit int) ([]model.Response, error)
	MarkResponseUsed(ctx context.Context, id int64) error
	UpdateResponse(ctx context.Context, id int64, content string) error
}

// Syncer starts and reports sync passes.
type Syncer interface {
	StartPass(ctx context.Context, accounts []config.Account) (string, error)
	Status() sync.Status
}

// Options configures the router.
type Options struct {
	Store    Store
	Syncer   Syncer
	Accounts []config.Account

	// Verifier guards every route except /healthz and /metrics. Nil leaves
	// the API open.
	Verifier Verifier

	Logger *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter wires the routes.
func NewRouter(opts Options) *Router {
	log := logger.OrNop(opts.Logger)
	h := &handler{store: opts.Store, syncer: opts.Syncer, accounts: opts.Accounts, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	// Public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	authorized := r.Group("/")
	if opts.Verifier != nil {
		authorized.Use(authMiddleware(opts.Verifier))
	}
	{
		authorized.POST("/sync", h.startSync)
		authorized.POST("/sync/:account", h.startAccountSync)
		authorized.GET("/sync/status", h.syncStatus)
		authorized.GET("/stats", h.stats)
		authorized.GET("/messages/unresponded", h.unresponded)
		authorized.GET("/messages/:id", h.message)
		authorized.POST("/messages/:id/responses", h.createResponse)
		authorized.GET("/responses", h.responses)
		authorized.GET("/responses/:id", h.response)
		authorized.PUT("/responses/:id", h.updateResponse)
		authorized.POST("/responses/:id/used", h.markUsed)
	}

	return &Router{Engine: r}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (r *Router) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
