package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"geminigate-go/internal/apikey"
	"geminigate-go/internal/config"
	"geminigate-go/internal/credential"
	"geminigate-go/internal/handlers/anthropic"
	"geminigate-go/internal/handlers/openai"
	"geminigate-go/internal/identity"
	"geminigate-go/internal/middleware"
	"geminigate-go/internal/oauth"
	"geminigate-go/internal/runtime"
	"geminigate-go/internal/store"
	"geminigate-go/internal/tokencount"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	logFlushInterval  = 42 * time.Second
	keysFlushInterval = 60 * time.Second
	identitySweep     = 10 * time.Minute
	shutdownGrace     = 10 * time.Second
)

// Gateway owns the shared state of the process: the credential pool, key
// store, identity cache and upstream client. Handlers borrow it per request.
type Gateway struct {
	cfg   *config.Config
	files *store.Store
	logs  *store.LogBuffer
	pool  *credential.Pool
	keys  *apikey.Store
	ident *identity.Cache
	up    *upstream.Client
	est   *tokencount.Estimator
	tasks *runtime.TaskManager
}

// New wires the gateway components and loads persisted state.
func New(ctx context.Context, cfg *config.Config, files *store.Store, logs *store.LogBuffer) (*Gateway, error) {
	tokens := oauth.NewClient(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL,
		oauth.WithRedirectURI(cfg.OAuth.RedirectURI))
	pool := credential.NewPool(files, tokens)
	if err := pool.Load(); err != nil {
		return nil, err
	}
	keys := apikey.NewStore(files)
	if err := keys.Load(); err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:   cfg,
		files: files,
		logs:  logs,
		pool:  pool,
		keys:  keys,
		ident: identity.NewCache(),
		up:    upstream.NewClient(&cfg.API),
		est:   tokencount.New(),
		tasks: runtime.NewTaskManager(ctx),
	}, nil
}

// Pool exposes the credential pool for admin wiring.
func (g *Gateway) Pool() *credential.Pool { return g.pool }

// Keys exposes the API key store for admin wiring.
func (g *Gateway) Keys() *apikey.Store { return g.keys }

// Router builds the gin engine with the full route surface.
func (g *Gateway) Router() *gin.Engine {
	if !g.cfg.Security.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(g.cfg.Security.MaxRequestSize))
	r.Use(middleware.RateGuard(0, 0))

	oa := openai.NewHandler(g.cfg, g.pool, g.keys, g.ident, g.up, g.est)
	an := anthropic.NewHandler(g.cfg, g.pool, g.keys, g.ident, g.up, g.est)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", oa.ChatCompletions)
		v1.POST("/chat/completions/count_tokens", oa.CountTokens)
		v1.GET("/models", oa.Models)
	}

	av1 := r.Group("/anthropic/v1")
	{
		av1.POST("/messages", an.Messages)
		av1.POST("/messages/count_tokens", an.CountTokens)
	}

	return r
}

// Run starts the background tasks and serves HTTP until ctx is cancelled,
// then drains connections and flushes state.
func (g *Gateway) Run(ctx context.Context) error {
	g.startTasks(ctx)

	srv := &http.Server{
		Addr:              g.cfg.Addr(),
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}

	g.tasks.StopAll()
	g.tasks.Wait()

	if err := g.keys.Flush(); err != nil {
		log.WithError(err).Warn("Final key flush failed")
	}
	if err := g.logs.Flush(); err != nil {
		log.WithError(err).Warn("Final log flush failed")
	}
	return nil
}

func (g *Gateway) startTasks(ctx context.Context) {
	_ = g.tasks.StartPeriodic("api-keys-flush", keysFlushInterval, func(context.Context) error {
		return g.keys.Flush()
	})
	_ = g.tasks.StartPeriodic("app-logs-flush", logFlushInterval, func(context.Context) error {
		return g.logs.Flush()
	})
	_ = g.tasks.StartPeriodic("identity-sweep", identitySweep, func(context.Context) error {
		g.ident.Sweep()
		return nil
	})
	_ = g.tasks.Start("accounts-watch", func(taskCtx context.Context) error {
		return g.pool.Watch(taskCtx)
	})
}
