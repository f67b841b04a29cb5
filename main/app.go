package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tabula-backend/internal/config"
	"tabula-backend/internal/db"
	"tabula-backend/internal/events"
	"tabula-backend/internal/ident"
	"tabula-backend/internal/keys"
	"tabula-backend/internal/metrics"
	"tabula-backend/internal/tenant"
)

// App wires the service components together.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *db.Registry
	Admin       *db.Database // nil for file-backed engines
	Resolver    *keys.Resolver
	Provisioner *tenant.Provisioner
	Hub         *events.Hub
	Metrics     *metrics.Metrics
	Limiter     *keyLimiter
	Router      *gin.Engine
}

// NewApp connects to the engine, prepares the key directory and builds the
// router.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Hub:     events.NewHub(logger.Named("events")),
		Metrics: metrics.New(),
	}

	base := cfg.ConnectionConfig()
	registry, err := db.NewRegistry(base, logger.Named("pools"))
	if err != nil {
		return nil, err
	}
	app.Registry = registry

	// file-backed engines have no server to administer
	var admin db.Querier
	if base.DatabaseType != db.DatabaseTypeSQLite {
		app.Admin, err = db.Connect(ctx, base)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to connect admin database: %w", err)
		}
		admin = app.Admin
	}

	if err := app.initDirectory(ctx, admin); err != nil {
		app.Close()
		return nil, err
	}

	limiter, err := newKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.KeyCacheSize)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Limiter = limiter

	app.Provisioner = tenant.New(registry, admin, app.Resolver,
		tenant.WithEvents(app.Hub),
		tenant.WithObserver(app.Metrics),
		tenant.WithBatchSize(cfg.InsertBatchSize),
		tenant.WithListingKeys(cfg.ListingShowsKeys),
		tenant.WithLogger(logger.Named("tenant")),
	)
	app.Metrics.RegisterPools(registry.Len)
	app.Metrics.RegisterResolver(app.Resolver.Stats)

	app.InitRouter()
	return app, nil
}

// initDirectory creates the key directory database and table if needed and
// builds the resolver on top of it.
func (app *App) initDirectory(ctx context.Context, admin db.Querier) error {
	name, err := ident.ParseKind("database", app.Config.DirectoryDatabase)
	if err != nil {
		return err
	}
	d := app.Registry.Dialect()
	exists, err := d.DatabaseExists(ctx, admin, name)
	if err != nil {
		return fmt.Errorf("failed to check directory database: %w", err)
	}
	if !exists {
		if err := d.CreateDatabase(ctx, admin, name); err != nil && !d.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create directory database: %w", err)
		}
		app.Logger.Info("created directory database", zap.String("database", string(name)))
	}

	pool, err := app.Registry.Get(ctx, name)
	if err != nil {
		return err
	}
	dir := keys.NewDirectory(pool)
	if err := dir.Ensure(ctx); err != nil {
		return err
	}

	app.Resolver, err = keys.NewResolver(dir, app.Registry, admin, app.Config.ResolverConfig(), app.Logger.Named("keys"))
	return err
}

// Close releases every pool.
func (app *App) Close() {
	if app.Registry != nil {
		if err := app.Registry.Close(); err != nil {
			app.Logger.Warn("failed to close pools", zap.Error(err))
		}
	}
	if app.Admin != nil {
		app.Admin.Close()
	}
}

// InitRouter registers middleware and routes.
func (app *App) InitRouter() {
	if app.Config.Release() {
		gin.SetMode(gin.ReleaseMode)
	}

	app.Router = gin.New()
	app.Router.Use(gin.Recovery())
	app.Router.Use(app.requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Organization-ID", "X-Request-ID", "x-api-key", "api-key"}
	app.Router.Use(cors.New(corsConfig))

	app.Router.GET("/api/health", app.healthHandler)
	app.Router.GET("/metrics", gin.WrapH(app.Metrics.Handler()))

	api := app.Router.Group("/api", app.adminMiddleware())
	{
		api.GET("/databases", app.listDatabasesHandler)
		api.POST("/databases", app.createDatabaseHandler)
		api.GET("/databases/:database/tables/:table/columns", app.getColumnsHandler)
		api.POST("/databases/:database/tables/:table/columns", app.addColumnHandler)
		api.PUT("/databases/:database/tables/:table/columns/:column", app.updateColumnHandler)
		api.DELETE("/databases/:database/tables/:table/columns/:column", app.deleteColumnHandler)
		api.GET("/events", app.Hub.HandleWebSocket)
	}

	data := app.Router.Group("/data", app.apiKeyMiddleware())
	{
		data.GET("", app.listDataHandler)
		data.POST("", app.createDataHandler)
		data.GET("/:id", app.getDataHandler)
		data.PUT("/:id", app.updateDataHandler)
		data.DELETE("/:id", app.deleteDataHandler)
	}
}

func (app *App) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	dbStatus := "ok"
	if err := app.ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		dbStatus = err.Error()
	}
	c.JSON(code, gin.H{
		"status":      status,
		"database":    dbStatus,
		"engine":      app.Config.DBEngine,
		"pools":       app.Registry.Len(),
		"subscribers": app.Hub.GetConnectionCount(),
		"timestamp":   time.Now().Unix(),
		"version":     version,
	})
}

func (app *App) ping(ctx context.Context) error {
	if app.Admin != nil {
		return app.Admin.Ping(ctx)
	}
	pool, err := app.Registry.Get(ctx, ident.Name(app.Config.DirectoryDatabase))
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Serve runs the HTTP server and the event hub until ctx is done, then shuts
// both down.
func (app *App) Serve(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	go app.Hub.Run(hubCtx)
	defer func() {
		stopHub()
		<-app.Hub.Done()
	}()

	srv := &http.Server{
		Addr:              ":" + app.Config.Port,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("HTTP server starting", zap.String("addr", srv.Addr), zap.String("engine", app.Config.DBEngine))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	app.Logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
