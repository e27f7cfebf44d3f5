// Package main is the entry point for the grid backend-for-frontend. It wires
// definitions, backend fetchers and the session manager together and serves
// the /ui API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/internal/definition"
	"github.com/pitabwire/odatagrid/internal/fetch"
	"github.com/pitabwire/odatagrid/internal/grid"
	"github.com/pitabwire/odatagrid/internal/observability"
	"github.com/pitabwire/odatagrid/internal/openapi"
	"github.com/pitabwire/odatagrid/internal/transport"
	"github.com/pitabwire/odatagrid/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "odatagrid", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build backend fetchers.
	fetchers := fetch.NewRegistry(cfg.Services, logger, metrics)

	// Step 5: Load OpenAPI specs (optional).
	oaIndex := openapi.NewIndex()
	if err := oaIndex.Load(cfg.Specs.Directory, specSources(cfg.Specs)); err != nil {
		logger.Error("OpenAPI index load failed", zap.Error(err))
		return 1
	}
	for _, svc := range oaIndex.Services() {
		metrics.SetOpenAPIPathsIndexed(svc, float64(len(oaIndex.Collections(svc))))
	}

	// Step 6: Load definitions, validate, build registry.
	defs, err := loadDefinitions(cfg.Definitions, fetchers, oaIndex, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		metrics.RecordDefinitionReload("failure")
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.RecordDefinitionReload("success")
	metrics.SetGridsLoaded(float64(registry.Len()))

	// Step 7: Build the session manager.
	sessions := grid.NewManager(
		grid.ManagerConfig{
			IdleTTL:       cfg.Sessions.IdleTTL,
			SweepInterval: cfg.Sessions.SweepInterval,
			MaxSessions:   cfg.Sessions.MaxSessions,
		},
		grid.NewCatalog(registry, fetchers),
		logger.Named("grid"),
		metrics,
	)

	// Step 8: Build HTTP router.
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled {
		var jwks *transport.JWKSClient
		if cfg.Identity.JWKSURL != "" {
			jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))
		}
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks, logger)
	} else {
		logger.Warn("authentication disabled, all requests run as the anonymous subject")
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Backends:          fetchers.HealthCheckers(),
	}
	if len(cfg.Specs.Sources) > 0 {
		readiness.OpenAPILoaded = func() bool { return len(oaIndex.Services()) > 0 }
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   authenticate,
		Grids:          registry,
		Sessions:       sessions,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(),
		Readiness:      readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sessionsDone := make(chan struct{})
	go func() {
		sessions.Run(bgCtx)
		close(sessionsDone)
	}()
	go watchReload(bgCtx, cfg.Definitions, fetchers, oaIndex, registry, metrics, logger)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("grids", registry.Len()),
		zap.Strings("services", fetchers.IDs()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Closing the sessions first ends open event streams so Shutdown does
	// not wait on them.
	bgCancel()
	<-sessionsDone

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func specSources(cfg config.SpecsConfig) []openapi.SpecSource {
	sources := make([]openapi.SpecSource, len(cfg.Sources))
	for i, s := range cfg.Sources {
		sources[i] = openapi.SpecSource{ServiceID: s.ServiceID, SpecPath: s.SpecFile}
	}
	return sources
}

// loadDefinitions reads and validates every definition file. Each validation
// problem is logged; any problem fails the load.
func loadDefinitions(cfg config.DefinitionsConfig, services definition.ServiceLookup, index *openapi.Index, logger *zap.Logger) ([]model.DomainDefinition, error) {
	defs, err := definition.NewLoader(cfg.Strict).LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}

	verrs := definition.NewValidator(services, index).Validate(defs)
	for _, ve := range verrs {
		logger.Error("definition validation error",
			zap.String("path", ve.Path),
			zap.String("code", ve.Code),
			zap.String("message", ve.Message),
		)
	}
	if len(verrs) > 0 {
		return nil, fmt.Errorf("definition validation failed with %d errors", len(verrs))
	}
	return defs, nil
}

// watchReload reloads definitions on SIGHUP. A failed reload keeps the
// current definitions; open sessions keep the binding they were created
// with.
func watchReload(ctx context.Context, cfg config.DefinitionsConfig, services definition.ServiceLookup, index *openapi.Index, registry *definition.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := loadDefinitions(cfg, services, index, logger)
			if err != nil {
				metrics.RecordDefinitionReload("failure")
				logger.Error("definition reload failed, keeping current definitions", zap.Error(err))
				continue
			}
			previous := registry.Checksum()
			registry.Replace(defs)
			metrics.RecordDefinitionReload("success")
			metrics.SetGridsLoaded(float64(registry.Len()))
			logger.Info("definitions reloaded",
				zap.Int("grids", registry.Len()),
				zap.Bool("changed", previous != registry.Checksum()),
			)
		}
	}
}
