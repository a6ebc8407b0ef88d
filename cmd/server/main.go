// Package main is the entry point for the fhirtx API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"fhirtx/internal/config"
	"fhirtx/internal/core/apperror"
	appctx "fhirtx/internal/core/context"
	"fhirtx/internal/core/entity"
	"fhirtx/internal/core/id"
	"fhirtx/internal/domain/resource"
	"fhirtx/internal/infrastructure/storage/postgres"
	"fhirtx/internal/infrastructure/storage/postgres/resource_repo"
	"fhirtx/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.AppEnv == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting fhirtx server")

	pool, err := postgres.NewPool(ctx, cfg.Pool)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)
	auditService, err := postgres.NewAuditService(txManager)
	if err != nil {
		log.Fatalw("failed to initialize audit service", "error", err)
	}
	outboxPublisher := postgres.NewOutboxPublisher(txManager)
	repo := resource_repo.New()
	resourceService := resource.NewService(txManager, repo, auditService, outboxPublisher, log)

	router := newRouter(routerDeps{
		txManager: txManager,
		resources: resourceService,
		log:       log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.AppPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}
	log.Info("server stopped")
}

type routerDeps struct {
	txManager *postgres.TxManager
	resources *resource.Service
	log       *logger.Logger
}

func newRouter(deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestContextMiddleware(deps.txManager, deps.log))

	r.POST("/:resourceType", createResourceHandler(deps.resources))
	r.POST("/:resourceType/$import", importBundleHandler(deps.resources))
	r.GET("/:resourceType/:id", getResourceHandler(deps.resources))
	r.GET("/:resourceType", searchResourcesHandler(deps.resources))
	r.PUT("/:resourceType/:id", updateResourceHandler(deps.resources))
	r.DELETE("/:resourceType/:id", deleteResourceHandler(deps.resources))

	return r
}

// requestContextMiddleware seeds the trace context and makes the
// TxManager reachable for infrastructure code that needs it directly.
func requestContextMiddleware(txManager *postgres.TxManager, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := appctx.WithTrace(c.Request.Context(), appctx.NewTraceContext())
		ctx = postgres.WithTxManager(ctx, txManager)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func createResourceHandler(svc *resource.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceType := c.Param("resourceType")

		var content entity.Attributes
		if err := c.ShouldBindJSON(&content); err != nil {
			writeOutcome(c, apperror.NewValidation("malformed JSON body").WithCause(err))
			return
		}

		res, err := svc.Create(c.Request.Context(), resourceType, content)
		if err != nil {
			writeOutcome(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func importBundleHandler(svc *resource.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceType := c.Param("resourceType")

		var items []entity.Attributes
		if err := c.ShouldBindJSON(&items); err != nil {
			writeOutcome(c, apperror.NewValidation("malformed JSON body").WithCause(err))
			return
		}

		created, err := svc.ImportBundle(c.Request.Context(), resourceType, items)
		if err != nil {
			writeOutcome(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"resourceType": "Bundle", "entry": created})
	}
}

func getResourceHandler(svc *resource.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceType := c.Param("resourceType")
		resourceID, err := id.Parse(c.Param("id"))
		if err != nil {
			writeOutcome(c, apperror.NewValidation("invalid id"))
			return
		}

		res, err := svc.GetByID(c.Request.Context(), resourceType, resourceID)
		if err != nil {
			writeOutcome(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func searchResourcesHandler(svc *resource.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceType := c.Param("resourceType")

		opts := resource.SearchOptions{Limit: 50}
		if limit := c.Query("_count"); limit != "" {
			if n, err := strconv.Atoi(limit); err == nil {
				opts.Limit = n
			}
		}

		results, err := svc.Search(c.Request.Context(), resourceType, opts)
		if err != nil {
			writeOutcome(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"resourceType": "Bundle", "entry": results})
	}
}

func updateResourceHandler(svc *resource.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceType := c.Param("resourceType")
		resourceID, err := id.Parse(c.Param("id"))
		if err != nil {
			writeOutcome(c, apperror.NewValidation("invalid id"))
			return
		}

		expectedVersion, err := strconv.Atoi(c.Query("versionId"))
		if err != nil {
			writeOutcome(c, apperror.NewValidation("versionId query parameter is required"))
			return
		}

		var content entity.Attributes
		if err := c.ShouldBindJSON(&content); err != nil {
			writeOutcome(c, apperror.NewValidation("malformed JSON body").WithCause(err))
			return
		}

		res, err := svc.Update(c.Request.Context(), resourceType, resourceID, expectedVersion, content)
		if err != nil {
			writeOutcome(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func deleteResourceHandler(svc *resource.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resourceType := c.Param("resourceType")
		resourceID, err := id.Parse(c.Param("id"))
		if err != nil {
			writeOutcome(c, apperror.NewValidation("invalid id"))
			return
		}

		if err := svc.Delete(c.Request.Context(), resourceType, resourceID); err != nil {
			writeOutcome(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// writeOutcome maps an error to its HTTP status and renders it as a
// FHIR-flavored OperationOutcome body.
func writeOutcome(c *gin.Context, err error) {
	outcome, ok := apperror.AsOutcome(err)
	if !ok {
		outcome = apperror.NewInternal(err)
	}
	c.JSON(outcome.HTTPStatus(), gin.H{
		"resourceType": "OperationOutcome",
		"issue": []gin.H{
			{
				"severity":    outcome.Severity,
				"code":        outcome.Code,
				"diagnostics": outcome.Text,
				"expression":  outcome.Expression,
			},
		},
	})
}
