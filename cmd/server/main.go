// Package main runs the lesson video API: upload sessions, provider webhooks,
// the progress socket and, optionally, the background workers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/orthodoxlms/backend/config"
	"github.com/orthodoxlms/backend/internal/auth"
	"github.com/orthodoxlms/backend/internal/bootstrap"
	"github.com/orthodoxlms/backend/internal/lessons"
	"github.com/orthodoxlms/backend/internal/middleware"
	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/internal/realtime"
	"github.com/orthodoxlms/backend/internal/videos"
	"github.com/orthodoxlms/backend/pkg/response"
)

const (
	exitOK            = 0
	exitRuntime       = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", zap.Error(err))
		return exitInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", zap.Error(err))
		return exitInvalidConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, cfg, true, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return exitRuntime
	}
	defer deps.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	sessions := videos.NewSessions(deps.Store, deps.Store, deps.Lessons, deps.Provider, deps.Machine, videos.SessionConfig{
		TTL:      cfg.Upload.SessionTTL(),
		MinBytes: cfg.Upload.MinBytes,
		MaxBytes: cfg.Upload.MaxBytes,
	}, logger)
	intake := videos.NewIntake(deps.Provider, deps.Store, sessions, deps.Machine, cfg.Provider.WebhookBudget(), logger)
	videoHandler := videos.NewHandler(sessions, deps.Store, deps.Lessons, deps.Provider, deps.Queue, logger)
	if deps.S3 != nil {
		videoHandler.SetObjectUploader(deps.S3)
	}

	validate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.Role, nil
	}
	canObserve := func(ctx context.Context, subjectID uuid.UUID, role string, lessonID uuid.UUID) (bool, error) {
		return lessons.CanObserve(ctx, deps.Lessons, subjectID, role, lessonID)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := deps.Pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "provider": deps.Provider.Kind()})
	})

	// Provider callbacks authenticate by signature, not JWT.
	router.POST("/webhooks/provider", intake.Handle)

	// Progress socket (token in query; browsers cannot set headers on upgrade)
	router.GET("/progress", realtime.ServeWs(deps.Hub, logger, validate, canObserve))

	authoring := router.Group("/videos")
	authoring.Use(middleware.JWT(jwtService), middleware.RequireRole(string(models.RoleAdmin), string(models.RoleTeacher)))
	{
		authoring.POST("/mux/upload-url", videoHandler.CreateUploadURL)
		authoring.POST("/uploads/:sessionId/finished", videoHandler.ClientFinished)
		authoring.GET("/:lessonId/status", videoHandler.Status)
		authoring.GET("/:lessonId/playback", videoHandler.Playback)
		authoring.POST("/:lessonId/subtitle", videoHandler.UploadSubtitle)
		authoring.GET("/:lessonId/subtitles", videoHandler.ListSubtitles)
		authoring.DELETE("/:lessonId/asset", videoHandler.DeleteAsset)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Server.RunWorkers {
		processor, reconciler := deps.Workers(cfg, logger)
		g.Go(func() error { return reconciler.Run(gctx) })
		g.Go(func() error { return processor.Run(gctx) })
		logger.Info("workers started in process")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server", zap.Error(err))
		return exitRuntime
	}
	logger.Info("server stopped")
	return exitOK
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
