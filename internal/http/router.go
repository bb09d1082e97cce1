package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/ntpp_sentinel/backend/internal/config"
	"github.com/ntpp_sentinel/backend/internal/http/handlers"
	"github.com/ntpp_sentinel/backend/internal/http/middleware"

	_ "github.com/ntpp_sentinel/backend/docs"
)

func Router(cfg config.Config, engine handlers.Engine, store handlers.Store, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.SecretHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Engine:    engine,
		Store:     store,
		Validator: validator.New(),
		Logger:    logger,
	}

	r.GET("/healthz", h.Healthz)

	webhook := r.Group("/webhook")
	webhook.Use(middleware.Secret(cfg.WebhookSecret))
	{
		webhook.POST("/crm", h.WebhookRaw)
		webhook.POST("/crm/inbound-sms", h.WebhookInboundSMS)
		webhook.POST("/crm/missed-call", h.WebhookMissedCall)
	}

	jobs := r.Group("/jobs")
	jobs.Use(middleware.Secret(cfg.WebhookSecret))
	{
		jobs.POST("/poll", h.JobPoll)
		jobs.POST("/verify", h.JobVerify)
		jobs.POST("/summary", h.JobSummary)
		jobs.POST("/escalations", h.JobEscalations)
	}

	api := r.Group("/api")
	{
		api.GET("/issues", h.IssuesList)
		api.GET("/issues/:id", h.IssueDetails)
		api.POST("/commands", middleware.Secret(cfg.WebhookSecret), h.RunCommand)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
