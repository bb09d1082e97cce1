package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ntpp_sentinel/backend/internal/bizhours"
	"github.com/ntpp_sentinel/backend/internal/classifier"
	"github.com/ntpp_sentinel/backend/internal/config"
	"github.com/ntpp_sentinel/backend/internal/crm"
	"github.com/ntpp_sentinel/backend/internal/db"
	httpapi "github.com/ntpp_sentinel/backend/internal/http"
	"github.com/ntpp_sentinel/backend/internal/scheduler"
	"github.com/ntpp_sentinel/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "sentinel-backend").Logger()

	ctx := context.Background()
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Timezone).Msg("invalid timezone")
	}
	clock := businessClock(cfg, loc)

	var crmClient crm.Client
	if cfg.Env == "dev" && cfg.CRMToken == "" {
		crmClient = crm.NewMockClient()
		logger.Info().Msg("using mock CRM client")
	} else {
		crmClient = &crm.HighLevelClient{
			BaseURL:    cfg.CRMBaseURL,
			AppBase:    cfg.CRMAppBase,
			Token:      cfg.CRMToken,
			LocationID: cfg.CRMLocationID,
			Version:    cfg.CRMVersion,
			Client:     &http.Client{Timeout: cfg.CRMTimeout},
		}
	}

	var cls classifier.Adapter
	switch {
	case cfg.ClassifierURL != "":
		cls = classifier.HTTPAdapter{
			BaseURL: cfg.ClassifierURL,
			Model:   cfg.ClassifierModel,
			APIKey:  cfg.ClassifierAPIKey,
		}
	case cfg.Env == "dev":
		cls = classifier.MockAdapter{}
		logger.Info().Msg("using mock classifier")
	default:
		logger.Info().Msg("classifier disabled, pending issues promote at the boundary")
	}

	engine := service.New(store, crmClient, cls, clock, service.SettingsFromConfig(cfg), logger)

	sched, err := scheduler.New(cfg, engine, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid job schedule")
	}
	sched.Start()
	defer sched.Stop()

	router := httpapi.Router(cfg, engine, store, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}

// businessClock builds the working-hours clock, falling back to the
// default window when the configured values do not parse.
func businessClock(cfg config.Config, loc *time.Location) bizhours.Clock {
	openH, openM, okOpen := config.ParseHHMM(cfg.BusinessOpen)
	closeH, closeM, okClose := config.ParseHHMM(cfg.BusinessClose)
	days := config.ParseDays(cfg.BusinessDays)
	anyDay := false
	for _, d := range days {
		anyDay = anyDay || d
	}
	if !okOpen || !okClose || !anyDay {
		return bizhours.Default(loc)
	}
	return bizhours.New(loc, openH, openM, closeH, closeM, days)
}
