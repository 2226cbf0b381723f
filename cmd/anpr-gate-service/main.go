package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"anpr-gate-service/internal/alert"
	"anpr-gate-service/internal/config"
	"anpr-gate-service/internal/db"
	"anpr-gate-service/internal/dedup"
	"anpr-gate-service/internal/eventbus"
	httphandler "anpr-gate-service/internal/http"
	"anpr-gate-service/internal/logger"
	"anpr-gate-service/internal/matcher"
	"anpr-gate-service/internal/persistence"
	"anpr-gate-service/internal/repository"
	"anpr-gate-service/internal/service"
	"anpr-gate-service/internal/session"
	"anpr-gate-service/internal/timeutil"
)

func main() {
	configPath := pflag.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	topo, err := cfg.Topology()
	if err != nil {
		return err
	}
	clock := timeutil.RealClock{}

	var store persistence.Store = persistence.NopStore{}
	var repo *repository.GateRepository
	if cfg.Database.Enabled {
		gdb, err := db.Connect(cfg.Database.DSN, cfg.Database.AutoMigrate, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(gdb); err != nil {
				log.Error().Err(err).Msg("failed to close database")
			}
		}()
		repo = repository.NewGateRepository(gdb)
		store = repo
	}
	facade := persistence.NewFacade(store, cfg.Persistence.QueueSize, log,
		persistence.WithWriteTimeout(cfg.Persistence.WriteTimeout))
	defer facade.Close()

	var cooldowns dedup.CooldownStore
	var memoryCooldowns *dedup.MemoryStore
	if cfg.Redis.Addr != "" {
		rdb, err := dedup.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		cooldowns = dedup.NewRedisStore(rdb, "")
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cooldown store")
	} else {
		memoryCooldowns = dedup.NewMemoryStore(clock)
		cooldowns = memoryCooldowns
	}

	alertOpts := []alert.Option{
		alert.WithRecorder(facade),
		alert.WithClock(clock),
		alert.WithLimits(cfg.Alerts.MaxAlerts, cfg.Alerts.MaxReviews),
	}
	var publisher *eventbus.AsyncPublisher
	if cfg.NATS.URL != "" {
		natsPublisher, err := eventbus.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		defer natsPublisher.Close()
		publisher = eventbus.NewAsyncPublisher(natsPublisher, cfg.NATS.QueueSize, log)
		defer publisher.Close()
		alertOpts = append(alertOpts, alert.WithPublisher(publisher))
	}
	alerts := alert.NewEmitter(log, alertOpts...)

	tracker := session.NewTracker(alerts, log,
		session.WithClock(clock),
		session.WithRecorder(facade),
		session.WithTempIDBucket(cfg.Sessions.TempIDBucket),
		session.WithHistoryLimit(cfg.Sessions.HistoryLimit),
	)
	if repo != nil {
		active, err := repo.ListActiveSessions(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("restored", tracker.Restore(active)).Msg("restored active sessions")
	}

	svcOpts := []service.Option{
		service.WithClock(clock),
		service.WithConfidenceThresholds(cfg.Review.LowConfidence, cfg.Review.RejectConfidence),
	}
	if publisher != nil {
		svcOpts = append(svcOpts, service.WithPublisher(publisher))
	}
	if repo != nil {
		svcOpts = append(svcOpts,
			service.WithEventFinder(repo),
			service.WithSessionFinder(repo),
			service.WithPurger(facade, cfg.Database.Retention),
		)
	}
	if memoryCooldowns != nil {
		svcOpts = append(svcOpts, service.WithEvicter(memoryCooldowns))
	}

	dedupGate := dedup.NewGate(cooldowns, log,
		dedup.WithCooldowns(cfg.Dedup.PlateCooldown, cfg.Dedup.ImageCooldown))
	gateMatcher := matcher.New(topo, log,
		matcher.WithClock(clock),
		matcher.WithRecorder(facade),
		matcher.WithMaxPendingTime(cfg.Matching.MaxPendingTime),
	)

	gateService := service.NewGateService(service.Components{
		Topology: topo,
		Dedup:    dedupGate,
		Matcher:  gateMatcher,
		Tracker:  tracker,
		Alerts:   alerts,
	}, log, svcOpts...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateService.RunSweeper(ctx, cfg.Matching.SweepInterval)
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.HTTP.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	httphandler.NewHandler(gateService, log).Register(router, httphandler.AuthMiddleware(cfg.Auth.JWTSecret))

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     router,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.HTTP.Addr).
			Int("gate_pairs", len(topo.Pairs())).
			Msg("anpr gate service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}

	log.Info().Msg("shutting down HTTP server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	cancel()
	wg.Wait()
	return runErr
}
