package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"osis/attendance/internal/alerts"
	"osis/attendance/internal/attendance"
	"osis/attendance/internal/audit"
	"osis/attendance/internal/auth"
	"osis/attendance/internal/checkin"
	"osis/attendance/internal/config"
	"osis/attendance/internal/credential"
	"osis/attendance/internal/db"
	"osis/attendance/internal/db/memdb"
	"osis/attendance/internal/enrollment"
	attendancegrpc "osis/attendance/internal/grpc"
	internalhttp "osis/attendance/internal/http"
	"osis/attendance/internal/jobs"
	"osis/attendance/internal/location"
	"osis/attendance/internal/obs"
	"osis/attendance/internal/photo"
	"osis/attendance/internal/policy"
	"osis/attendance/internal/ratelimit"
)

const redisPrefix = "attendance"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics()
	var readiness []internalhttp.Option

	var store db.Store
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		store = memdb.New()
	default:
		conn, err := db.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			logger.Fatal("db connection failed", zap.Error(err))
		}
		defer conn.Close()
		store = db.NewPGStore(conn)
	}
	readiness = append(readiness, internalhttp.WithReadinessCheck("database", store.Ping))

	var (
		redisClient *redis.Client
		policyCache policy.Cache
		limiter     ratelimit.Limiter = ratelimit.NewLocal(cfg.CheckInAttemptLimit, cfg.CheckInAttemptWindow)
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		policyCache = policy.NewRedisCache(redisClient, redisPrefix, cfg.PolicyCacheTTL)
		limiter = ratelimit.NewRedisLimiter(redisClient, redisPrefix, cfg.CheckInAttemptLimit, cfg.CheckInAttemptWindow)
		readiness = append(readiness, internalhttp.WithReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	var publisher alerts.Publisher = alerts.LogPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := alerts.NewAMQPPublisher(cfg.AMQPURL, cfg.AlertsExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable; alerts will be logged only", zap.Error(err))
		} else {
			publisher = amqpPublisher
		}
	}
	defer publisher.Close()

	recorder := audit.NewRecorder(store, publisher, logger.Named("audit"), metrics)
	loader := policy.NewLoader(store, policyCache, logger.Named("policy"))

	photos, err := photo.NewFSStore(cfg.PhotoDir, cfg.MaxPhotoBytes)
	if err != nil {
		logger.Fatal("photo store init failed", zap.Error(err))
	}

	locations := location.NewService(store, recorder, logger.Named("location"))
	tokens := checkin.NewConsumer(store, recorder, logger.Named("checkin"))
	enrollments := enrollment.NewService(store, loader, photos, recorder, logger.Named("enrollment"),
		enrollment.WithMaxPhotoBytes(cfg.MaxPhotoBytes))
	credentials := credential.NewService(store, loader, recorder, logger.Named("credential"), credential.Config{
		ChallengeTTL:              cfg.ChallengeTTL,
		RPID:                      cfg.WebAuthnRPID,
		Origins:                   cfg.WebAuthnOrigins,
		RequireUserVerification:   cfg.RequireUserVerification,
		AllowUnverifiedAssertions: cfg.AllowUnverifiedAssertions,
	}, credential.WithMetrics(metrics))
	pipeline := attendance.New(auth.ContextResolver{}, locations, loader, store, credentials, tokens, recorder, logger.Named("pipeline"),
		attendance.WithLimiter(limiter),
		attendance.WithTimeout(cfg.CheckInTimeout),
		attendance.WithMetrics(metrics),
	)

	ipLimiter := ratelimit.NewKeyed(cfg.IPRatePerSecond, cfg.IPRateBurst)
	server, err := internalhttp.NewServer(cfg, internalhttp.Services{
		Pipeline:    pipeline,
		Enrollment:  enrollments,
		Credentials: credentials,
		Locations:   locations,
		Policies:    loader,
		PolicyAdmin: policy.NewUpdater(store, loader, recorder),
		Tokens:      tokens,
	}, metrics, logger.Named("http"), append(readiness, internalhttp.WithIPLimiter(ipLimiter))...)
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler := jobs.NewScheduler(logger.Named("jobs"))
	if err := scheduler.AddChallengeSweep(cfg.SweepSchedule, credentials); err != nil {
		logger.Fatal("challenge sweep schedule invalid", zap.Error(err))
	}
	if err := scheduler.AddBucketSweep(cfg.SweepSchedule, ipLimiter); err != nil {
		logger.Fatal("bucket sweep schedule invalid", zap.Error(err))
	}
	if local, ok := limiter.(*ratelimit.Local); ok {
		if err := scheduler.AddBucketSweep(cfg.SweepSchedule, local); err != nil {
			logger.Fatal("attempt bucket sweep schedule invalid", zap.Error(err))
		}
	}
	scheduler.Start()

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken != "" {
		serviceAuthInterceptor, err := attendancegrpc.NewServiceTokenInterceptor(cfg.ServiceAuthToken, logger.Named("grpc"))
		if err != nil {
			logger.Fatal("grpc service auth init failed", zap.Error(err))
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
		attendancegrpc.RegisterAttendanceQueryServer(grpcServer, attendancegrpc.NewQueryServer(enrollments, locations))
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				logger.Fatal("grpc listen error", zap.Error(err))
			}
			logger.Info("attendance grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(listener); err != nil {
				logger.Fatal("grpc server error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("SERVICE_AUTH_TOKEN not set; grpc query api disabled")
	}

	go func() {
		logger.Info("attendance http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs did not finish before shutdown deadline")
	}
}
