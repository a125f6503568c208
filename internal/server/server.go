package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/quizlive/internal/api"
	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/event"
	"github.com/victornm/quizlive/internal/gateway"
	"github.com/victornm/quizlive/internal/quiz"
	"github.com/victornm/quizlive/internal/registry"
	"github.com/victornm/quizlive/internal/report"
	"github.com/victornm/quizlive/internal/session"
	"github.com/victornm/quizlive/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
		// AllowOrigins lists the origins browsers may call the API from. Any
		// origin is allowed when empty.
		AllowOrigins []string
	}

	GRPC struct {
		Port int32
	}

	// Redis keeps finished games after they leave the registry. Results
	// are only served from memory when Addrs is empty.
	Redis struct {
		Addrs      []string
		Pass       string
		Prefix     string
		ResultsTTL time.Duration
	}

	// Postgres stores reusable quizzes. Games can only be created from
	// inline questions when Addr is empty.
	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Game struct {
		PinLength      int
		MaxPinAttempts int
		TimeLimit      time.Duration
		MaxPoints      int
		ReconnectGrace time.Duration
		MaxViolations  int
		QueueSize      int
		IdleTTL        time.Duration
		BootstrapTTL   time.Duration
		SweepInterval  time.Duration
		SendBuffer     int
	}

	// Auth signs host tokens. Every client may host when Secret is empty.
	Auth struct {
		Secret   string
		TokenTTL time.Duration
	}

	Log struct {
		Level string
	}

	PublicURL string
}

// DefaultConfig returns the config used for keys missing from the file and
// the environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Prefix = "quizlive"
	c.Redis.ResultsTTL = 24 * time.Hour
	c.Game.PinLength = 6
	c.Game.MaxPinAttempts = 32
	c.Game.TimeLimit = 30 * time.Second
	c.Game.MaxPoints = 1000
	c.Game.ReconnectGrace = 30 * time.Second
	c.Game.MaxViolations = 10
	c.Game.QueueSize = 64
	c.Game.IdleTTL = 10 * time.Minute
	c.Game.BootstrapTTL = 2 * time.Minute
	c.Game.SweepInterval = 30 * time.Second
	c.Game.SendBuffer = 32
	c.Auth.TokenTTL = 24 * time.Hour
	c.Log.Level = "info"
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		quizzes *quiz.Store
		reports *report.Service
		auth    *auth.JWT
		gateway *gateway.Gateway
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	if len(s.c.Redis.Addrs) == 0 {
		slog.Warn("server: redis is not configured, results are kept in memory only")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	pg := s.c.Postgres
	if pg.Addr == "" {
		slog.Warn("server: postgres is not configured, stored quizzes are disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pg.User, pg.Pass, pg.Addr, pg.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	gc := gateway.Config{
		Registry: registry.Config{
			PinLength:      s.c.Game.PinLength,
			MaxPinAttempts: s.c.Game.MaxPinAttempts,
			IdleTTL:        s.c.Game.IdleTTL,
			BootstrapTTL:   s.c.Game.BootstrapTTL,
			SweepInterval:  s.c.Game.SweepInterval,
			Session: session.Config{
				EventBus:       s.eb,
				ReconnectGrace: s.c.Game.ReconnectGrace,
				MaxViolations:  s.c.Game.MaxViolations,
				QueueSize:      s.c.Game.QueueSize,
			},
		},
		Defaults: quiz.Defaults{
			TimeLimit: s.c.Game.TimeLimit,
			MaxPoints: s.c.Game.MaxPoints,
		},
	}

	if s.infra.postgres != nil {
		s.service.quizzes = quiz.NewStore(s.infra.postgres)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.service.quizzes.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate quizzes: %w", err)
		}

		gc.Quizzes = s.service.quizzes
	}

	if s.infra.redis != nil {
		s.service.reports = report.NewService(report.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis,
			Prefix:   s.c.Redis.Prefix,
			TTL:      s.c.Redis.ResultsTTL,
		})

		gc.Results = s.service.reports
	}

	if s.c.Auth.Secret != "" {
		j, err := auth.NewJWT(auth.Config{Secret: s.c.Auth.Secret, TTL: s.c.Auth.TokenTTL})
		if err != nil {
			return err
		}
		s.service.auth = j
	} else {
		slog.Warn("server: auth secret is not configured, every client may host")
	}

	s.service.gateway = gateway.New(gc)
	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), cors.New(s.corsConfig()))

	ac := api.Config{
		Gateway:    s.service.gateway,
		Reports:    s.service.reports,
		PublicURL:  s.c.PublicURL,
		SendBuffer: s.c.Game.SendBuffer,
	}
	if s.service.auth != nil {
		ac.Verifier = s.service.auth
	}
	if s.service.quizzes != nil {
		ac.Quizzes = s.service.quizzes
	}
	api.New(ac).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor(slog.Default())...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
}

func (s *Server) corsConfig() cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Origin", "Cache-Control", "X-Requested-With"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	if len(s.c.HTTP.AllowOrigins) == 0 {
		c.AllowAllOrigins = true
		return c
	}

	c.AllowOrigins = s.c.HTTP.AllowOrigins
	c.AllowCredentials = true
	return c
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.service.gateway.Registry().Run(ctx)
		return nil
	})

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.cancel()
	s.service.gateway.Registry().Close()

	// Handlers still flushing finished games need redis.
	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
