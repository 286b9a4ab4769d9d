package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brainbrawler/brainbrawler/internal/engine"
	"github.com/brainbrawler/brainbrawler/internal/event"
	"github.com/brainbrawler/brainbrawler/internal/game"
	"github.com/brainbrawler/brainbrawler/internal/result"
	"github.com/brainbrawler/brainbrawler/internal/state"
	"github.com/brainbrawler/brainbrawler/internal/stream"
	"github.com/brainbrawler/brainbrawler/internal/telemetry"
	"github.com/brainbrawler/brainbrawler/internal/ws"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		State struct {
			Addrs []string
			Pass  string
		}
	}

	Postgres struct {
		Game struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	NATS struct {
		URL string
	}

	Game struct {
		TimePerQuestion int
		MaxPlayers      int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		nats     interface{ Drain() error }
	}

	service struct {
		store     *state.Store
		repo      *game.Repository
		persister *result.Persister
		engine    *engine.Engine
		gateway   *ws.Gateway
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
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

	s.initNATS()
	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.State.Addrs,
		Password: s.c.Redis.State.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		// The state store has an in-process fallback; an unreachable cache is
		// a degraded start, not a fatal one.
		slog.Error("server: redis unreachable, state store degraded to memory", "error", err)
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Postgres.Game
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

// initNATS is best-effort: the event stream is fire-and-forget, so the server
// starts without it.
func (s *Server) initNATS() {
	if s.c.NATS.URL == "" {
		slog.Info("server: no NATS URL configured, event stream disabled")
		return
	}

	nc, err := stream.Connect(s.c.NATS.URL)
	if err != nil {
		slog.Error("server: nats unreachable, event stream disabled", "error", err)
		return
	}

	s.infra.nats = nc
	stream.NewRelay(stream.Config{
		EventBus: s.eb,
		Conn:     nc,
	})
}

func (s *Server) initService() {
	s.service.store = state.NewStore(state.Config{
		Redis: s.infra.redis,
	})

	s.service.repo = game.NewRepository(game.Config{
		DB: s.infra.postgres,
	})

	s.service.persister = result.NewPersister(result.Config{
		DB: s.infra.postgres,
	})

	hub := ws.NewHub()

	s.service.engine = engine.New(engine.Config{
		Store:           s.service.store,
		Repo:            s.service.repo,
		Results:         s.service.persister,
		Broadcast:       hub,
		EventBus:        s.eb,
		TimePerQuestion: s.c.Game.TimePerQuestion,
		MaxPlayers:      s.c.Game.MaxPlayers,
	})

	s.service.gateway = ws.New(ws.Config{
		Engine: s.service.engine,
		Hub:    hub,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/health", s.health)
	e.GET("/ws", gin.WrapF(s.service.gateway.HandleConnection))

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.service.repo.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "ERROR", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if s.infra.nats != nil {
		if err := s.infra.nats.Drain(); err != nil {
			slog.ErrorContext(ctx, "server: drain nats failed", "error", err)
		}
	}

	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
