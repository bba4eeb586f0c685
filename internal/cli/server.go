package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/config"
	"quiz-room-service/internal/domain"
	"quiz-room-service/internal/infra/memory"
	natsrelay "quiz-room-service/internal/infra/nats"
	"quiz-room-service/internal/infra/postgres"
	redisinfra "quiz-room-service/internal/infra/redis"
	"quiz-room-service/internal/logging"
	transport "quiz-room-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var snapshots app.SnapshotStore
	var loader memory.QuestionSetLoader = memory.NewStaticQuestionSetLoader(sampleQuestionSets())
	if pool != nil {
		snapshots = postgres.NewSnapshotStore(pool)
		loader = postgres.NewQuestionSetLoader(pool)
	}

	setTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var sets app.QuestionSetRepository
	var docs app.DocumentRepository
	if redisClient != nil {
		sets = redisinfra.NewQuestionSetRepository(redisClient, loader, setTTL)
		docs = redisinfra.NewDocumentStore(redisClient, snapshots, redisTTL)
	} else {
		sets = memory.NewQuestionSetRepository(loader, setTTL)
		docs = memory.NewDocumentStore(snapshots)
	}

	relay, closeRelay, err := newRelay(cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeRelay()

	service := app.NewRoomService(docs, sets, app.ServiceOptions{
		Snapshots:        snapshots,
		Relay:            relay,
		SnapshotInterval: config.TTLDuration(cfg.Room.SnapshotInterval, 30*time.Second),
		EvictAfter:       config.TTLDuration(cfg.Room.EvictAfter, 2*time.Minute),
		ExpressionFlush:  config.TTLDuration(cfg.Room.ExpressionFlush, app.DefaultExpressionFlush),
		Logger:           logger,
	})
	runCtx, stopService := context.WithCancel(context.Background())
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		service.Run(runCtx)
	}()

	wsHandler := transport.NewWSHandler(service, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting quiz room service", "port", finalPort, "relay", cfg.Relay.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	// the service writes a last snapshot of every room before returning
	stopService()
	<-serviceDone
	return err
}

func newRelay(cfg config.Config, client *redis.Client) (app.Relay, func(), error) {
	switch cfg.Relay.Backend {
	case "":
		return nil, func() {}, nil
	case "redis":
		if client == nil {
			return nil, nil, fmt.Errorf("redis relay needs redis.addr")
		}
		return redisinfra.NewRelay(client), func() {}, nil
	case "nats":
		if cfg.NATS.URL == "" {
			return nil, nil, fmt.Errorf("nats relay needs nats.url")
		}
		r, err := natsrelay.Connect(natsrelay.Options{URL: cfg.NATS.URL})
		if err != nil {
			return nil, nil, err
		}
		return r, func() {
			if err := r.Close(); err != nil {
				slog.Warn("close nats relay", "err", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
}

// sampleQuestionSets is served when no Postgres is configured.
func sampleQuestionSets() map[string]domain.QuestionSet {
	yes := true
	return map[string]domain.QuestionSet{
		"warmup": {
			ID:    "warmup",
			Title: "Warm-up",
			Questions: []domain.QuestionRow{
				{Key: "q1", Text: "What is 2 + 2?"},
				{Key: "q2", Text: "Which of these are primes?", Multiple: &yes},
			},
			Options: []domain.OptionRow{
				{QuestionID: "q1", Text: "3"},
				{QuestionID: "q1", Text: "4", Correct: &yes},
				{QuestionID: "q1", Text: "5"},
				{QuestionID: "q2", Text: "2", Correct: &yes},
				{QuestionID: "q2", Text: "4"},
				{QuestionID: "q2", Text: "7", Correct: &yes},
			},
		},
	}
}
