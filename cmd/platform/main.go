package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sentinel-ops/platform/internal/aggregation"
	"github.com/sentinel-ops/platform/internal/alerting"
	"github.com/sentinel-ops/platform/internal/auth"
	"github.com/sentinel-ops/platform/internal/config"
	"github.com/sentinel-ops/platform/internal/engine"
	"github.com/sentinel-ops/platform/internal/expectation"
	"github.com/sentinel-ops/platform/internal/httpserver"
	"github.com/sentinel-ops/platform/internal/model"
	"github.com/sentinel-ops/platform/internal/ruleconfig"
	"github.com/sentinel-ops/platform/internal/scheduler"
	"github.com/sentinel-ops/platform/internal/stream"
	"github.com/sentinel-ops/platform/internal/timeline"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()

	// Database (optional). Without Postgres the service runs on in-memory
	// stores for local development.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
	} else {
		log.Println("no postgres configured; using in-memory stores (dev only)")
	}

	var (
		ruleAccessor ruleconfig.Accessor
		stateStore   engine.StateStore
		expStore     expectation.Store
		alertStore   alerting.Store
		aggStore     aggregation.Store
	)
	if db != nil {
		ruleAccessor = ruleconfig.NewPGAccessor(db)
		stateStore = engine.NewPGStateStore(db)
		expStore = expectation.NewPGStore(db)
		alertStore = alerting.NewPGStore(db)
		aggStore = aggregation.NewPGStore(db)
	} else {
		ruleAccessor = ruleconfig.NewMemoryAccessor()
		stateStore = engine.NewMemoryStateStore()
		expStore = expectation.NewMemoryStore()
		alertStore = alerting.NewMemoryStore()
		aggStore = aggregation.NewMemoryStore()
	}

	alertSvc := alerting.NewService(alertStore)
	if cfg.S3Bucket != "" {
		archiver, err := alerting.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("failed to initialize s3 archiver: %v", err)
		}
		alertSvc = alertSvc.WithArchiver(archiver)
		log.Printf("s3 audit archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)
	}
	aggSvc := aggregation.NewService(aggStore)

	// By default the engine publishes outcomes straight into the aggregator
	// and alert manager in-process. With brokers and outcome topics configured
	// the outcomes go over Kafka instead, for deployments that run those
	// consumers out of process.
	var publisher engine.Publisher = engine.NewInProcessPublisher(aggSvc, alertSvc)
	var producer *stream.Producer
	if len(cfg.KafkaBrokers) > 0 && cfg.EvaluatedTopic != "" && cfg.AlertTopic != "" {
		var err error
		producer, err = stream.NewProducer(stream.ProducerConfig{
			Brokers:        cfg.KafkaBrokers,
			EvaluatedTopic: cfg.EvaluatedTopic,
			AlertTopic:     cfg.AlertTopic,
		})
		if err != nil {
			log.Fatalf("failed to initialize outcome producer: %v", err)
		}
		publisher = producer
		log.Printf("publishing outcomes to kafka (evaluated=%s alerts=%s)", cfg.EvaluatedTopic, cfg.AlertTopic)
	}
	eng := engine.New(ruleAccessor, stateStore, expStore, publisher)

	timelineSvc := timeline.NewService(stateStore, expStore, alertStore)
	verifier := auth.NewVerifier(cfg.AuthJWTSecret)
	if verifier.Enabled() {
		log.Println("bearer-token auth enabled")
	} else {
		log.Println("AUTH_JWT_SECRET not set; auth disabled")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Expectation scheduler.
	if cfg.SchedulerEnabled {
		sched := scheduler.New(expStore, eng, scheduler.Config{
			Interval:  cfg.SchedulerInterval,
			PollLimit: cfg.SchedulerLimit,
		})
		go func() {
			if err := sched.Run(rootCtx); err != nil && err != context.Canceled {
				log.Printf("[scheduler] exited with error: %v", err)
			}
		}()
	} else {
		log.Println("scheduler disabled by config")
	}

	// Kafka consumers (optional).
	var consumers []*stream.Consumer
	if len(cfg.KafkaBrokers) > 0 && cfg.NormalizedTopic != "" {
		c, err := stream.NewConsumer(stream.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.NormalizedTopic,
			GroupID: cfg.ConsumerGroup,
		}, func(ctx context.Context, payload []byte) error {
			var ev model.NormalizedEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				log.Printf("[main] undecodable normalized event dropped: %v", err)
				return nil
			}
			return eng.HandleNormalizedEvent(ctx, ev)
		})
		if err != nil {
			log.Fatalf("failed to initialize normalized-event consumer: %v", err)
		}
		consumers = append(consumers, c)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.SyntheticTopic != "" {
		c, err := stream.NewConsumer(stream.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.SyntheticTopic,
			GroupID: cfg.ConsumerGroup,
		}, func(ctx context.Context, payload []byte) error {
			var missed model.SyntheticMissed
			if err := json.Unmarshal(payload, &missed); err != nil {
				log.Printf("[main] undecodable synthetic miss dropped: %v", err)
				return nil
			}
			return eng.HandleSyntheticMissed(ctx, missed)
		})
		if err != nil {
			log.Fatalf("failed to initialize synthetic-miss consumer: %v", err)
		}
		consumers = append(consumers, c)
	}
	for _, c := range consumers {
		c := c
		go func() {
			if err := c.Run(rootCtx); err != nil && err != context.Canceled {
				log.Printf("[stream] consumer exited with error: %v", err)
			}
		}()
	}
	if len(consumers) == 0 {
		log.Println("kafka consumers not started: KAFKA_BROKERS and topic names must be set to enable")
	}

	server := httpserver.New(eng, alertSvc, aggSvc, timelineSvc, verifier, db, httpserver.Config{
		MaxConcurrentIngest: cfg.IngestMaxConcurrent,
	})
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("starting platform server on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	rootCancel()
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			log.Printf("consumer close error: %v", err)
		}
	}
	if err := producer.Close(); err != nil {
		log.Printf("producer close error: %v", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
	}
	log.Println("shutdown complete")
}
