// Copyright 2025 James Ross
// ingestd is the HTTP intake process: it accepts events, validates
// and deduplicates them, and hands them to the broker or the stream
// per the priority routing rule. It never drains a back-end itself —
// that is workerd's job.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/breaker"
	"github.com/flyingrobots/event-ingest/internal/broker"
	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/idempotency"
	"github.com/flyingrobots/event-ingest/internal/ingest"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/obs"
	"github.com/flyingrobots/event-ingest/internal/redisclient"
	"github.com/flyingrobots/event-ingest/internal/store"
	"github.com/flyingrobots/event-ingest/internal/stream"
	"github.com/flyingrobots/event-ingest/internal/validation"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer stop()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	amqpBroker, err := broker.Connect(ctx, cfg.Broker, log)
	if err != nil {
		log.Fatal("connect broker", zap.Error(err))
	}
	defer amqpBroker.Close()

	normalStream, err := stream.New(ctx, rdb, stream.Config{
		Name: cfg.Stream.NormalStream, ConsumerGroup: cfg.Stream.ConsumerGroup,
		ConsumerName: "ingest", MaxLen: cfg.Stream.MaxLen, BlockTimeout: cfg.Stream.BlockTimeout,
		BatchSize: cfg.Stream.BatchSize, ClaimIdle: cfg.Stream.ClaimIdle,
	})
	if err != nil {
		log.Fatal("open normal stream", zap.Error(err))
	}
	highStream, err := stream.New(ctx, rdb, stream.Config{
		Name: cfg.Stream.HighPriorityStream, ConsumerGroup: cfg.Stream.ConsumerGroup,
		ConsumerName: "ingest", MaxLen: cfg.Stream.MaxLen, BlockTimeout: cfg.Stream.BlockTimeout,
		BatchSize: cfg.Stream.BatchSize, ClaimIdle: cfg.Stream.ClaimIdle,
	})
	if err != nil {
		log.Fatal("open high priority stream", zap.Error(err))
	}

	idem := idempotency.New(rdb, cfg.Ingest.IdempotencyTTL)
	sink := metrics.New(prometheus.DefaultRegisterer)

	brokerBreaker := breaker.New(breaker.QueueConfig())
	streamBreaker := breaker.New(breaker.QueueConfig())

	srv := ingest.New(
		validation.New(), idem, cfg.Ingest.IdempotencyTTL,
		&ingest.BrokerAdapter{Broker: amqpBroker},
		&ingest.StreamAdapter{Normal: normalStream, High: highStream},
		brokerBreaker, streamBreaker, st, sink, log,
	)

	router := mux.NewRouter()
	srv.RegisterRoutes(router)
	srv.RegisterAdminRoutes(router)
	router.Handle("/api/v1/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         cfg.Ingest.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Ingest.ReadTimeout,
		WriteTimeout: cfg.Ingest.WriteTimeout,
	}

	obsServer := obs.StartHTTPServer(cfg, func(context.Context) error { return nil })
	defer obsServer.Close()

	go func() {
		log.Info("ingestd: listening", zap.String("addr", cfg.Ingest.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ingestd: serve failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("ingestd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
