// Copyright 2025 James Ross
// workerd drains the broker and both streams, running process_event
// against every entry it pulls and, when enabled, fanning processed
// events out to ClickHouse and NATS and archiving old processed rows to
// S3 on a cron schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/analytics"
	"github.com/flyingrobots/event-ingest/internal/archive"
	"github.com/flyingrobots/event-ingest/internal/broker"
	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/dlq"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/hooks"
	"github.com/flyingrobots/event-ingest/internal/idempotency"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/obs"
	"github.com/flyingrobots/event-ingest/internal/processor"
	"github.com/flyingrobots/event-ingest/internal/redisclient"
	"github.com/flyingrobots/event-ingest/internal/retry"
	"github.com/flyingrobots/event-ingest/internal/store"
	"github.com/flyingrobots/event-ingest/internal/stream"
	"github.com/flyingrobots/event-ingest/internal/supervisor"
)

var allEventTypes = []event.Type{
	event.TypeClick, event.TypeView, event.TypePurchase, event.TypeLogin,
	event.TypeLogout, event.TypeSignup, event.TypeSubscription, event.TypePayment,
	event.TypeCustom,
}

func main() {
	var configPath string
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	_ = fs.Parse(os.Args[1:])

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
		ConsumerName: "workerd-normal", MaxLen: cfg.Stream.MaxLen, BlockTimeout: cfg.Stream.BlockTimeout,
		BatchSize: cfg.Stream.BatchSize, ClaimIdle: cfg.Stream.ClaimIdle,
	})
	if err != nil {
		log.Fatal("open normal stream", zap.Error(err))
	}
	highStream, err := stream.New(ctx, rdb, stream.Config{
		Name: cfg.Stream.HighPriorityStream, ConsumerGroup: cfg.Stream.ConsumerGroup,
		ConsumerName: "workerd-high", MaxLen: cfg.Stream.MaxLen, BlockTimeout: cfg.Stream.BlockTimeout,
		BatchSize: cfg.Stream.BatchSize, ClaimIdle: cfg.Stream.ClaimIdle,
	})
	if err != nil {
		log.Fatal("open high priority stream", zap.Error(err))
	}

	dlqMgr, err := dlq.New(ctx, cfg.Broker, cfg.DLQ, rdb, log)
	if err != nil {
		log.Fatal("open dlq manager", zap.Error(err))
	}
	defer dlqMgr.Close()

	retryMgr := retry.New(rdb, cfg.Retry.MaxRetries, cfg.Retry.InitialDelay, cfg.Retry.BackoffFactor,
		cfg.Retry.MaxDelay, cfg.Retry.JitterFraction, cfg.Retry.CounterTTL)

	idem := idempotency.New(rdb, cfg.Ingest.IdempotencyTTL)
	sink := metrics.New(prometheus.DefaultRegisterer)

	normalStream.WithDeadLetter(dlqMgr, sink)
	highStream.WithDeadLetter(dlqMgr, sink)

	registry := processor.NewRegistry()
	if cfg.Hooks.Enabled {
		publisher, err := hooks.New(cfg.Hooks.NATSURL, log)
		if err != nil {
			log.Fatal("connect hooks publisher", zap.Error(err))
		}
		defer publisher.Close()
		for _, t := range allEventTypes {
			registry.Register(t, processor.HandlerFunc(publisher.Handle))
		}
	}

	if cfg.Analytics.Enabled {
		exporter, err := analytics.New(ctx, cfg.Analytics, log, sink)
		if err != nil {
			log.Error("analytics exporter disabled: connect failed", zap.Error(err))
		} else {
			defer exporter.Close()
			for _, t := range allEventTypes {
				registry.Register(t, processor.HandlerFunc(exporter.Record))
			}
		}
	}

	proc := processor.New(registry, st, idem, sink, log)

	var wg sync.WaitGroup

	normalSupervisor := supervisor.New(cfg.Supervisor, normalStream, proc, "stream.normal", log)
	normalSupervisor.WithRetry(retryMgr, dlqMgr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := normalSupervisor.Run(ctx); err != nil {
			log.Error("normal stream supervisor exited with error", zap.Error(err))
		}
	}()

	highSupervisor := supervisor.New(cfg.Supervisor, highStream, proc, "stream.high_priority", log)
	highSupervisor.WithRetry(retryMgr, dlqMgr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := highSupervisor.Run(ctx); err != nil {
			log.Error("high priority stream supervisor exited with error", zap.Error(err))
		}
	}()

	brokerShouldRetry := func(ctx context.Context, eventID string, retryCount int) bool {
		return !retryMgr.Exhausted(retryCount)
	}
	wg.Add(2)
	for _, q := range []string{"events.high_priority", "events.normal"} {
		q := q
		go func() {
			defer wg.Done()
			handle := func(ctx context.Context, e *event.Event) error {
				return proc.Process(ctx, e, "broker")
			}
			if err := amqpBroker.Consume(ctx, q, handle, brokerShouldRetry, dlqMgr, retryMgr.NextDelay); err != nil {
				log.Error("broker consumer exited with error", zap.String("queue", q), zap.Error(err))
			}
		}()
	}

	if cfg.Archive.Enabled {
		archiver, err := archive.New(cfg.Archive, st, log, sink)
		if err != nil {
			log.Error("archiver disabled: setup failed", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := archiver.Start(ctx); err != nil {
					log.Error("archiver exited with error", zap.Error(err))
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info("workerd: shutting down")
	wg.Wait()
}
