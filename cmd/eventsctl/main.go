// Copyright 2025 James Ross
// eventsctl is the operator CLI: queue depth and DLQ inspection talk
// directly to Redis, while circuit breaker control goes through
// ingestd's admin HTTP endpoints since breaker state lives in that
// process's memory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/dlq"
	"github.com/flyingrobots/event-ingest/internal/obs"
	"github.com/flyingrobots/event-ingest/internal/redisclient"
	"github.com/flyingrobots/event-ingest/internal/stream"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	if cmd == "-version" || cmd == "--version" {
		fmt.Println(version)
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	adminAddr := fs.String("admin-addr", "http://localhost:8080", "ingestd admin HTTP address")
	resource := fs.String("resource", "", "circuit breaker resource: broker|stream")
	n := fs.Int("n", 10, "number of items")
	yes := fs.Bool("yes", false, "confirm a destructive operation")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "queue-stats":
		runQueueStats(ctx, cfg, log)
	case "dlq-peek":
		runDLQPeek(ctx, cfg, log, *n)
	case "dlq-restore":
		if !*yes {
			fmt.Fprintln(os.Stderr, "refusing to restore the dead-letter backup without -yes")
			os.Exit(1)
		}
		runDLQRestore(ctx, cfg, log)
	case "breaker-status":
		runBreakerStatus(*adminAddr)
	case "breaker-force-open":
		runBreakerForce(*adminAddr, *resource, "force-open")
	case "breaker-force-close":
		runBreakerForce(*adminAddr, *resource, "force-close")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `eventsctl <command> [flags]

commands:
  queue-stats          report stream lengths and DLQ/retry/backup counters
  dlq-peek             show the n most recent dead-letter backup records
  dlq-restore          replay the KV backup list onto the broker DLQ (requires -yes)
  breaker-status       print the broker and stream circuit breaker state
  breaker-force-open   force a circuit breaker open (-resource broker|stream)
  breaker-force-close  force a circuit breaker closed (-resource broker|stream)`)
}

type queueStatsReport struct {
	NormalStreamLength int64     `json:"normal_stream_length"`
	HighStreamLength   int64     `json:"high_priority_stream_length"`
	DLQ                dlq.Stats `json:"dlq"`
}

func runQueueStats(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	rdb := redisclient.New(cfg)
	defer rdb.Close()

	normalStream, err := stream.New(ctx, rdb, stream.Config{
		Name: cfg.Stream.NormalStream, ConsumerGroup: cfg.Stream.ConsumerGroup,
		ConsumerName: "eventsctl", MaxLen: cfg.Stream.MaxLen, BlockTimeout: cfg.Stream.BlockTimeout,
		BatchSize: cfg.Stream.BatchSize, ClaimIdle: cfg.Stream.ClaimIdle,
	})
	if err != nil {
		log.Fatal("open normal stream", zap.Error(err))
	}
	highStream, err := stream.New(ctx, rdb, stream.Config{
		Name: cfg.Stream.HighPriorityStream, ConsumerGroup: cfg.Stream.ConsumerGroup,
		ConsumerName: "eventsctl", MaxLen: cfg.Stream.MaxLen, BlockTimeout: cfg.Stream.BlockTimeout,
		BatchSize: cfg.Stream.BatchSize, ClaimIdle: cfg.Stream.ClaimIdle,
	})
	if err != nil {
		log.Fatal("open high priority stream", zap.Error(err))
	}

	normalLen, err := normalStream.Length(ctx)
	if err != nil {
		log.Fatal("normal stream length", zap.Error(err))
	}
	highLen, err := highStream.Length(ctx)
	if err != nil {
		log.Fatal("high priority stream length", zap.Error(err))
	}

	dlqMgr, err := dlq.New(ctx, cfg.Broker, cfg.DLQ, rdb, log)
	if err != nil {
		log.Fatal("open dlq manager", zap.Error(err))
	}
	defer dlqMgr.Close()

	report := queueStatsReport{
		NormalStreamLength: normalLen,
		HighStreamLength:   highLen,
		DLQ:                dlqMgr.Stats(),
	}
	printJSON(report)
}

func runDLQPeek(ctx context.Context, cfg *config.Config, log *zap.Logger, n int) {
	rdb := redisclient.New(cfg)
	defer rdb.Close()

	dlqMgr, err := dlq.New(ctx, cfg.Broker, cfg.DLQ, rdb, log)
	if err != nil {
		log.Fatal("open dlq manager", zap.Error(err))
	}
	defer dlqMgr.Close()

	records, err := dlqMgr.Peek(ctx, n)
	if err != nil {
		log.Fatal("peek backup list", zap.Error(err))
	}
	printJSON(records)
}

func runDLQRestore(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	rdb := redisclient.New(cfg)
	defer rdb.Close()

	dlqMgr, err := dlq.New(ctx, cfg.Broker, cfg.DLQ, rdb, log)
	if err != nil {
		log.Fatal("open dlq manager", zap.Error(err))
	}
	defer dlqMgr.Close()

	restored, err := dlqMgr.RestoreFromBackup(ctx)
	if err != nil {
		log.Fatal("restore from backup", zap.Error(err))
	}
	printJSON(map[string]int{"restored": restored})
}

func runBreakerStatus(adminAddr string) {
	body, err := httpGet(adminAddr + "/api/v1/system/circuit-breakers")
	if err != nil {
		fmt.Fprintf(os.Stderr, "breaker-status: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func runBreakerForce(adminAddr, resource, action string) {
	if resource != "broker" && resource != "stream" {
		fmt.Fprintln(os.Stderr, "breaker commands require -resource broker|stream")
		os.Exit(1)
	}
	url := fmt.Sprintf("%s/api/v1/system/circuit-breakers/%s/%s", adminAddr, resource, action)
	body, err := httpPost(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func httpGet(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func httpPost(url string) ([]byte, error) {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
