// Copyright 2025 James Ross
// Package archive periodically exports processed events to S3 as
// newline-delimited JSON for long-term retention. It
// generalizes archives.S3Exporter: the same aws-sdk-go session/
// s3manager.Uploader pair and year/month/day key partitioning, driven
// on a robfig/cron/v3 schedule instead of an on-demand Export(batch)
// call, and reading its batch straight from the event store rather
// than from a caller-assembled ArchiveBatch.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
)

// Source is the subset of store.Store the archiver reads from.
type Source interface {
	ProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error)
	DeleteArchived(ctx context.Context, ids []string) error
}

// Archiver uploads batches of processed events to S3 on a cron schedule.
type Archiver struct {
	cfg      config.Archive
	source   Source
	s3Client *s3.S3
	uploader *s3manager.Uploader
	log      *zap.Logger
	metrics  *metrics.Sink
	cron     *cron.Cron
}

func New(cfg config.Archive, source Source, log *zap.Logger, sink *metrics.Sink) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("archive: disabled")
	}
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("archive: new aws session: %w", err)
	}

	a := &Archiver{
		cfg: cfg, source: source, log: log, metrics: sink,
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		cron:     cron.New(),
	}
	return a, nil
}

// Start schedules the periodic archive run per cfg.Schedule (standard
// five-field cron syntax) and blocks until ctx is canceled.
func (a *Archiver) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		if err := a.RunOnce(ctx); err != nil {
			a.log.Error("archive: run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("archive: schedule %q: %w", a.cfg.Schedule, err)
	}
	a.cron.Start()
	<-ctx.Done()
	stopCtx := a.cron.Stop()
	<-stopCtx.Done()
	return nil
}

const batchSize = 1000

// RunOnce archives every processed event older than RetentionDays in
// batches of batchSize, deleting each batch from the store once its
// upload is confirmed.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)
	for {
		batch, err := a.source.ProcessedBefore(ctx, cutoff, batchSize)
		if err != nil {
			return fmt.Errorf("archive: load batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		start := time.Now()
		key := a.objectKey(batch[0].Timestamp)
		data, err := serialize(batch)
		if err != nil {
			return fmt.Errorf("archive: serialize batch: %w", err)
		}
		if _, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(a.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}); err != nil {
			a.metrics.Increment("archive_upload_errors_total", nil, 1)
			return fmt.Errorf("archive: upload %s: %w", key, err)
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID.String()
		}
		if err := a.source.DeleteArchived(ctx, ids); err != nil {
			return fmt.Errorf("archive: delete archived rows: %w", err)
		}

		a.metrics.Histogram("archive_batch_duration_seconds", nil, time.Since(start).Seconds())
		a.metrics.Increment("archive_events_exported_total", nil, float64(len(batch)))
		a.log.Info("archive: batch uploaded", zap.String("key", key), zap.Int("count", len(batch)))

		if len(batch) < batchSize {
			return nil
		}
	}
}

func (a *Archiver) objectKey(ts time.Time) string {
	partition := ts.Format("2006/01/02")
	filename := fmt.Sprintf("events_%d.jsonl", ts.UnixNano())
	return path.Join(a.cfg.KeyPrefix, partition, filename)
}

func serialize(batch []event.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
