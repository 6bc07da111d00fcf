package main

import (
	"context"
	"errors"
	"fmt"

	"crashrelay/internal/config"
	"crashrelay/internal/crash"
	"crashrelay/internal/metrics"
	"crashrelay/internal/queue"
	"crashrelay/internal/worker"
	"crashrelay/pkg/dsn"
	"crashrelay/pkg/raven"
)

var errNoDSN = errors.New("no DSN: set CRASHRELAY_DSN or pass --dsn")

// openStore picks the pending queue backend.
func openStore(ctx context.Context, cfg config.Config) (queue.BlobStore, error) {
	switch cfg.QueueBackend {
	case "", "file":
		return queue.NewFileStore(cfg.QueuePath), nil
	case "memory":
		return queue.NewMemoryStore(), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("s3 backend needs CRASHRELAY_S3_BUCKET")
		}
		return queue.NewS3Store(ctx, queue.S3Options{
			Region:  cfg.AWSRegion,
			Bucket:  cfg.S3Bucket,
			Key:     cfg.S3Key,
			Timeout: cfg.S3Timeout,
			Retries: cfg.S3Retries,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func newClient(ctx context.Context, cfg config.Config, chain *crash.Chain) (*raven.Client, error) {
	if cfg.DSN == "" {
		return nil, errNoDSN
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return raven.New(raven.Options{
		DSN:         cfg.DSN,
		Release:     cfg.Release,
		AppPackages: cfg.AppPackages,
		ServerName:  cfg.InstanceID,
		Store:       store,
		Workers:     cfg.Workers,
		JobQueue:    cfg.JobQueue,
		CrashChain:  chain,
	})
}

// newDispatcher wires the queue and sender without a Client, so no crash
// hook is installed and nothing is flushed behind the caller's back.
func newDispatcher(ctx context.Context, cfg config.Config) (*worker.Dispatcher, *queue.Queue, error) {
	if cfg.DSN == "" {
		return nil, nil, errNoDSN
	}
	d, err := dsn.Parse(cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	m := metrics.New()
	q := queue.New(store, m)
	return worker.NewDispatcher(q, worker.NewHTTPSender(d), m, worker.Options{}), q, nil
}
