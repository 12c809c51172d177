// Command worker drains the durable task queue: for each task it builds the
// dependency image (if the task submitted a manifest), boots a microVM to
// run the strategy, and publishes progress and terminal events to Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/stratvm/stratvm/internal/broker"
	"github.com/stratvm/stratvm/internal/cache"
	"github.com/stratvm/stratvm/internal/config"
	"github.com/stratvm/stratvm/internal/dib"
	"github.com/stratvm/stratvm/internal/vmorch"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	fcLog := config.NewFirecrackerLogger(os.Stdout, cfg.LogLevel)

	c := cache.New(cfg.RedisAddr, cfg.RedisDB, cfg.StatusTTL, cfg.DetailTTL, cfg.UpdatesChannel)
	defer c.Close()

	queue, err := broker.NewQueue(cfg.AMQPURL, cfg.TaskQueue, cfg.MaxRedeliveries)
	if err != nil {
		logger.Error("connect to queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	builder := dib.New(cfg.ImageCacheDir, cfg.ImageBuildDir, cfg.ImageSizeMB)

	orch := vmorch.New(vmorch.Config{
		FirecrackerBin:   cfg.FirecrackerBin,
		KernelPath:       cfg.KernelPath,
		RootfsPath:       cfg.RootfsPath,
		VsockPort:        cfg.VsockPort,
		VCPUs:            1,
		MemMB:            512,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ResultTimeout:    cfg.ResultTimeout,
		LogDir:           cfg.VMLogDir,
	}, logger, fcLog)

	worker := broker.NewWorker(queue, c, builder, orch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutting down", "signal", s.String())
		cancel()
	}()

	hostname, _ := os.Hostname()

	workerCount := cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	logger.Info("worker starting", "workers", workerCount, "queue", cfg.TaskQueue)

	var wg sync.WaitGroup
	errs := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		consumerTag := fmt.Sprintf("worker-%s-%d-%d", hostname, os.Getpid(), i)
		wg.Add(1)
		go func(consumerTag string) {
			defer wg.Done()
			logger.Info("consumer starting", "consumer_tag", consumerTag)
			if err := worker.Run(ctx, consumerTag); err != nil && ctx.Err() == nil {
				errs <- err
			}
		}(consumerTag)
	}

	wg.Wait()
	close(errs)

	var failed bool
	for err := range errs {
		logger.Error("consumer stopped", "error", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
