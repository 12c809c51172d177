// Command controller runs the HTTP front: it accepts strategy submissions,
// enqueues them for a worker to run, and streams their progress back over a
// WebSocket.
package main

import (
	"os"

	"github.com/stratvm/stratvm/internal/api"
	"github.com/stratvm/stratvm/internal/broker"
	"github.com/stratvm/stratvm/internal/cache"
	"github.com/stratvm/stratvm/internal/config"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	c := cache.New(cfg.RedisAddr, cfg.RedisDB, cfg.StatusTTL, cfg.DetailTTL, cfg.UpdatesChannel)
	defer c.Close()

	queue, err := broker.NewQueue(cfg.AMQPURL, cfg.TaskQueue, cfg.MaxRedeliveries)
	if err != nil {
		logger.Error("connect to queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	srv := api.NewServer(cfg.ListenAddr, queue, c, logger)

	if err := srv.Run(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
