// core-watcher runs the timeout watcher: it scans the persistent watch table
// and delivers due messages to their queues.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/watcher"
	"github.com/kryptoslogic/assemblyline-core/go/common"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

var (
	configFile = flag.String("config", "", "Path to the JSON5 configuration file.")
	promPort   = flag.String("prom_port", ":20002", "Metrics service address (e.g., ':20002')")
)

func main() {
	common.InitWithMust("core-watcher", common.PrometheusOpt(promPort))

	cfg, err := config.LoadFromJSON5(*configFile)
	if err != nil {
		sklog.Fatalf("Failed to load config: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		sklog.Infof("Caught %s, shutting down", sig)
		cancel()
	}()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	factory := queue.NewRedisFactory(client)

	watcher.NewServer(factory, cfg.Watcher.Tick.Duration).Start(ctx)

	var result *multierror.Error
	if err := client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		sklog.Fatalf("Shutdown finished with errors: %s", err)
	}
	sklog.Info("Shutdown complete")
	sklog.Flush()
}
