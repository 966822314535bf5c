// core-dispatcher runs the dispatch side of the core: the file and
// submission dispatch loops and the disabled-service plumber.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/dispatcher"
	"github.com/kryptoslogic/assemblyline-core/core/go/plumber"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/scheduler"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/go/common"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

var (
	configFile  = flag.String("config", "", "Path to the JSON5 configuration file.")
	promPort    = flag.String("prom_port", ":20001", "Metrics service address (e.g., ':20001')")
	plumberTick = flag.Duration("plumber_tick", 30*time.Second, "How often to sweep the queues of disabled services.")
)

func main() {
	common.InitWithMust("core-dispatcher", common.PrometheusOpt(promPort))

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
	ds := store.NewRedisDatastore(client)
	sched := scheduler.New(ds.Services(), cfg)
	caps := scheduler.DefaultCapabilities()

	fileDispatcher := dispatcher.NewFileDispatcher(cfg, factory, ds, sched)
	subDispatcher := dispatcher.NewSubmissionDispatcher(cfg, factory, ds, sched, caps)
	dispatchClient := dispatcher.NewClient(cfg, factory, ds, sched)
	queuePlumber := plumber.New(factory, ds, dispatchClient, *plumberTick)

	eg, egCtx := errgroup.WithContext(ctx)
	for n := 0; n < cfg.Dispatcher.FileThreads; n++ {
		eg.Go(func() error {
			return fileDispatcher.Run(egCtx)
		})
	}
	for n := 0; n < cfg.Dispatcher.SubmissionThreads; n++ {
		eg.Go(func() error {
			return subDispatcher.Run(egCtx)
		})
	}
	eg.Go(func() error {
		queuePlumber.Run(egCtx)
		return egCtx.Err()
	})

	var result *multierror.Error
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	if err := client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		sklog.Fatalf("Shutdown finished with errors: %s", err)
	}
	sklog.Info("Shutdown complete")
	sklog.Flush()
}
