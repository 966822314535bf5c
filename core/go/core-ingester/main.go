// core-ingester runs the admission side of the core: the ingest, submit,
// completion, retry and drop loops.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kryptoslogic/assemblyline-core/core/go/config"
	"github.com/kryptoslogic/assemblyline-core/core/go/ingester"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/scheduler"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/go/common"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

var (
	configFile = flag.String("config", "", "Path to the JSON5 configuration file.")
	promPort   = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
)

func main() {
	common.InitWithMust("core-ingester", common.PrometheusOpt(promPort))

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
	ing := ingester.New(cfg, factory, ds, sched, scheduler.DefaultCapabilities())

	eg, egCtx := errgroup.WithContext(ctx)
	for n := 0; n < cfg.Ingester.IngestThreads; n++ {
		eg.Go(func() error {
			return ing.RunIngest(egCtx)
		})
	}
	for n := 0; n < cfg.Ingester.SubmitThreads; n++ {
		eg.Go(func() error {
			return ing.RunSubmit(egCtx)
		})
	}
	eg.Go(func() error {
		return ing.RunComplete(egCtx)
	})
	eg.Go(func() error {
		return ing.RunRetry(egCtx)
	})
	eg.Go(func() error {
		return ing.RunDrop(egCtx)
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
