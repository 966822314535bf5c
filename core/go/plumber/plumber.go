// Package plumber keeps the service queues from silting up: tasks queued for
// services that have since been disabled are failed terminally so their
// submissions can finish instead of waiting out the full retry ladder.
package plumber

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kryptoslogic/assemblyline-core/core/go/dispatcher"
	"github.com/kryptoslogic/assemblyline-core/core/go/queue"
	"github.com/kryptoslogic/assemblyline-core/core/go/store"
	"github.com/kryptoslogic/assemblyline-core/core/go/types"
	"github.com/kryptoslogic/assemblyline-core/go/metrics2"
	"github.com/kryptoslogic/assemblyline-core/go/skerr"
	"github.com/kryptoslogic/assemblyline-core/go/sklog"
	"github.com/kryptoslogic/assemblyline-core/go/util"
)

// Plumber drains the queues of disabled services.
type Plumber struct {
	factory queue.Factory
	ds      store.Datastore
	client  *dispatcher.Client
	tick    time.Duration

	drained metrics2.Counter
}

// New returns a Plumber sweeping every tick.
func New(factory queue.Factory, ds store.Datastore, client *dispatcher.Client, tick time.Duration) *Plumber {
	return &Plumber{
		factory: factory,
		ds:      ds,
		client:  client,
		tick:    tick,
		drained: metrics2.GetCounter("plumber_tasks_drained"),
	}
}

// Run sweeps the service queues until ctx is cancelled.
func (p *Plumber) Run(ctx context.Context) {
	util.RepeatCtx(p.tick, ctx, func() {
		if err := p.SweepOnce(ctx); err != nil {
			sklog.Errorf("Service queue sweep failed: %s", err)
		}
	})
}

// SweepOnce drains the queue of every disabled service once, failing each
// drained task with a terminal error.
func (p *Plumber) SweepOnce(ctx context.Context) error {
	services, err := p.ds.Services().List(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, service := range services {
		if service.Enabled {
			continue
		}
		q := p.factory.NamedQueue(types.ServiceQueue(service.Name))
		for {
			data, err := q.PopNow(ctx)
			if err != nil {
				return skerr.Wrap(err)
			}
			if data == nil {
				break
			}
			task := new(types.ServiceTask)
			if err := json.Unmarshal(data, task); err != nil {
				sklog.Errorf("Dropping malformed task on %s: %s", types.ServiceQueue(service.Name), err)
				continue
			}
			sklog.Infof("Draining %s task for %s, service is disabled", service.Name, task.SID)
			if err := p.client.ServiceFailed(ctx, task, types.ErrorCategoryTerminal, "Service disabled"); err != nil {
				return err
			}
			p.drained.Inc(1)
		}
	}
	return nil
}
