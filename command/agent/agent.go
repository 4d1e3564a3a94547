// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the scheduler core to the outside world: it parses
// the HCL configuration, owns the periodic sweep schedules, hosts the
// HTTP surface and runs the deferred-task workers.
package agent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"
	"oss.indeed.com/go/libtime"

	"github.com/hashicorp/drover/drover"
	"github.com/hashicorp/drover/drover/lease"
)

// logNotifier is the default pub/sub sink: it logs the notification. A
// real deployment swaps in a client for its message bus.
type logNotifier struct {
	logger hclog.Logger
}

func (n *logNotifier) Publish(topic string, message []byte, attributes map[string]string) error {
	n.logger.Info("task notification", "topic", topic, "message", string(message))
	return nil
}

// Agent owns the running components.
type Agent struct {
	logger   hclog.Logger
	config   *Config
	server   *drover.Server
	leaseMgr *lease.Manager
	deferred *deferredQueue
	http     *httpServer

	shutdownCh chan struct{}
	shutdown   sync.Once
	wg         sync.WaitGroup
}

// NewAgent builds the full stack from a config.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	config = config.Copy()
	schedConfig, err := config.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	leaseConfig, err := config.LeaseManagerConfig()
	if err != nil {
		return nil, err
	}
	machineTypes, err := config.MachineTypes()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger:     logger,
		config:     config,
		shutdownCh: make(chan struct{}),
	}

	clock := libtime.SystemClock()
	notifier := &logNotifier{logger: logger.Named("notify")}
	a.deferred = newDeferredQueue(logger, func(path string, payload []byte) error {
		return a.server.HandleDeferred(path, payload)
	})

	a.server, err = drover.NewServer(logger, schedConfig, clock, notifier, a.deferred)
	if err != nil {
		return nil, err
	}

	var provider lease.MachineProvider
	if config.Lease != nil && config.Lease.ProviderURL != "" {
		provider = lease.NewHTTPProvider(config.Lease.ProviderURL)
	}
	if provider != nil {
		a.leaseMgr = lease.NewManager(logger, leaseConfig, a.server.State(), clock, provider, a.server)
		if err := a.leaseMgr.SetMachineTypes(machineTypes); err != nil {
			return nil, err
		}
	}

	a.http, err = newHTTPServer(a, config.BindAddr)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Server exposes the scheduler core.
func (a *Agent) Server() *drover.Server {
	return a.server
}

// Start launches the workers, sweep loops and HTTP listener.
func (a *Agent) Start() {
	a.deferred.run(2)
	a.http.start()

	sweeps := a.config.Sweeps
	if sweeps == nil {
		sweeps = DefaultConfig().Sweeps
	}
	a.startSweep("expired_queue", sweeps.ExpiredQueue, func() (int, error) {
		return a.server.SweepExpiredQueue()
	})
	a.startSweep("dead_bots", sweeps.DeadBots, func() (int, error) {
		return a.server.SweepDeadBots()
	})
	a.startSweep("dedup_index", sweeps.DedupIndex, func() (int, error) {
		return a.server.SweepDedupIndex()
	})
	a.startSweep("outbox", sweeps.Outbox, func() (int, error) {
		return a.server.SweepOutbox()
	})
	if a.leaseMgr != nil {
		a.startSweep("lease_tick", sweeps.LeaseTick, a.leaseMgr.Tick)
		a.startSweep("utilization", sweeps.Utilization, a.leaseMgr.ComputeUtilization)
	}
	a.logger.Info("agent started", "bind_addr", a.config.BindAddr)
}

// startSweep runs fn on the cron schedule until shutdown.
func (a *Agent) startSweep(name, schedule string, fn func() (int, error)) {
	if schedule == "" {
		a.logger.Warn("sweep disabled", "sweep", name)
		return
	}
	expr := cronexpr.MustParse(schedule)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				a.logger.Error("sweep schedule has no next run", "sweep", name)
				return
			}
			select {
			case <-time.After(time.Until(next)):
			case <-a.shutdownCh:
				return
			}
			count, err := fn()
			if err != nil {
				a.logger.Error("sweep failed", "sweep", name, "error", err)
			}
			if count > 0 {
				a.logger.Debug("sweep finished", "sweep", name, "acted_on", count)
			}
		}
	}()
}

// Shutdown stops everything and waits for the loops to exit.
func (a *Agent) Shutdown() {
	a.shutdown.Do(func() {
		a.logger.Info("agent shutting down")
		close(a.shutdownCh)
		a.http.stop()
		a.deferred.shutdown()
		a.wg.Wait()
	})
}

// writeJSON is shared by the HTTP handlers.
func writeJSON(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return out, nil
}
