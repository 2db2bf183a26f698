package main

import (
	"context"
	"fmt"

	"github.com/runsync/runsync/internal/replica/engine"
	"github.com/runsync/runsync/internal/replica/fetch"
	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/replica/reconcile"
	"github.com/runsync/runsync/internal/replica/schema"
)

// offlineClient answers every fetch with ErrNotFound, so misses are
// dropped instead of reaching the server.
type offlineClient struct{}

func (offlineClient) FetchRun(ctx context.Context, id string) (*schema.Run, error) {
	return nil, fmt.Errorf("offline, run %s: %w", id, fetch.ErrNotFound)
}

// newEngine wires an engine to the configured server, or to nothing when
// offline is set.
func newEngine(n *notify.Notifier, offline bool) (*engine.Engine, error) {
	var client fetch.Client = offlineClient{}
	if !offline {
		client = fetch.NewHTTPClient(cfg.Server.URL,
			fetch.WithToken(cfg.Server.Token),
			fetch.WithAttempts(cfg.Fetch.Attempts, cfg.Fetch.InitialDelay),
		)
	}
	ecfg := engine.DefaultConfig()
	ecfg.Reconcile = reconcile.Options{RejectStale: cfg.Reconcile.RejectStale}
	ecfg.UserID = cfg.Server.UserID
	ecfg.MaxConcurrentFetches = cfg.Fetch.MaxConcurrent
	ecfg.Logger = logs.Logger("engine")
	return engine.New(client, n, ecfg)
}
