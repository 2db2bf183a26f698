package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/replica/dashboard"
	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/replica/reconcile"
	"github.com/runsync/runsync/internal/replica/spool"
	"github.com/runsync/runsync/internal/replica/transport"
	"github.com/runsync/runsync/internal/ui"
)

var followCmd = &cobra.Command{
	Use:     "follow",
	GroupID: "sync",
	Short:   "Follow the server's event stream and keep the replica current",
	Long: `Connect to the server's websocket and reconcile every playbook run event
into the local replica until interrupted.

On start the replica is seeded from the snapshot cache and every cached run
is fetched again, since events sent while runsync was stopped are lost. The
same resync happens after every reconnect.

Optional extras:
  --dashboard   serve a live WebSocket dashboard (see dashboard.port)
  --spool DIR   also apply captured frame files dropped into DIR

Changing reconcile.reject_stale in the config file takes effect live.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		spoolDir, _ := cmd.Flags().GetString("spool")
		noResync, _ := cmd.Flags().GetBool("no-resync")
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled = withDashboard
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = port
		}
		if spoolDir != "" {
			cfg.Spool.Dir = spoolDir
		}

		wsURL, err := transport.WebsocketURL(cfg.Server.URL)
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cache := openCache()
		defer cache.Close()

		notifier := notify.New(logs.Logger("notify"))
		defer notifier.Close()
		notifier.Subscribe(cache.Subscriber(logs.Logger("cache")))

		eng, err := newEngine(notifier, false)
		if err != nil {
			fatalf("failed to create engine: %v", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Run(gctx) })

		cached, err := cache.LoadAll(ctx)
		if err != nil {
			fatalf("failed to load cache: %v", err)
		}
		if err := eng.Seed(ctx, cached); err != nil {
			fatalf("failed to seed engine: %v", err)
		}

		fmt.Printf("%s Following %s\n", ui.RenderAccent("→"), wsURL)
		fmt.Printf("   Cache: %s (%d runs)\n", cfg.Cache.Path, len(cached))

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Port:     cfg.Dashboard.Port,
				Snapshot: eng.Snapshot,
				Logger:   logs.Logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()
			handler := dashboard.NewHandler(server, logs.Logger("dashboard"))
			handler.UpdateStats(eng.Snapshot().Runs())
			notifier.Subscribe(handler.OnChange)
			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}

		if cfg.Spool.Dir != "" {
			sp, err := spool.New(eng, cfg.Spool.Dir, &spool.Config{
				DebounceInterval: spool.DefaultConfig().DebounceInterval,
				Logger:           logs.Logger("spool"),
			})
			if err != nil {
				fatalf("failed to create spool: %v", err)
			}
			g.Go(func() error { return sp.Start(gctx) })
			fmt.Printf("   Spool: %s\n", cfg.Spool.Dir)
		}

		tc, err := transport.New(eng, transport.Config{
			URL:           wsURL,
			Token:         cfg.Server.Token,
			AuthChallenge: true,
			Logger:        logs.Logger("transport"),
		})
		if err != nil {
			fatalf("failed to create transport: %v", err)
		}
		g.Go(func() error { return tc.Run(gctx) })

		if len(cached) > 0 && !noResync {
			if err := eng.Resync(ctx); err != nil {
				fatalf("failed to resync: %v", err)
			}
		}

		if loader.File() != "" {
			watchLog := logs.Logger("config")
			err := loader.Watch(func(c *config.Config) {
				opts := reconcile.Options{RejectStale: c.Reconcile.RejectStale}
				if err := eng.SetOptions(gctx, opts); err != nil {
					watchLog.Printf("Warning: failed to apply config change: %v", err)
					return
				}
				watchLog.Printf("Config reloaded (reject_stale=%v)", opts.RejectStale)
			}, func(err error) {
				watchLog.Printf("Warning: %v", err)
			})
			if err != nil {
				watchLog.Printf("Warning: config reload disabled: %v", err)
			}
		}

		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := g.Wait(); err != nil {
			fatalf("%v", err)
		}

		st := eng.Stats()
		fmt.Printf("\n%s Stopped\n", ui.RenderPass("✓"))
		fmt.Printf("   Runs: %d\n", st.Runs)
		fmt.Printf("   Events: %d (applied %d, missed %d, stale %d, undecodable %d)\n",
			st.Events, st.Applied, st.Misses, st.Stale, st.DecodeErrors)
		fmt.Printf("   Fetches: %d merged, %d failed\n", st.FetchMerged, st.FetchFailed)
	},
}

func init() {
	followCmd.Flags().Bool("dashboard", false, "Serve the live dashboard (overrides dashboard.enabled)")
	followCmd.Flags().IntP("port", "p", 8090, "Dashboard port (overrides dashboard.port)")
	followCmd.Flags().String("spool", "", "Directory of captured frame files to apply (overrides spool.dir)")
	followCmd.Flags().Bool("no-resync", false, "Skip fetching cached runs again on start")
	rootCmd.AddCommand(followCmd)
}
