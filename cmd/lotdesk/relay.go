package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/lotdesk/internal/catalog"
	"github.com/zulandar/lotdesk/internal/config"
	"github.com/zulandar/lotdesk/internal/db"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/logging"
	"github.com/zulandar/lotdesk/internal/relay"
	"github.com/zulandar/lotdesk/internal/server"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the support relay",
	}

	cmd.AddCommand(newRelayStartCmd())
	return cmd
}

func newRelayStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon",
		Long:  "Connects to the configured chat platform, relays user messages into admin threads, and serves the HTTP API when http.port is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle OS signals for graceful shutdown.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return runRelayStart(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to lotdesk config file")
	return cmd
}

func runRelayStart(ctx context.Context, out, logOut io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(logOut, cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	store, err := dialog.NewStore(gormDB)
	if err != nil {
		return err
	}
	lots, err := catalog.NewReader(gormDB)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer b.close()

	platform, webhook, err := newPlatform(cfg)
	if err != nil {
		return err
	}

	topics, err := relay.NewTopicManager(relay.TopicManagerOpts{
		Store:               store,
		Cache:               b.cache,
		Gate:                b.gate,
		Platform:            platform,
		Catalog:             lots,
		AdminGroup:          cfg.Relay.AdminGroup,
		AdminUser:           cfg.Relay.AdminUser,
		TopicTTL:            cfg.Relay.TopicTTL(),
		Lease:               cfg.Relay.Lock.Lease(),
		Wait:                cfg.Relay.Lock.Wait(),
		NotifyUnknownThread: cfg.Relay.NotifyUnknownThread,
	})
	if err != nil {
		return err
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		Platform:      platform,
		Topics:        topics,
		Stats:         store,
		AdminGroup:    cfg.Relay.AdminGroup,
		AdminUser:     cfg.Relay.AdminUser,
		MaxConcurrent: cfg.Relay.MaxConcurrent,
		DigestCron:    cfg.Relay.DigestCron,
		Out:           out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The HTTP server has nothing to serve once the relay stops.
		defer cancel()
		return daemon.Run(gctx)
	})
	if cfg.HTTP.Port > 0 {
		g.Go(func() error {
			return server.Start(gctx, server.Opts{
				Dialogs:     store,
				Ping:        pinger(gormDB),
				Webhook:     webhook,
				WebhookPath: cfg.Relay.Telegram.Webhook.Path,
				Port:        cfg.HTTP.Port,
				Out:         out,
			})
		})
	}
	return g.Wait()
}

// pinger reports database reachability for the health check.
func pinger(gormDB *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
