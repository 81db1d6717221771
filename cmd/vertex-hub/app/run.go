// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eden-vertex/vertex/pkg/api"
	"github.com/eden-vertex/vertex/pkg/auth"
	"github.com/eden-vertex/vertex/pkg/cache"
	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/hub"
	"github.com/eden-vertex/vertex/pkg/integrations"
	"github.com/eden-vertex/vertex/pkg/integrations/connectors/aws"
	"github.com/eden-vertex/vertex/pkg/integrations/connectors/github"
	"github.com/eden-vertex/vertex/pkg/integrations/connectors/jira"
	"github.com/eden-vertex/vertex/pkg/integrations/connectors/slack"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/reports"
	"github.com/eden-vertex/vertex/pkg/secrets"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/store/memory"
	"github.com/eden-vertex/vertex/pkg/store/postgres"
	"github.com/eden-vertex/vertex/pkg/util/log"
	"github.com/eden-vertex/vertex/pkg/version"
	"github.com/eden-vertex/vertex/pkg/webhook"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hub",
	Long:  `Runs the integration hub in the foreground until interrupted.`,
	RunE:  run,
}

func init() {
	// attach the command to the root
	HubCmd.AddCommand(runCmd)
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(confFilePath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := log.SetupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	log.Infof("Starting vertex hub %s", version.HubVersion)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set, refusing to serve unauthenticated")
	}

	// Credential resolution. The encrypted store is optional; without a
	// master key only env:// and literal refs resolve.
	var sealed *secrets.EncryptedStore
	if cfg.Secrets.MasterKey != "" {
		sealed, err = secrets.NewEncryptedStore(cfg.Secrets.FilePath, cfg.Secrets.MasterKey)
		if err != nil {
			return fmt.Errorf("opening secret store: %w", err)
		}
	}
	resolver := secrets.NewChainResolver(sealed)

	st, closeStores, err := openStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStores()

	janitor := store.NewJanitor(cfg.Storage, st)
	janitor.Start()
	defer janitor.Stop()

	tiered := cache.New(cfg.Cache)
	defer func() {
		if err := tiered.Close(); err != nil {
			log.Warnf("Closing cache: %v", err)
		}
	}()

	registry := integrations.NewRegistry()
	for _, factory := range []integrations.Factory{
		aws.Factory(),
		github.Factory(),
		jira.Factory(),
		slack.Factory(),
	} {
		if err := registry.Register(factory); err != nil {
			return fmt.Errorf("registering %s connector: %w", factory.Type, err)
		}
	}

	engine := integrations.NewEngine(cfg.Integrations, st.Integrations, registry, resolver)
	webhooks := webhook.NewService(cfg.Webhooks, st.Webhooks, st.Deliveries)
	notifier := notify.NewService(cfg.Notifications, st.NotificationTemplates, st.Notifications)
	broker := events.NewService(cfg.Events, st.Events, st.Subscriptions, webhooks)
	source := hub.NewCachedSource(hub.NewStoreSource(st), tiered, cfg.Reports.QueryCacheTTL.Std())
	scheduler := reports.NewService(cfg.Reports, st.ReportTemplates, st.Reports, st.Executions, source, notifier, broker)

	hubSvc := hub.New(engine, webhooks, notifier, broker, scheduler)
	if err := hubSvc.Start(context.Background()); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}

	srv := api.NewServer(cfg.Server, hubSvc, auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer))
	if err := srv.Start(); err != nil {
		hubSvc.Stop()
		return fmt.Errorf("starting API server: %w", err)
	}

	// Block here until we receive a stop signal
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	log.Infof("Received signal %q, shutting down", sig)

	status := health.GetStatus()
	if len(status.Unhealthy) > 0 {
		log.Warnf("Some components were unhealthy at shutdown: %v", status.Unhealthy)
	}

	// Stop accepting requests first, then unwind the engines.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warnf("API server shutdown: %v", err)
	}
	hubSvc.Stop()

	log.Info("See ya!")
	log.Flush()
	return nil
}

// openStores builds the persistence layer named by the storage driver. The
// returned closer is safe to call once the stores are no longer used.
func openStores(cfg config.Storage) (*store.Stores, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		log.Info("Using in-memory storage, state will not survive a restart")
		return memory.New(), func() {}, nil
	case "postgres":
		db, err := postgres.Open(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		if cfg.Migrate {
			if err := postgres.Migrate(db.DB); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("running migrations: %w", err)
			}
		}
		closer := func() {
			if err := db.Close(); err != nil {
				log.Warnf("Closing postgres: %v", err)
			}
		}
		return postgres.New(db), closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
