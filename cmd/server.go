package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/takutakahashi/kbterm/pkg/config"
	"github.com/takutakahashi/kbterm/pkg/knowledge"
	"github.com/takutakahashi/kbterm/pkg/logger"
	"github.com/takutakahashi/kbterm/pkg/proxy"
	"github.com/takutakahashi/kbterm/pkg/storage"
	"github.com/takutakahashi/kbterm/pkg/terminal"
)

var (
	cfgFile string
	verbose bool
)

var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the kbterm server",
	Long:  "Start the HTTP server that hands out per-client ttyd terminals and serves the knowledge base files",
	RunE:  runServer,
}

func init() {
	ServerCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (JSON, YAML or TOML)")
	ServerCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	ServerCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	ServerCmd.Flags().String("storage-type", "file", "Session snapshot storage (file, memory, s3, sqlite)")
	ServerCmd.Flags().String("knowledge-base", ".", "Knowledge base root directory")
	ServerCmd.Flags().String("ttyd-path", "ttyd", "Path to the ttyd binary")
	ServerCmd.Flags().Int("base-port", 7680, "First port handed to terminal sessions")
	ServerCmd.Flags().Bool("stop-on-shutdown", false, "Terminate running terminals when the server stops")

	bindings := map[string]string{
		"server.port":               "port",
		"storage.type":              "storage-type",
		"knowledge_base.root":       "knowledge-base",
		"terminal.ttyd_path":        "ttyd-path",
		"terminal.base_port":        "base-port",
		"terminal.stop_on_shutdown": "stop-on-shutdown",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, ServerCmd.Flags().Lookup(flag)); err != nil {
			log.Printf("Failed to bind %s flag: %v", flag, err)
		}
	}
}

// serverApp holds every long-lived component of a running server
type serverApp struct {
	config   *config.Config
	store    storage.Store
	registry *terminal.Registry
	sweeper  *terminal.Sweeper
	proxy    *proxy.Proxy
}

// newServerApp wires storage, the terminal registry and the HTTP layer
func newServerApp(ctx context.Context, cfg *config.Config, verbose bool) (*serverApp, error) {
	store, err := storage.NewStore(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	t := cfg.Terminal
	prober := terminal.NewTCPProber(t.ProbeTimeout)

	supervisor := terminal.NewTtydSupervisor(prober)
	supervisor.TtydPath = t.TtydPath
	supervisor.Shell = t.Shell
	supervisor.Term = t.Term
	supervisor.BindAddress = t.BindAddress
	supervisor.ClientOptions = t.ClientOptions
	supervisor.SettleDelay = t.SettleDelay
	supervisor.Verbose = verbose

	registry, err := terminal.NewRegistry(terminal.Options{
		Prober:              prober,
		Supervisor:          supervisor,
		Store:               store,
		Audit:               logger.NewLogger(cfg.LogDir),
		BasePort:            t.BasePort,
		PortRange:           t.PortRange,
		MaxSessionsPerOwner: t.MaxSessionsPerOwner,
		SessionTimeout:      t.SessionTimeout,
		WorkingDirectory:    t.WorkingDirectory,
		Verbose:             verbose,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create session registry: %w", err)
	}

	sweeper, err := terminal.NewSweeper(registry, t.SweepSchedule)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var kb *knowledge.Store
	if cfg.KnowledgeBase.Root != "" {
		kb, err = knowledge.NewStore(cfg.KnowledgeBase.Root)
		if err != nil {
			log.Printf("Knowledge base disabled: %v", err)
			kb = nil
		}
	}

	if !supervisor.Available() {
		log.Printf("Warning: ttyd not found at %q, terminal sessions will fail to start", supervisor.TtydPath)
	}

	return &serverApp{
		config:   cfg,
		store:    store,
		registry: registry,
		sweeper:  sweeper,
		proxy:    proxy.NewProxy(cfg, registry, kb, supervisor, verbose),
	}, nil
}

// start restores persisted sessions and starts background maintenance
func (a *serverApp) start(ctx context.Context) {
	restored := a.registry.Restore(ctx)
	log.Printf("Restored %d terminal sessions", restored)
	a.sweeper.Start()
}

// shutdown stops maintenance and the HTTP server, then releases the store.
// Terminals keep running unless stop_on_shutdown is set, so the next start
// can re-adopt them.
func (a *serverApp) shutdown(ctx context.Context) error {
	a.sweeper.Stop()

	serverErr := a.proxy.Shutdown(ctx)

	if a.config.Terminal.StopOnShutdown {
		stopped := a.registry.Shutdown()
		log.Printf("Terminated %d terminal sessions", stopped)
	} else {
		log.Printf("Leaving %d terminal sessions running", len(a.registry.List()))
	}

	if err := a.store.Close(); err != nil {
		log.Printf("Failed to close session store: %v", err)
	}
	return serverErr
}

func runServer(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	configData, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		log.Printf("Failed to load config from %q, using defaults: %v", cfgFile, err)
		configData = config.DefaultConfig()
	}

	ctx := context.Background()
	app, err := newServerApp(ctx, configData, verbose)
	if err != nil {
		return err
	}
	app.start(ctx)

	addr := ":" + strconv.Itoa(configData.Server.Port)
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Starting kbterm on %s", addr)
		serverErr <- app.proxy.Start(addr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var startErr error
	select {
	case <-quit:
		log.Println("Shutdown signal received, shutting down gracefully...")
	case startErr = <-serverErr:
		if startErr != nil {
			log.Printf("Server failed: %v", startErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Printf("Server shutdown complete")
	return startErr
}
