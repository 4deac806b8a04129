package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/keygate-dev/keygate/pkg/config"
	"github.com/keygate-dev/keygate/pkg/keystore"
	"github.com/keygate-dev/keygate/pkg/logutil"
	"github.com/keygate-dev/keygate/pkg/proxy"
	"github.com/keygate-dev/keygate/pkg/router"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "keygated",
		Short: "OpenAI-compatible reverse proxy with weighted upstreams and key pools",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	var logLevel string
	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		return logutil.Configure(logLevel)
	}
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("keygated", version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.LoadOrCreateServerConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.WorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.WorkerThreads)
	}

	store, err := keystore.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := keystore.NewBillingLedger(store)
	if err != nil {
		return err
	}
	defer ledger.Close()

	reqLog := router.NewRequestLog(router.DefaultRequestLogCapacity, cfg.DataDir)
	defer reqLog.Close()

	state, err := router.New(cfg, store, ledger, reqLog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := proxy.NewServer(cfg, state)
	log.Info("starting keygated", "version", version, "config", configPath)
	return srv.Run(ctx)
}
