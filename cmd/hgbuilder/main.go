// Command hgbuilder is the reference builder daemon: it accepts compile
// sessions from hgcc clients on /compile and keeps itself registered with
// a scheduler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hgcc-dist/hgcc/internal/buildersvc"
	"github.com/hgcc-dist/hgcc/internal/client/toolchain"
	"github.com/hgcc-dist/hgcc/internal/common"
	"github.com/hgcc-dist/hgcc/internal/config"
	"github.com/hgcc-dist/hgcc/internal/metrics"
	"github.com/hgcc-dist/hgcc/internal/schedulersvc"
)

var version = "v1.0.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := &cobra.Command{
		Use:   "hgbuilder",
		Short: "Builder daemon for the hgcc distributed compile service",
		Run:   func(cmd *cobra.Command, args []string) { cmd.Help() },
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hgbuilder %s\n", version)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the builder",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "config file")
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	serveCmd.Flags().String("scheduler", "", "scheduler host:port to register with")
	serveCmd.Flags().String("advertise", "", "host:port clients should dial (defaults to hostname + listen port)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	listen, _ := cmd.Flags().GetString("listen")
	schedulerAddr, _ := cmd.Flags().GetString("scheduler")
	advertise, _ := cmd.Flags().GetString("advertise")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Builder.ListenAddr
	}
	if schedulerAddr == "" {
		schedulerAddr = cfg.Client.SchedulerAddr
	}
	common.InitJSONLog(os.Stderr, 1)

	hostname, _ := os.Hostname()
	builderCfg := buildersvc.Config{
		MaxParallel:    cfg.Builder.MaxParallel,
		ObjectCache:    cfg.Builder.ObjectCache,
		CacheDir:       cfg.Builder.CacheDir,
		CacheMaxSizeMB: cfg.Cache.MaxSize,
		BuilderID:      hostname,
	}
	if schedulerAddr != "" {
		builderCfg.ReportURL = "http://" + schedulerAddr + "/api/report"
	}
	srv, err := buildersvc.New(builderCfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/compile", srv.ServeCompile)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	errCh := make(chan error, 2)
	go func() { errCh <- http.ListenAndServe(listen, mux) }()
	go func() { errCh <- http.ListenAndServe(cfg.Builder.MetricsAddr, metricsMux) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if schedulerAddr != "" {
		if advertise == "" {
			advertise = fmt.Sprintf("%s:%d", hostname, schedulersvc.ListenAddrPort(listen))
		}
		envHash := localEnvironmentHash()
		go buildersvc.RegisterWithScheduler(ctx, schedulerAddr, buildersvc.Registration{
			ID:          hostname,
			Addr:        advertise,
			Environment: envHash,
			MaxParallel: cfg.Builder.MaxParallel,
		})
	} else {
		log.Warn().Msg("no scheduler configured; builder will only serve direct connections")
	}

	log.Info().
		Str("listen", listen).
		Str("scheduler", schedulerAddr).
		Str("version", version).
		Msg("builder started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// localEnvironmentHash advertises which toolchain this builder carries, so
// the scheduler can match clients with an identical environment.
func localEnvironmentHash() string {
	for _, name := range []string{"gcc", "clang"} {
		if c, err := toolchain.Resolve(name); err == nil {
			if h, err := toolchain.EnvironmentHash(c.Path); err == nil {
				return h
			}
		}
	}
	return ""
}
