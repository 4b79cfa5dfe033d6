// Command hgscheduler is the reference scheduler daemon: it assigns
// builders to hgcc clients over the /compile WebSocket endpoint and tracks
// builder liveness over /builders.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

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
		Use:   "hgscheduler",
		Short: "Scheduler daemon for the hgcc distributed compile service",
		Run:   func(cmd *cobra.Command, args []string) { cmd.Help() },
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hgscheduler %s\n", version)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "config file")
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	serveCmd.Flags().Bool("no-mdns", false, "disable mDNS announcement")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	listen, _ := cmd.Flags().GetString("listen")
	noMDNS, _ := cmd.Flags().GetBool("no-mdns")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Scheduler.ListenAddr
	}
	common.InitJSONLog(os.Stderr, 1)

	srv := schedulersvc.New(schedulersvc.Config{
		MinVersion: cfg.Scheduler.MinVersion,
		MDNSEnable: cfg.Scheduler.MDNSEnable && !noMDNS,
		ListenPort: schedulersvc.ListenAddrPort(listen),
	})
	defer srv.Shutdown()

	if err := srv.Announce("hgscheduler", schedulersvc.ListenAddrPort(listen)); err != nil {
		log.Warn().Err(err).Msg("mDNS announce failed")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/compile", srv.ServeCompile)
	mux.HandleFunc("/builders", srv.ServeBuilders)
	mux.HandleFunc("/api/builders", srv.ServeBuilderList)
	mux.HandleFunc("/api/report", srv.ServeReport)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok builders=%d\n", srv.Registry().Count())
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	errCh := make(chan error, 2)
	go func() { errCh <- http.ListenAndServe(listen, mux) }()
	go func() { errCh <- http.ListenAndServe(cfg.Scheduler.MetricsAddr, metricsMux) }()

	log.Info().
		Str("listen", listen).
		Str("metrics", cfg.Scheduler.MetricsAddr).
		Str("version", version).
		Msg("scheduler started")

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
