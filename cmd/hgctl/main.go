// Command hgctl is the human-facing administrative entry point. Unlike
// cmd/hgcc (which must see the raw, unparsed compiler command line via
// argv[0] dispatch), hgctl is a normal parsed CLI: status, config, cache
// and semaphore inspection.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hgcc-dist/hgcc/internal/cli/output"
	"github.com/hgcc-dist/hgcc/internal/client/slot"
	"github.com/hgcc-dist/hgcc/internal/config"
	"github.com/hgcc-dist/hgcc/internal/schedulersvc"
)

var (
	version    = "v1.0.0"
	cfgFile    string
	verbose    bool
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	output.AutoDetectColors()

	rootCmd := &cobra.Command{
		Use:   "hgctl",
		Short: "Administrative tool for the hgcc distributed compile client",
		Long: `hgctl inspects and manages the state hgcc invocations share on this
host: the scheduler it points at, the admission-control slots, and the
on-disk caches.`,
		Run: func(cmd *cobra.Command, args []string) { cmd.Help() },
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.config/hybridgrid/hgcc.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(),
		newWorkersCmd(),
		newConfigCmd(),
		newCacheCmd(),
		newSemaphoresCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hgctl %s\n", version)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configured scheduler address and reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Client.SchedulerAddr == "" {
				fmt.Println("scheduler: not configured (mdns discovery enabled:", cfg.Client.MDNSDiscovery, ")")
				return nil
			}
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get("http://" + cfg.Client.SchedulerAddr + "/healthz")
			if err != nil {
				fmt.Printf("scheduler: %s (%s)\n", cfg.Client.SchedulerAddr, output.Error("unreachable"))
				return nil
			}
			defer resp.Body.Close()
			fmt.Printf("scheduler: %s (%s)\n", cfg.Client.SchedulerAddr, output.Success(resp.Status))
			return nil
		},
	}
}

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "workers",
		Aliases: []string{"builders"},
		Short:   "List builders known to the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Client.SchedulerAddr == "" {
				return fmt.Errorf("no scheduler configured")
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.Client.SchedulerAddr + "/api/builders")
			if err != nil {
				return fmt.Errorf("querying scheduler: %w", err)
			}
			defer resp.Body.Close()

			var builders []schedulersvc.BuilderSummary
			if err := json.NewDecoder(resp.Body).Decode(&builders); err != nil {
				return fmt.Errorf("parsing builder list: %w", err)
			}
			if len(builders) == 0 {
				fmt.Println(output.Dim("no builders registered"))
				return nil
			}
			rows := make([]output.BuilderRow, 0, len(builders))
			for _, b := range builders {
				rows = append(rows, output.BuilderRow{
					ID:          b.ID,
					Addr:        b.Addr,
					State:       b.State,
					Environment: b.Environment,
					ActiveTasks: b.ActiveTasks,
					TotalTasks:  b.TotalTasks,
					LastSeen:    b.LastHeartbeat,
				})
			}
			output.RenderBuilders(os.Stdout, rows)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create hgcc configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a commented example config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			dir := filepath.Join(home, ".config", "hybridgrid")
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			path := filepath.Join(dir, "hgcc.yaml")
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the configured cache directory (cache.dir)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the cache directory and its size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var total int64
			_ = filepath.Walk(cfg.Cache.Dir, func(path string, info os.FileInfo, err error) error {
				if err == nil && !info.IsDir() {
					total += info.Size()
				}
				return nil
			})
			fmt.Printf("%s: %d bytes\n", cfg.Cache.Dir, total)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := os.RemoveAll(cfg.Cache.Dir); err != nil {
				return err
			}
			fmt.Println("cleared", cfg.Cache.Dir)
			return nil
		},
	})
	return cmd
}

func newSemaphoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "semaphores",
		Short: "Inspect or reset the admission-control slot pools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print current slot counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := slot.NewManager(cfg.Client.SlotDir, cfg.Client.MaxCompileSlots, cfg.Client.MaxCppSlots, cfg.Client.MaxDesiredSlots)
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for name, n := range mgr.Dump() {
				counts[string(name)] = n
			}
			maxima := map[string]int{}
			for name, n := range mgr.Maxima() {
				maxima[string(name)] = n
			}
			output.RenderSlots(os.Stdout, counts, maxima)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Reset every slot pool to its configured maximum",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := slot.NewManager(cfg.Client.SlotDir, cfg.Client.MaxCompileSlots, cfg.Client.MaxCppSlots, cfg.Client.MaxDesiredSlots)
			if err != nil {
				return err
			}
			return mgr.Clean()
		},
	})
	return cmd
}
