// Command hgcc is invoked in place of gcc/g++/clang/clang++ via a symlink
// named after the compiler it stands in for. It decides, per invocation,
// whether to compile locally or dispatch to a remote builder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hgcc-dist/hgcc/internal/client/discovery"
	"github.com/hgcc-dist/hgcc/internal/client/driver"
	"github.com/hgcc-dist/hgcc/internal/client/schedsession"
	"github.com/hgcc-dist/hgcc/internal/client/slot"
	"github.com/hgcc-dist/hgcc/internal/client/watchdog"
	"github.com/hgcc-dist/hgcc/internal/client/wsconn"
	"github.com/hgcc-dist/hgcc/internal/common"
	"github.com/hgcc-dist/hgcc/internal/config"
)

const npmVersion = "1.0.0" // printed by --version

// options are the hgcc-specific switches stripped out of the compiler
// command line before classification.
type options struct {
	verbosity int
	logFile   string
	delay     time.Duration
	disabled  bool
	noLocal   bool
	noDesire  bool
	filtered  []string
}

func main() {
	os.Exit(run())
}

func run() int {
	if os.Getenv(driver.RecursionGuardEnv) == "1" {
		fmt.Fprintln(os.Stderr, "hgcc: refusing to run recursively")
		return 104
	}

	var opt options
	for _, a := range os.Args[1:] {
		switch {
		case a == "--verify":
			return runVerify()
		case a == "--version":
			fmt.Println(npmVersion)
			return 0
		case a == "--help":
			printUsage()
			return 0
		case a == "--dump-semaphores":
			return dumpSemaphores()
		case a == "--clean-semaphores":
			return cleanSemaphores()
		case a == "--debug":
			opt.verbosity = 2
		case a == "--verbose":
			if opt.verbosity < 1 {
				opt.verbosity = 1
			}
		case strings.HasPrefix(a, "--log-level="):
			lvl, err := strconv.Atoi(strings.TrimPrefix(a, "--log-level="))
			if err != nil {
				fmt.Fprintf(os.Stderr, "hgcc: bad --log-level value %q\n", a)
				return 106
			}
			opt.verbosity = lvl
		case strings.HasPrefix(a, "--log-file="):
			opt.logFile = strings.TrimPrefix(a, "--log-file=")
		case a == "--log-file-append":
			// the log writers always append
		case strings.HasPrefix(a, "--delay="):
			if ms, err := strconv.Atoi(strings.TrimPrefix(a, "--delay=")); err == nil {
				opt.delay = time.Duration(ms) * time.Millisecond
			}
		case a == "--disabled":
			opt.disabled = true
		case a == "--no-local":
			opt.noLocal = true
		case a == "--no-desire":
			opt.noDesire = true
		default:
			opt.filtered = append(opt.filtered, a)
		}
	}

	initLogging(opt)

	if opt.delay > 0 {
		time.Sleep(opt.delay)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: config init failed: %v\n", err)
		return 105
	}
	resolveSchedulerAddr(cfg)

	d, err := driver.New(driverConfig(cfg, opt))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: %v\n", err)
		return 105
	}

	installSignalHandler(d.Registry())
	defer d.Registry().ReleaseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	argv0 := inferArgv0(os.Args[0], opt.filtered)

	if opt.disabled {
		return d.RunLocalOnly(ctx, argv0, opt.filtered, "disabled").ExitCode
	}
	return d.Run(ctx, argv0, opt.filtered).ExitCode
}

func initLogging(opt options) {
	if opt.logFile != "" {
		f, err := os.OpenFile(opt.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			common.InitJSONLog(f, opt.verbosity)
			return
		}
	}
	common.InitConsoleLog(opt.verbosity)
}

// resolveSchedulerAddr fills in the scheduler address via mDNS when neither
// the config file nor HGCC_SCHEDULER named one.
func resolveSchedulerAddr(cfg *config.Config) {
	if cfg.Client.SchedulerAddr != "" || !cfg.Client.MDNSDiscovery {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if addr, err := discovery.FindScheduler(ctx, 2*time.Second); err == nil {
		cfg.Client.SchedulerAddr = addr
	}
}

// inferArgv0 recovers the intended compiler name from argv[0]'s basename.
// When invoked as hgcc itself rather than through a gcc/g++/clang/clang++
// symlink, it falls back to inspecting -std=*++* / source-file extensions.
func inferArgv0(raw string, argv []string) string {
	base := filepath.Base(raw)
	switch base {
	case "gcc", "g++", "clang", "clang++", "cc", "c++":
		return base
	}
	for _, a := range argv {
		if strings.HasPrefix(a, "-std=") && strings.Contains(a, "++") {
			return "g++"
		}
		switch filepath.Ext(a) {
		case ".cc", ".cpp", ".cxx", ".c++", ".mm", ".ii":
			return "g++"
		}
	}
	return "gcc"
}

func driverConfig(cfg *config.Config, opt options) driver.Config {
	name := filepath.Base(os.Args[0])
	isClang := strings.Contains(name, "clang")
	return driver.Config{
		SchedulerAddr:        cfg.Client.SchedulerAddr,
		ClientName:           cfg.Client.ClientName,
		User:                 os.Getenv("USER"),
		NPMVersion:           npmVersion,
		ConfigVersion:        cfg.Client.ConfigVersion,
		FingerprintEnabled:   cfg.Cache.Enable,
		SourceRoot:           cfg.Client.SourceRoot,
		Timeouts:             timeoutsFromConfig(cfg),
		SlotDir:              cfg.Client.SlotDir,
		MaxCompileSlots:      cfg.Client.MaxCompileSlots,
		MaxCppSlots:          cfg.Client.MaxCppSlots,
		MaxDesiredSlots:      cfg.Client.MaxDesiredSlots,
		StatLogPath:          cfg.Client.StatLogPath,
		CompressPreprocessed: cfg.Client.CompressPreprocessed,
		DiscardComments:      cfg.Client.DiscardComments,
		EnvTarScript:         cfg.Client.EnvTarScript,
		NoDesire:             opt.noDesire,
		NoLocal:              opt.noLocal,
		IsGCC:                !isClang,
		IsClang:              isClang,
	}
}

func timeoutsFromConfig(cfg *config.Config) watchdog.Timeouts {
	t := watchdog.DefaultTimeouts()
	if cfg.Client.Timeout > 0 {
		t[watchdog.Initial] = cfg.Client.Timeout
		t[watchdog.ConnectedToScheduler] = cfg.Client.Timeout
		t[watchdog.AcquiredBuilder] = cfg.Client.Timeout
		t[watchdog.ConnectedToBuilder] = cfg.Client.Timeout
	}
	return t
}

func printUsage() {
	fmt.Println(`usage: hgcc [compiler flags]

hgcc is invoked via a symlink named gcc/g++/clang/clang++ and dispatches
compilation to a remote builder when possible, falling back to a local
compile otherwise.

  --verify             perform the scheduler version handshake and exit
  --version            print the client version
  --help               print this message
  --dump-semaphores    print current slot counts
  --clean-semaphores   reset slot counts to their configured maximum
  --delay=N            sleep N ms before work begins (test hook)
  --disabled           always compile locally, never contact the scheduler
  --no-local           never fall back to local execution on remote failure
  --no-desire          never take the DesiredCompile fast path`)
}

// runVerify dials the scheduler with the verify header and reports whether
// it accepts this client version.
func runVerify() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: config init failed: %v\n", err)
		return 105
	}
	resolveSchedulerAddr(cfg)
	if cfg.Client.SchedulerAddr == "" {
		fmt.Fprintln(os.Stderr, "hgcc: no scheduler configured")
		return 109
	}

	headers := schedsession.Headers(schedsession.HeaderParams{
		ClientName:    cfg.Client.ClientName,
		User:          os.Getenv("USER"),
		NPMVersion:    npmVersion,
		ConfigVersion: cfg.Client.ConfigVersion,
	})
	headers.Set("x-fisk-verify", "true")

	conn, err := wsconn.Dial("ws://"+cfg.Client.SchedulerAddr+"/compile", headers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: scheduler connect failed: %v\n", err)
		return 109
	}
	defer conn.Close()

	msg, err := conn.Recv(10 * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: scheduler connect failed: %v\n", err)
		return 109
	}
	res := schedsession.HandleMessage(msg.Data)
	switch res.Outcome {
	case schedsession.OutcomeVersionVerified:
		fmt.Printf("hgcc: scheduler %s accepts client %s\n", cfg.Client.SchedulerAddr, npmVersion)
		return 0
	case schedsession.OutcomeVersionMismatch:
		fmt.Fprintf(os.Stderr, "hgcc: scheduler requires client version >= %s\n", res.MinimumVersion)
		return 108
	default:
		fmt.Fprintf(os.Stderr, "hgcc: unexpected scheduler reply during verify\n")
		return 109
	}
}

func dumpSemaphores() int {
	mgr, err := slotManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: %v\n", err)
		return 1
	}
	for name, n := range mgr.Dump() {
		fmt.Printf("%-16s %d\n", name, n)
	}
	return 0
}

func cleanSemaphores() int {
	mgr, err := slotManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: %v\n", err)
		return 1
	}
	if err := mgr.Clean(); err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: %v\n", err)
		return 1
	}
	return 0
}

func slotManager() (*slot.Manager, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	return slot.NewManager(cfg.Client.SlotDir, cfg.Client.MaxCompileSlots, cfg.Client.MaxCppSlots, cfg.Client.MaxDesiredSlots)
}

// installSignalHandler releases every held slot on a terminating signal
// before exiting with the conventional 128+signal status.
func installSignalHandler(reg *slot.Registry) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		sig := <-ch
		reg.ReleaseAll()
		if sig != syscall.SIGINT {
			fmt.Fprintf(os.Stderr, "hgcc: terminated by %v\n", sig)
		}
		if n, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(n))
		}
		os.Exit(1)
	}()
}
