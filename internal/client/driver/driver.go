// Package driver composes one hgcc invocation: resolve the compiler, probe
// the DesiredCompile slot, classify the command line, preprocess in the
// background while the scheduler session negotiates a builder, upload,
// receive, write files. It owns the fallback-to-local decision at every
// failure point and is the only place in the tree that runs the real
// compiler for the compile itself (the preprocess and toolchain packages
// run it only for -E and -v).
package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hgcc-dist/hgcc/internal/client/args"
	"github.com/hgcc-dist/hgcc/internal/client/buildsession"
	"github.com/hgcc-dist/hgcc/internal/client/preprocess"
	"github.com/hgcc-dist/hgcc/internal/client/reactor"
	"github.com/hgcc-dist/hgcc/internal/client/schedsession"
	"github.com/hgcc-dist/hgcc/internal/client/slot"
	"github.com/hgcc-dist/hgcc/internal/client/statlog"
	"github.com/hgcc-dist/hgcc/internal/client/toolchain"
	"github.com/hgcc-dist/hgcc/internal/client/watchdog"
	"github.com/hgcc-dist/hgcc/internal/client/wsconn"
	"github.com/hgcc-dist/hgcc/internal/common"
)

// RecursionGuardEnv is set in every subprocess environment the driver
// builds; its presence on process entry means hgcc invoked hgcc, which
// cmd/hgcc treats as exit code 104.
const RecursionGuardEnv = "HGCC_INVOKED"

// Config bundles everything the driver needs beyond the raw argv, all
// sourced from internal/config in cmd/hgcc's main.
type Config struct {
	SchedulerAddr string

	ClientName    string
	User          string
	NPMVersion    string
	ConfigVersion string

	FingerprintEnabled bool
	SourceRoot         string

	Timeouts watchdog.Timeouts

	SlotDir         string
	MaxCompileSlots int
	MaxCppSlots     int
	MaxDesiredSlots int

	StatLogPath          string
	CompressPreprocessed bool
	DiscardComments      bool

	// EnvTarScript is the out-of-process tarball builder invoked when the
	// scheduler answers needsEnvironment. Empty disables uploads.
	EnvTarScript string

	// NoDesire disables the DesiredCompile fast path; NoLocal turns remote
	// failures into hard errors instead of local fallbacks (--no-desire /
	// --no-local).
	NoDesire bool
	NoLocal  bool

	IsGCC, IsClang       bool
	GCCMajor, ClangMajor int
}

// Result is returned by Run for cmd/hgcc to turn into a process exit: the
// driver never calls os.Exit itself so that it stays testable.
type Result struct {
	ExitCode int
	Local    bool
	Reason   string
}

// Driver owns one invocation's worth of state.
type Driver struct {
	cfg      Config
	slots    *slot.Manager
	compiler *toolchain.Compiler
}

// New creates a Driver and its slot manager.
func New(cfg Config) (*Driver, error) {
	dir := cfg.SlotDir
	if dir == "" {
		dir = slot.DefaultDir()
	}
	mgr, err := slot.NewManager(dir, cfg.MaxCompileSlots, cfg.MaxCppSlots, cfg.MaxDesiredSlots)
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, slots: mgr}, nil
}

// Registry exposes the slot registry so cmd/hgcc's signal handler can
// release everything on a fatal signal.
func (d *Driver) Registry() *slot.Registry { return d.slots.Registry() }

// RunLocalOnly resolves the compiler and runs it locally without ever
// contacting the scheduler (--disabled).
func (d *Driver) RunLocalOnly(ctx context.Context, argv0 string, argv []string, reason string) Result {
	compiler, err := toolchain.Resolve(argv0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hgcc: %v\n", err)
		return Result{ExitCode: 107, Reason: "no compiler"}
	}
	d.compiler = compiler
	return d.RunLocal(ctx, argv, reason)
}

// Run executes one full invocation: classify, try to go remote, fall back
// to local on any error after the DesiredCompile probe. argv excludes
// argv[0]; argv0 is the raw argv[0] used to resolve the real compiler.
func (d *Driver) Run(ctx context.Context, argv0 string, argv []string) Result {
	log := common.Log()

	compiler, err := toolchain.Resolve(argv0)
	if err != nil {
		log.Error().Err(err).Msg("no compiler found")
		fmt.Fprintf(os.Stderr, "hgcc: %v\n", err)
		return Result{ExitCode: 107, Reason: "no compiler"}
	}
	d.compiler = compiler

	if !d.cfg.NoDesire {
		if h, ok, _ := d.slots.TryAcquire(slot.DesiredCompile); ok {
			defer h.Release()
			return d.RunLocal(ctx, argv, "nodesire")
		}
	}

	ca := args.Classify(argv, args.Options{
		FingerprintEnabled: d.cfg.FingerprintEnabled,
		SourceRoot:         d.cfg.SourceRoot,
		IsTTY:              isTTY(os.Stdout),
		IsGCC:              d.cfg.IsGCC,
		IsClang:            d.cfg.IsClang,
		GCCMajor:           d.cfg.GCCMajor,
		ClangMajor:         d.cfg.ClangMajor,
	})
	if ca.LocalReason != args.Remote {
		log.Debug().Str("reason", ca.LocalReason.String()).Msg("classifier forced local execution")
		return d.RunLocal(ctx, ca.CommandLine, ca.LocalReason.String())
	}

	cppSlot := func() (func(), error) {
		h, err := d.slots.Acquire(ctx, slot.Cpp)
		if err != nil {
			return nil, err
		}
		return h.Release, nil
	}
	pre := preprocess.New(ctx, ca, preprocess.Options{
		Compiler:      compiler.Path,
		IsClang:       compiler.Kind == toolchain.KindClang || compiler.Kind == toolchain.KindClangPlusPlus,
		StripComments: d.cfg.DiscardComments,
		Compress:      d.cfg.CompressPreprocessed,
		Fingerprint:   ca.Fingerprint,
		AcquireCpp:    cppSlot,
	}, nil)

	// stall is the watchdog's channel into the driver's selects; it is
	// deliberately separate from any preprocess wakeup so a fast -E run
	// can never be mistaken for a stage timeout.
	stall := make(chan struct{}, 1)
	wd := watchdog.New(d.cfg.Timeouts, func(lastStage watchdog.Stage) {
		log.Warn().Str("stage", lastStage.String()).Msg("watchdog stage stalled, falling back to local")
		select {
		case stall <- struct{}{}:
		default:
		}
	})
	wd.Start()
	defer wd.Stop()

	envHash, _ := toolchain.EnvironmentHash(compiler.Path)

	return d.runRemote(ctx, ca, compiler, pre, wd, stall, envHash)
}

// runRemote drives the scheduler session and, on assignment, the builder
// session. Every remote-failure branch ends in fallback.
func (d *Driver) runRemote(ctx context.Context, ca *args.CompilerArgs, compiler *toolchain.Compiler, pre *preprocess.Worker, wd *watchdog.Watchdog, stall chan struct{}, envHash string) Result {
	log := common.Log()
	start := time.Now()

	params := schedsession.HeaderParams{
		EnvironmentHash: envHash,
		SourceFile:      filepath.Base(ca.SourceFile),
		ClientName:      d.cfg.ClientName,
		User:            d.cfg.User,
		NPMVersion:      d.cfg.NPMVersion,
		ConfigVersion:   d.cfg.ConfigVersion,
	}
	if ca.Fingerprint != nil {
		// Object-cache mode: the fingerprint header requires the
		// preprocessor to have finished before the handshake.
		r := pre.Wait()
		if r.Err != nil {
			return d.fallback(ctx, ca.CommandLine, "preprocess failed: "+r.Err.Error())
		}
		ca.Fingerprint.AddEnvironmentHash(envHash)
		params.Fingerprint = ca.Fingerprint.Sum()
	}

	schedConn, err := wsconn.Dial("ws://"+d.cfg.SchedulerAddr+"/compile", schedsession.Headers(params))
	if err != nil {
		return d.fallback(ctx, ca.CommandLine, "scheduler dial error: "+err.Error())
	}
	defer schedConn.Close()

	rc := reactor.New(5 * time.Millisecond)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type schedOutcome struct {
		res schedsession.Result
		err error
	}
	schedDone := make(chan schedOutcome, 1)

	schedConn.OnConnected(func() {
		wd.Transition(watchdog.ConnectedToScheduler)
	})
	schedConn.OnMessage(func(msg wsconn.Message) {
		if msg.Binary {
			return
		}
		r := schedsession.HandleMessage(msg.Data)
		select {
		case schedDone <- schedOutcome{res: r}:
		default:
		}
	})
	schedConn.OnError(func(err error) {
		select {
		case schedDone <- schedOutcome{err: err}:
		default:
		}
	})
	rc.Register(schedConn, nil, nil, nil, nil, nil)
	go rc.Run(rctx)

	var outcome schedOutcome
	select {
	case outcome = <-schedDone:
	case <-stall:
		return d.fallback(ctx, ca.CommandLine, "scheduler connect error")
	case <-ctx.Done():
		return d.fallback(ctx, ca.CommandLine, "cancelled during scheduler session")
	}
	cancel()

	if outcome.err != nil {
		return d.fallback(ctx, ca.CommandLine, "scheduler connect error: "+outcome.err.Error())
	}
	if outcome.res.Err != nil {
		return d.fallback(ctx, ca.CommandLine, "scheduler protocol error: "+outcome.res.Err.Error())
	}

	switch outcome.res.Outcome {
	case schedsession.OutcomeVersionMismatch:
		fmt.Fprintf(os.Stderr, "hgcc: scheduler requires client version >= %s\n", outcome.res.MinimumVersion)
		return Result{ExitCode: 108}
	case schedsession.OutcomeNeedsEnvironment:
		d.uploadEnvironment(schedConn, compiler, envHash)
		return d.fallback(ctx, ca.CommandLine, "environment upload requested")
	case schedsession.OutcomeBuilder:
		wd.Transition(watchdog.AcquiredBuilder)
		return d.runBuild(ctx, ca, compiler, pre, wd, stall, outcome.res.Builder, params.Fingerprint, start)
	default:
		log.Warn().Msg("unexpected scheduler outcome")
		return d.fallback(ctx, ca.CommandLine, "unexpected scheduler outcome")
	}
}

// uploadEnvironment runs the out-of-process tarball builder and streams its
// output to the scheduler over the still-open connection. Failures only log:
// the invocation degrades to local either way.
func (d *Driver) uploadEnvironment(conn *wsconn.Conn, compiler *toolchain.Compiler, envHash string) {
	log := common.Log()
	if d.cfg.EnvTarScript == "" {
		log.Info().Msg("scheduler requested an environment upload but no env-tar script is configured")
		return
	}
	tarball, err := toolchain.CreateEnvironmentTarball(d.cfg.EnvTarScript, compiler.Path)
	if err != nil {
		log.Warn().Err(err).Msg("building environment tarball failed")
		return
	}
	if err := schedsession.UploadEnvironment(conn, envHash, tarball); err != nil {
		log.Warn().Err(err).Msg("environment upload failed")
		return
	}
	log.Info().Int("bytes", len(tarball)).Msg("uploaded compiler environment")
}

// runBuild drives H: opens the builder WS, waits for the preprocessor,
// sends the header, sends the binary body (unless wait-mode short-circuits
// with a cache hit), and writes the returned files.
func (d *Driver) runBuild(ctx context.Context, ca *args.CompilerArgs, compiler *toolchain.Compiler, pre *preprocess.Worker, wd *watchdog.Watchdog, stall chan struct{}, b schedsession.Builder, fingerprint string, start time.Time) Result {
	log := common.Log()

	buildHeaders := http.Header{}
	if fingerprint != "" {
		// Lets the builder answer from its object cache before the body
		// is uploaded (wait-mode short circuit).
		buildHeaders.Set("x-fisk-md5", fingerprint)
	}
	buildConn, err := wsconn.Dial("ws://"+b.Addr()+"/compile", buildHeaders)
	if err != nil {
		return d.fallback(ctx, ca.CommandLine, "builder dial error: "+err.Error())
	}
	defer buildConn.Close()

	rc := reactor.New(5 * time.Millisecond)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type buildOutcome struct {
		resp *buildsession.Response
		err  error
	}
	outcomeCh := make(chan buildOutcome, 1)
	post := func(o buildOutcome) {
		select {
		case outcomeCh <- o:
		default:
		}
	}

	sendBody := func() {
		r := pre.Wait()
		wd.Transition(watchdog.PreprocessFinished)
		if r.Err != nil {
			post(buildOutcome{err: r.Err})
			return
		}
		if err := buildConn.SendBinary(r.Stdout); err != nil {
			post(buildOutcome{err: err})
			return
		}
		wd.Transition(watchdog.UploadedJob)
	}

	buildConn.OnConnected(func() {
		wd.Transition(watchdog.ConnectedToBuilder)
		waitMode := buildConn.ResponseHeader("x-fisk-wait") == "true"

		// argv[0] becomes the canonical compiler the builder invokes;
		// the original resolved path travels separately as argv0.
		cmdLine := append([]string{compiler.BuilderCompiler}, ca.CommandLine...)
		cmdLine = append(cmdLine, b.ExtraArgs...)

		r := pre.Wait()
		wd.Transition(watchdog.PreprocessFinished)
		if r.Err != nil {
			post(buildOutcome{err: r.Err})
			return
		}

		header := buildsession.Header{
			CommandLine: cmdLine,
			Argv0:       compiler.Path,
			Wait:        waitMode,
			Bytes:       len(r.Stdout),
		}
		data, err := header.Marshal()
		if err != nil {
			post(buildOutcome{err: err})
			return
		}
		if err := buildConn.SendText(data); err != nil {
			post(buildOutcome{err: err})
			return
		}
		if !waitMode {
			if err := buildConn.SendBinary(r.Stdout); err != nil {
				post(buildOutcome{err: err})
				return
			}
			wd.Transition(watchdog.UploadedJob)
		}
	})

	var resp *buildsession.Response
	var queue *buildsession.FileQueue

	buildConn.OnMessage(func(msg wsconn.Message) {
		if msg.Binary {
			if queue == nil {
				post(buildOutcome{err: fmt.Errorf("driver: binary frame before response index")})
				return
			}
			entry, err := queue.Pop(len(msg.Data))
			if err != nil {
				post(buildOutcome{err: err})
				return
			}
			if err := writeFile(entry.Path, msg.Data); err != nil {
				post(buildOutcome{err: err})
				return
			}
			if queue.Empty() {
				post(buildOutcome{resp: resp})
			}
			return
		}

		kind, r, err := buildsession.ParseMessage(msg.Data)
		if err != nil {
			post(buildOutcome{err: err})
			return
		}
		switch kind {
		case "resume":
			sendBody()
		case "heartbeat":
			wd.Heartbeat()
		case "response":
			resp = r
			for _, path := range buildsession.ZeroByteFiles(r.Index) {
				if err := writeFile(path, nil); err != nil {
					post(buildOutcome{err: err})
					return
				}
			}
			queue = buildsession.NewFileQueue(r.Index)
			if queue.Empty() {
				post(buildOutcome{resp: r})
			}
		}
	})
	buildConn.OnError(func(err error) {
		post(buildOutcome{err: err})
	})

	rc.Register(buildConn, nil, nil, nil, nil, nil)
	go rc.Run(rctx)

	var outcome buildOutcome
	select {
	case outcome = <-outcomeCh:
	case <-stall:
		return d.fallback(ctx, ca.CommandLine, "builder stalled")
	case <-ctx.Done():
		return d.fallback(ctx, ca.CommandLine, "cancelled during builder session")
	}
	cancel()

	if outcome.err != nil {
		return d.fallback(ctx, ca.CommandLine, "builder session error: "+outcome.err.Error())
	}
	if outcome.resp == nil {
		return d.fallback(ctx, ca.CommandLine, "builder closed without a response")
	}

	r := outcome.resp
	if (!r.Success || r.ExitCode != 0) && buildsession.IsSuspicious(r.Stderr) {
		log.Warn().Str("stderr", firstLine(r.Stderr)).Msg("builder reported a suspicious failure, falling back to local")
		return d.fallback(ctx, ca.CommandLine, "suspicious builder error")
	}

	io.WriteString(os.Stdout, r.Stdout)
	io.WriteString(os.Stderr, r.Stderr)

	wd.Transition(watchdog.Finished)

	pr := pre.Wait()
	d.writeStats(ca, pr, start, false)

	return Result{ExitCode: r.ExitCode}
}

// fallback is the single choke point for "degrade to local": it honors
// --no-local and otherwise hands off to RunLocal.
func (d *Driver) fallback(ctx context.Context, cmdLine []string, reason string) Result {
	if d.cfg.NoLocal {
		fmt.Fprintf(os.Stderr, "hgcc: remote compile failed and --no-local is set: %s\n", reason)
		return Result{ExitCode: 1, Reason: reason}
	}
	return d.RunLocal(ctx, cmdLine, reason)
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("driver: creating directory for %s: %w", path, err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// RunLocal runs the real compiler in place of a remote compile: a Compile
// slot is held from fork to just before the wait, the child's streams are
// this process's streams, and its exit status becomes ours. EAGAIN-style
// start failures retry with exponential backoff.
func (d *Driver) RunLocal(ctx context.Context, cmdLine []string, reason string) Result {
	log := common.Log()
	log.Debug().Str("reason", reason).Msg("running locally")

	if d.compiler == nil {
		return Result{ExitCode: 107, Local: true, Reason: reason}
	}

	h, err := d.slots.Acquire(ctx, slot.Compile)
	if err != nil {
		return Result{ExitCode: 103, Local: true, Reason: reason}
	}

	cmd := exec.CommandContext(ctx, d.compiler.Path, cmdLine...)
	cmd.Env = append(os.Environ(), RecursionGuardEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	startErr := backoff.Retry(func() error {
		err := cmd.Start()
		if err != nil {
			// A fresh Cmd per attempt: Start marks the struct used even
			// on failure.
			cmd = exec.CommandContext(ctx, d.compiler.Path, cmdLine...)
			cmd.Env = append(os.Environ(), RecursionGuardEnv+"=1")
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Stdin = os.Stdin
		}
		return err
	}, bo)
	if startErr != nil {
		h.Release()
		return Result{ExitCode: 101, Local: true, Reason: reason}
	}

	// The slot gates process creation, not child runtime: release before
	// the wait so a long compile doesn't starve other invocations.
	h.Release()

	err = cmd.Wait()
	if err == nil {
		return Result{ExitCode: 0, Local: true, Reason: reason}
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return Result{ExitCode: ee.ExitCode(), Local: true, Reason: reason}
	}
	return Result{ExitCode: 103, Local: true, Reason: reason}
}

func (d *Driver) writeStats(ca *args.CompilerArgs, pr preprocess.Result, start time.Time, local bool) {
	if d.cfg.StatLogPath == "" {
		return
	}
	var outSize, srcSize int64
	if info, err := os.Stat(ca.ObjectFile); err == nil {
		outSize = info.Size()
	}
	if info, err := os.Stat(ca.SourceFile); err == nil {
		srcSize = info.Size()
	}
	rec := statlog.Record{
		Start:       start.UnixMilli(),
		End:         time.Now().UnixMilli(),
		SourceFile:  ca.SourceFile,
		SourceSize:  srcSize,
		OutputSize:  outSize,
		CppSize:     pr.CppSize,
		CppTimeMS:   pr.Duration.Milliseconds(),
		Local:       local,
		CommandLine: strings.Join(ca.CommandLine, " "),
	}
	_ = statlog.Append(d.cfg.StatLogPath, rec)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
