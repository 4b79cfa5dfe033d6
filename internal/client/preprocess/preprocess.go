// Package preprocess runs the compiler in -E mode on a background
// goroutine and hands the accumulated output to the driver once done. The
// worker signals completion through a condvar-guarded done flag plus an
// optional wake channel, so the driver can either block on Wait or fold
// completion into its reactor loop.
package preprocess

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hgcc-dist/hgcc/internal/client/args"
)

// Result holds everything the driver needs once the worker is done.
type Result struct {
	Stdout       []byte // possibly deflate-compressed, see Compressed
	Compressed   bool
	Stderr       []byte
	ExitCode     int
	CppSize      int
	Duration     time.Duration
	SlotDuration time.Duration
	Err          error
}

// Worker is one background preprocessing run: created on dispatch, waited
// on before the preprocessed bytes are needed.
type Worker struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	res  Result

	wake chan struct{} // the reactor's self-pipe equivalent

	releaseCpp func() // the held Cpp slot, released by finish
}

// Options configures one preprocessing run.
type Options struct {
	Compiler    string // resolved compiler path
	IsClang     bool
	StripComments bool // "discard comments" config bit; when true, omit -C
	Compress    bool
	Fingerprint *args.FingerprintSink
	AcquireCpp  func() (release func(), err error) // the Cpp slot
}

// New starts a preprocessing run in the background and returns immediately.
// wake is signaled (non-blocking send) when the run completes, so a reactor
// select loop can treat it exactly like socket readiness.
func New(ctx context.Context, ca *args.CompilerArgs, opt Options, wake chan struct{}) *Worker {
	w := &Worker{wake: wake}
	w.cond = sync.NewCond(&w.mu)
	go w.run(ctx, ca, opt)
	return w
}

func (w *Worker) run(ctx context.Context, ca *args.CompilerArgs, opt Options) {
	start := time.Now()
	var res Result

	var releaseSlot func()
	slotStart := time.Now()
	if opt.AcquireCpp != nil {
		rel, err := opt.AcquireCpp()
		if err != nil {
			res.Err = fmt.Errorf("preprocess: acquiring cpp slot: %w", err)
			w.finish(res)
			return
		}
		releaseSlot = rel
	}
	res.SlotDuration = time.Since(slotStart)
	w.releaseCpp = releaseSlot

	if ca.Lang == args.LangCCPPOutput || ca.Lang == args.LangCXXCPPOutput {
		// Already preprocessed: read the source directly rather than
		// invoking the compiler a second time.
		data, err := readFile(ca.SourceFile)
		if err != nil {
			res.Err = err
			w.finish(res)
			return
		}
		res.Stdout = data
		res.CppSize = len(data)
		res.ExitCode = 0
		res.Duration = time.Since(start)
		w.finish(res)
		return
	}

	cmdArgs := buildArgs(ca, opt)
	cmd := exec.CommandContext(ctx, opt.Compiler, cmdArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Err = err
		w.finish(res)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Err = err
		w.finish(res)
		return
	}
	if err := cmd.Start(); err != nil {
		res.Err = err
		w.finish(res)
		return
	}

	var rawOut bytes.Buffer
	var compressedOut bytes.Buffer
	var deflater *flate.Writer
	if opt.Compress {
		deflater, _ = flate.NewWriter(&compressedOut, flate.DefaultCompression)
	}

	var errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				rawOut.Write(chunk)
				if deflater != nil {
					deflater.Write(chunk)
				}
				if opt.Fingerprint != nil {
					opt.Fingerprint.AddPreprocessedChunk(chunk)
				}
			}
			if rerr != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				errBuf.Write(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res.Stderr = errBuf.Bytes()
	res.ExitCode = exitCodeOf(waitErr)
	res.Duration = time.Since(start)
	res.CppSize = rawOut.Len()

	if deflater != nil {
		deflater.Close() // Z_FINISH equivalent
		res.Stdout = compressedOut.Bytes()
		res.Compressed = true
	} else {
		res.Stdout = rawOut.Bytes()
	}

	if waitErr != nil {
		res.Err = fmt.Errorf("preprocess: %s exited with error: %w", opt.Compiler, waitErr)
	} else if res.CppSize == 0 {
		res.Err = fmt.Errorf("preprocess: empty output from %s", opt.Compiler)
	}

	w.finish(res)
}

func (w *Worker) finish(res Result) {
	// The Cpp slot goes back before Wait can return.
	if w.releaseCpp != nil {
		w.releaseCpp()
	}
	w.mu.Lock()
	w.res = res
	w.done = true
	w.mu.Unlock()
	w.cond.Broadcast()
	if w.wake != nil {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until the run completes and returns its result. Safe to call
// from any goroutine; the driver calls it only after observing the wake
// channel or needing the result synchronously (e.g. object-cache mode).
func (w *Worker) Wait() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.done {
		w.cond.Wait()
	}
	return w.res
}

// Done reports whether the run has finished without blocking.
func (w *Worker) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func buildArgs(ca *args.CompilerArgs, opt Options) []string {
	out := make([]string, 0, len(ca.CommandLine)+2)
	for i := 0; i < len(ca.CommandLine); i++ {
		a := ca.CommandLine[i]
		if a == "-o" {
			i++ // skip the output path too
			continue
		}
		if i == ca.ObjectFileIndex {
			continue // attached -o<path> form
		}
		out = append(out, a)
	}
	out = append(out, "-E")
	if opt.IsClang {
		out = append(out, "-frewrite-includes")
	} else {
		out = append(out, "-fdirectives-only")
	}
	if !opt.StripComments {
		out = append(out, "-C")
	}
	return out
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("preprocess: reading already-preprocessed source %s: %w", path, err)
	}
	return data, nil
}

// WarningCount reports how many compiler warnings a stderr blob contains,
// for the statistics line.
func WarningCount(stderr []byte) int {
	count := 0
	for _, line := range strings.Split(string(stderr), "\n") {
		if strings.Contains(line, "warning:") {
			count++
		}
	}
	return count
}
