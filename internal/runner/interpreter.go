package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mattjoyce/conduit/internal/process"
)

const resolverCacheSize = 64

// ErrNoInterpreter is returned when no candidate interpreter is installed.
var ErrNoInterpreter = errors.New("no interpreter found")

// DefaultInterpreters lists candidate binaries per file extension, most
// preferred first.
var DefaultInterpreters = map[string][]string{
	".py":  {"python3", "python"},
	".js":  {"node", "bun"},
	".mjs": {"node", "bun"},
	".ts":  {"bun", "deno", "ts-node"},
	".sh":  {"bash", "sh"},
	".rb":  {"ruby"},
	".pl":  {"perl"},
	".php": {"php"},
	".ps1": {"pwsh", "powershell"},
}

// baseEnv is always passed through to interpreters.
var baseEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TZ"}

// Resolver picks an interpreter for a script by its file extension and
// remembers the choice.
type Resolver struct {
	candidates map[string][]string
	cache      *lru.Cache[string, string]
	lookPath   func(string) (string, error)
}

// NewResolver builds a resolver over candidates, falling back to
// DefaultInterpreters when nil.
func NewResolver(candidates map[string][]string) *Resolver {
	if candidates == nil {
		candidates = DefaultInterpreters
	}
	normalized := make(map[string][]string, len(candidates))
	for ext, list := range candidates {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[ext] = slices.Clone(list)
	}
	cache, _ := lru.New[string, string](resolverCacheSize)
	return &Resolver{candidates: normalized, cache: cache, lookPath: exec.LookPath}
}

// Resolve returns the interpreter binary for file.
func (r *Resolver) Resolve(file string) (string, error) {
	ext := strings.ToLower(filepath.Ext(file))
	if path, ok := r.cache.Get(ext); ok {
		return path, nil
	}
	list, ok := r.candidates[ext]
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", ErrNoInterpreter, ext)
	}
	for _, name := range list {
		path, err := r.lookPath(name)
		if err != nil {
			continue
		}
		r.cache.Add(ext, path)
		return path, nil
	}
	return "", fmt.Errorf("%w for %q (tried %s)", ErrNoInterpreter, ext, strings.Join(list, ", "))
}

// SanitizeEnv keeps only allowlisted variables from environ, plus a small
// base set, then appends extra.
func SanitizeEnv(environ, allowlist, extra []string) []string {
	out := make([]string, 0, len(baseEnv)+len(allowlist)+len(extra))
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if slices.Contains(baseEnv, key) || slices.Contains(allowlist, key) {
			out = append(out, kv)
		}
	}
	return append(out, extra...)
}

// ExitError is the error of a script that exited nonzero.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// InterpreterConfig describes a script run.
type InterpreterConfig struct {
	File     string
	Args     []string
	Dir      string
	Env      []string // Extra KEY=VALUE entries
	Allowenv []string // Host variables passed through
	Resolver *Resolver

	// KillTimeout hard-kills the script after this long. Zero disables it.
	KillTimeout time.Duration
	KillGrace   time.Duration
	// KeepMessages makes the result the array of every stdout message instead
	// of only the last one.
	KeepMessages bool
}

// Interpreter runs a script with an external interpreter. Each stdout line is
// a message event.
type Interpreter struct {
	base
	cfg InterpreterConfig

	last json.RawMessage
	all  []json.RawMessage
}

var _ Runner = (*Interpreter)(nil)

func NewInterpreter(cfg InterpreterConfig) *Interpreter {
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(nil)
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = process.DefaultKillGrace
	}
	return &Interpreter{base: newBase("interpreter"), cfg: cfg}
}

func (r *Interpreter) Run(ctx context.Context, opts Options) (Result, error) {
	if err := r.begin(); err != nil {
		return Result{}, err
	}
	go r.run(ctx)
	return r.await(opts)
}

func (r *Interpreter) run(ctx context.Context) {
	interp, err := r.cfg.Resolver.Resolve(r.cfg.File)
	if err != nil {
		r.fail(err)
		return
	}

	cmd := exec.Command(interp, append([]string{r.cfg.File}, r.cfg.Args...)...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = SanitizeEnv(os.Environ(), r.cfg.Allowenv, r.cfg.Env)
	process.ConfigureGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.fail(fmt.Errorf("create stdout pipe: %w", err))
		return
	}
	stderr := process.NewCappedBuffer(process.MaxStderrBytes)
	cmd.Stderr = stderr

	r.logger.Debug("spawning interpreter", "interpreter", interp, "file", r.cfg.File)
	if err := cmd.Start(); err != nil {
		r.fail(fmt.Errorf("start interpreter: %w", err))
		return
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		r.readLines(stdout)
		waitErr = cmd.Wait()
		close(exited)
	}()

	var deadline <-chan time.Time
	if r.cfg.KillTimeout > 0 {
		timer := time.NewTimer(r.cfg.KillTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	terminate := func() {
		if err := process.Terminate(cmd.Process, exited, r.cfg.KillGrace); err != nil {
			r.logger.Warn("failed to terminate interpreter", "error", err)
		}
	}

	select {
	case <-exited:
		r.complete(waitErr, cmd.ProcessState.ExitCode(), stderr.String())
	case <-r.stop:
		terminate()
		r.finish(ReasonStopped, nil, nil)
	case <-ctx.Done():
		terminate()
		r.finishContext(ctx.Err())
	case <-deadline:
		terminate()
		r.finishContext(context.DeadlineExceeded)
	}
}

func (r *Interpreter) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		msg := lineMessage(line)
		r.last = msg
		if r.cfg.KeepMessages {
			r.all = append(r.all, msg)
		}
		r.emitMessage(msg)
	}
}

// lineMessage passes JSON lines through and wraps anything else as a string.
func lineMessage(line string) json.RawMessage {
	if json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	raw, _ := json.Marshal(line)
	return raw
}

func (r *Interpreter) complete(waitErr error, code int, stderr string) {
	if waitErr == nil && code == 0 {
		var data json.RawMessage = r.last
		if r.cfg.KeepMessages {
			all := r.all
			if all == nil {
				all = []json.RawMessage{}
			}
			data, _ = json.Marshal(all)
		}
		r.finish(ReasonDone, data, nil)
		return
	}

	msg := strings.TrimSpace(stderr)
	if msg == "" {
		if waitErr != nil {
			msg = waitErr.Error()
		} else {
			msg = fmt.Sprintf("exit status %d", code)
		}
	}
	r.fail(&ExitError{Code: code, Message: msg})
}
