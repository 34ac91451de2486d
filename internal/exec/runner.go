// Package exec runs external tools with a scoped working directory,
// streams their output to the logger and reports which expected output
// files they produced. MockRunner stands in for real processes in tests.
package exec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrExternalProcess matches every *ProcessError.
var ErrExternalProcess = errors.New("external process failed")

// DefaultTailLines is the number of output lines kept for error reports.
const DefaultTailLines = 20

// Command describes one external invocation.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory of the process; empty inherits ours
	Dir string

	// Env is appended to the inherited environment
	Env []string

	// ExpectedOutputs are files, relative to Dir, checked after the run
	ExpectedOutputs []string
}

// String renders the command line.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the structured outcome of a finished process.
type Result struct {
	ExitCode   int
	OutputTail string

	// Outputs maps each expected output to whether it exists
	Outputs map[string]bool
}

// Missing returns the expected outputs that were not produced.
func (r Result) Missing() []string {
	var missing []string
	for name, ok := range r.Outputs {
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// ProcessError reports a process that could not start or exited non-zero.
type ProcessError struct {
	Command    string
	ExitCode   int
	OutputTail string
	Err        error
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExternalProcess) true for every ProcessError.
func (e *ProcessError) Is(target error) bool { return target == ErrExternalProcess }

// Runner executes external commands.
type Runner interface {
	// Run blocks until the process exits. A non-zero exit is returned as a
	// *ProcessError together with the populated Result.
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct {
	Logger    *zap.SugaredLogger
	TailLines int
}

// NewOSRunner creates a runner logging process output at debug level.
func NewOSRunner(logger *zap.SugaredLogger) *OSRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OSRunner{Logger: logger, TailLines: DefaultTailLines}
}

// Run executes cmd and waits for it to exit.
func (r *OSRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := osexec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	r.Logger.Infow("running external command", "command", cmd.String(), "dir", cmd.Dir)
	if err := c.Start(); err != nil {
		pw.Close()
		pr.Close()
		return Result{ExitCode: -1}, &ProcessError{Command: cmd.String(), Err: err}
	}

	tail := newTail(r.TailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			tail.add(line)
			r.Logger.Debugw(line, "command", cmd.Name)
		}
		// drain so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}()

	waitErr := c.Wait()
	pw.Close()
	wg.Wait()

	res := Result{
		ExitCode:   c.ProcessState.ExitCode(),
		OutputTail: tail.String(),
		Outputs:    CheckOutputs(cmd.Dir, cmd.ExpectedOutputs),
	}
	if waitErr != nil {
		return res, &ProcessError{
			Command:    cmd.String(),
			ExitCode:   res.ExitCode,
			OutputTail: res.OutputTail,
			Err:        waitErr,
		}
	}
	return res, nil
}

// CheckOutputs reports for each name, relative to dir, whether the file exists.
func CheckOutputs(dir string, names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, name)
		}
		_, err := os.Stat(p)
		out[name] = err == nil
	}
	return out
}

// tail keeps the last n lines written to it.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// MockRunner implements Runner for testing.
type MockRunner struct {
	mu sync.Mutex

	// Calls records all command invocations
	Calls []Command

	// Responses maps a command name to its response
	Responses map[string]MockResponse

	// OnRun, when set, runs before the response is returned; tests use it
	// to create the files a real tool would write
	OnRun func(cmd Command) error
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Output   string
	ExitCode int
	Err      error
}

// NewMockRunner creates a new mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{Responses: make(map[string]MockResponse)}
}

// AddResponse sets the response for a command name.
func (m *MockRunner) AddResponse(name string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[name] = resp
}

// Run records cmd and returns the configured response.
func (m *MockRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	resp := m.Responses[cmd.Name]
	hook := m.OnRun
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, &ProcessError{Command: cmd.String(), Err: err}
	}
	if hook != nil {
		if err := hook(cmd); err != nil {
			return Result{ExitCode: -1}, &ProcessError{Command: cmd.String(), Err: err}
		}
	}

	res := Result{
		ExitCode:   resp.ExitCode,
		OutputTail: resp.Output,
		Outputs:    CheckOutputs(cmd.Dir, cmd.ExpectedOutputs),
	}
	if resp.Err != nil || resp.ExitCode != 0 {
		err := resp.Err
		if err == nil {
			err = fmt.Errorf("exit status %d", resp.ExitCode)
		}
		return res, &ProcessError{Command: cmd.String(), ExitCode: resp.ExitCode, OutputTail: resp.Output, Err: err}
	}
	return res, nil
}

// Names returns the command names invoked so far, in order.
func (m *MockRunner) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		names[i] = c.Name
	}
	return names
}
