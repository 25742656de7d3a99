// Package gdb drives a local GDB process in MI mode over its stdio. Raw
// MI lines are classified into gdbmi responses by their sigil; record
// bodies are kept as raw strings rather than parsed, which is all the
// session layer needs.
package gdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/calldwell/calldwell/internal/gdbmi"
)

var (
	// ErrTimeout indicates GDB produced no terminating response within
	// the configured window. The session layer treats it as transient
	// during flashing.
	ErrTimeout = errors.New("gdb: timed out waiting for response")
	// ErrCommandFailed indicates GDB answered, but not with the expected
	// result class.
	ErrCommandFailed = errors.New("gdb: command failed")
	// ErrStoppedOutsideBreakpoint indicates the program stopped for a
	// reason other than hitting the awaited breakpoint.
	ErrStoppedOutsideBreakpoint = errors.New("gdb: program stopped, but not on a breakpoint")
	// ErrTerminated indicates the GDB process went away mid-conversation.
	ErrTerminated = errors.New("gdb: process terminated")
)

const (
	defaultTimeout      = 10 * time.Second
	defaultFlashTimeout = 60 * time.Second
)

// Variable is a resolved symbol.
type Variable struct {
	Name    string
	Address uint64
}

// Config controls how the GDB process is spawned and how chatty the
// client is.
type Config struct {
	// Executable is the local GDB binary, e.g. arm-none-eabi-gdb.
	Executable string
	// DefaultTimeout bounds every command round-trip. Zero means 10s.
	DefaultTimeout time.Duration
	// FlashTimeout bounds the target-download step. Zero means 60s.
	FlashTimeout time.Duration
	// LogResponses logs every classified response at debug level.
	LogResponses bool
	// LogExecution logs every issued command at debug level.
	LogExecution bool
	Logger       *slog.Logger
	// ResponseRecorder, when set, receives every classified response.
	// Used to capture session artifacts.
	ResponseRecorder func(gdbmi.Response)
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.FlashTimeout <= 0 {
		c.FlashTimeout = defaultFlashTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
}

// Client is a command/control connection to a GDB process.
type Client struct {
	cfg       Config
	cmd       *exec.Cmd
	stdin     io.Writer
	responses chan gdbmi.Response
}

// Start spawns the GDB executable in MI mode and begins classifying its
// output.
func Start(cfg Config) (*Client, error) {
	cfg.setDefaults()
	cmd := exec.Command(cfg.Executable, "--interpreter=mi3", "--quiet", "--nx")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("gdb: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("gdb: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gdb: start %s: %w", cfg.Executable, err)
	}
	c := newClient(stdin, stdout, cfg)
	c.cmd = cmd
	return c, nil
}

// NewClient builds a client on top of an existing command/response pair.
// Used by tests to drive the classifier without a real GDB process.
func NewClient(stdin io.Writer, stdout io.Reader, cfg Config) *Client {
	cfg.setDefaults()
	return newClient(stdin, stdout, cfg)
}

func newClient(stdin io.Writer, stdout io.Reader, cfg Config) *Client {
	c := &Client{
		cfg:       cfg,
		stdin:     stdin,
		responses: make(chan gdbmi.Response, 64),
	}
	go c.readLoop(stdout)
	return c
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		response := Classify(scanner.Text())
		if c.cfg.LogResponses {
			c.cfg.Logger.Debug("gdb response", "response", response.String())
		}
		if c.cfg.ResponseRecorder != nil {
			c.cfg.ResponseRecorder(response)
		}
		c.responses <- response
	}
	close(c.responses)
}

// execute sends a command and collects responses until the prompt marker
// arrives or the timeout expires.
func (c *Client) execute(command string, timeout time.Duration) (gdbmi.List, error) {
	if c.cfg.LogExecution {
		c.cfg.Logger.Debug("gdb execute", "command", command)
	}
	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return nil, fmt.Errorf("gdb: write %q: %w", command, err)
	}
	return c.collect(timeout)
}

func (c *Client) collect(timeout time.Duration) (gdbmi.List, error) {
	var list gdbmi.List
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case response, ok := <-c.responses:
			if !ok {
				return list, ErrTerminated
			}
			list = append(list, response)
			if response.Kind == gdbmi.KindDone {
				return list, nil
			}
		case <-deadline.C:
			return list, ErrTimeout
		}
	}
}

func expectResult(list gdbmi.List, message string, context string) error {
	if list.Contains(gdbmi.WithMessage(gdbmi.KindResult, message)) {
		return nil
	}
	if results := list.Results(); len(results) > 0 {
		return fmt.Errorf("%w: %s (got %s)", ErrCommandFailed, context, results[len(results)-1])
	}
	return fmt.Errorf("%w: %s (no result record)", ErrCommandFailed, context)
}

// ConnectRemote attaches to a remote GDB server.
func (c *Client) ConnectRemote(addr string) error {
	list, err := c.execute("-target-select extended-remote "+addr, c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: connect to %s: %w", addr, err)
	}
	if list.Contains(gdbmi.WithMessage(gdbmi.KindResult, "connected")) {
		return nil
	}
	return expectResult(list, "done", "connect to "+addr)
}

// LoadExecutable loads symbols from the test binary and flashes it to the
// target. Flashing is bounded by FlashTimeout; a timeout is reported as
// ErrTimeout so the caller can retry the whole attempt.
func (c *Client) LoadExecutable(path string) error {
	list, err := c.execute("-file-exec-and-symbols "+path, c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: load symbols from %s: %w", path, err)
	}
	if err := expectResult(list, "done", "load symbols from "+path); err != nil {
		return err
	}
	list, err = c.execute("-target-download", c.cfg.FlashTimeout)
	if err != nil {
		return fmt.Errorf("gdb: flash %s: %w", path, err)
	}
	return expectResult(list, "done", "flash "+path)
}

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// ReadVariable resolves a symbol's address.
func (c *Client) ReadVariable(name string) (Variable, error) {
	list, err := c.execute(fmt.Sprintf("-data-evaluate-expression \"&%s\"", name), c.cfg.DefaultTimeout)
	if err != nil {
		return Variable{}, fmt.Errorf("gdb: evaluate &%s: %w", name, err)
	}
	if err := expectResult(list, "done", "evaluate &"+name); err != nil {
		return Variable{}, err
	}
	payload := list.Results().PayloadString("", false)
	match := addressPattern.FindString(payload)
	if match == "" {
		return Variable{}, fmt.Errorf("%w: no address in %q for %s", ErrCommandFailed, payload, name)
	}
	address, err := strconv.ParseUint(strings.TrimPrefix(match, "0x"), 16, 64)
	if err != nil {
		return Variable{}, fmt.Errorf("gdb: parse address %q: %w", match, err)
	}
	return Variable{Name: name, Address: address}, nil
}

// SetBreakpoint inserts a breakpoint at a symbol.
func (c *Client) SetBreakpoint(symbol string) error {
	list, err := c.execute("-break-insert "+symbol, c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: break at %s: %w", symbol, err)
	}
	return expectResult(list, "done", "break at "+symbol)
}

// StartProgram begins target execution from the entry point.
func (c *Client) StartProgram() error {
	list, err := c.execute("-exec-run", c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: run: %w", err)
	}
	return expectResult(list, "running", "run")
}

// ContinueProgram resumes target execution.
func (c *Client) ContinueProgram() error {
	list, err := c.execute("-exec-continue", c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: continue: %w", err)
	}
	return expectResult(list, "running", "continue")
}

// WaitForBreakpointHit blocks until the target stops. A stop that is not
// a breakpoint hit is a distinct failure from never stopping at all.
func (c *Client) WaitForBreakpointHit() error {
	stop, err := c.waitForStop()
	if err != nil {
		return err
	}
	if !strings.Contains(stop, `reason="breakpoint-hit"`) {
		return fmt.Errorf("%w: %s", ErrStoppedOutsideBreakpoint, stop)
	}
	return nil
}

// FinishFunction steps out of the interrupted function and waits for the
// resulting stop.
func (c *Client) FinishFunction() error {
	list, err := c.execute("-exec-finish", c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: finish: %w", err)
	}
	if err := expectResult(list, "running", "finish"); err != nil {
		return err
	}
	_, err = c.waitForStop()
	return err
}

// waitForStop consumes responses until a stopped notification shows up
// and returns its raw payload.
func (c *Client) waitForStop() (string, error) {
	deadline := time.NewTimer(c.cfg.DefaultTimeout)
	defer deadline.Stop()
	stopped := gdbmi.WithMessage(gdbmi.KindNotify, "stopped")
	for {
		select {
		case response, ok := <-c.responses:
			if !ok {
				return "", ErrTerminated
			}
			if response.Similar(stopped) {
				return response.UnescapedPayload(true), nil
			}
		case <-deadline.C:
			return "", fmt.Errorf("gdb: wait for stop: %w", ErrTimeout)
		}
	}
}

// StartRTTServer asks the GDB server to expose an RTT channel on a TCP
// port.
func (c *Client) StartRTTServer(port, channel int) error {
	list, err := c.execute(fmt.Sprintf("monitor rtt server start %d %d", port, channel), c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: rtt server start: %w", err)
	}
	return expectResult(list, "done", fmt.Sprintf("rtt server start on port %d", port))
}

// SetupRTT points the GDB server at the control block: it scans
// searchLength bytes from address for the section identifier.
func (c *Client) SetupRTT(address uint64, searchLength int, sectionID string) error {
	list, err := c.execute(fmt.Sprintf("monitor rtt setup 0x%X %d %q", address, searchLength, sectionID), c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: rtt setup: %w", err)
	}
	return expectResult(list, "done", fmt.Sprintf("rtt setup at 0x%X", address))
}

// StartRTT starts RTT capture. Fails if the control block was not found.
func (c *Client) StartRTT() error {
	list, err := c.execute("monitor rtt start", c.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("gdb: rtt start: %w", err)
	}
	return expectResult(list, "done", "rtt start")
}

// Close asks GDB to exit and reaps the process.
func (c *Client) Close() error {
	if closer, ok := c.stdin.(io.Closer); ok {
		_, _ = io.WriteString(c.stdin, "-gdb-exit\n")
		closer.Close()
	}
	if c.cmd == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}
