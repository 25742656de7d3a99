// Package session turns the unreliable multi-step remote debug bring-up
// (SSH connect, debugger attach, flash, breakpoint, RTT, handshake) into
// a single operation with bounded retries and deterministic outcomes.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/calldwell/calldwell/internal/gdb"
	"github.com/calldwell/calldwell/internal/gdbmi"
	"github.com/calldwell/calldwell/internal/rtt"
	"github.com/calldwell/calldwell/internal/sshx"
)

// HostConn is the control connection to the machine running the GDB
// server.
type HostConn interface {
	Execute(command string) error
	Close() error
}

// Debugger is the command/control connection to the debugger.
type Debugger interface {
	ConnectRemote(addr string) error
	LoadExecutable(path string) error
	ReadVariable(name string) (gdb.Variable, error)
	SetBreakpoint(symbol string) error
	StartProgram() error
	ContinueProgram() error
	WaitForBreakpointHit() error
	FinishFunction() error
	StartRTTServer(port, channel int) error
	SetupRTT(address uint64, searchLength int, sectionID string) error
	StartRTT() error
	Close() error
}

// TraceChannel is the line-oriented byte stream exposed by the target's
// trace buffer.
type TraceChannel interface {
	ReceiveLine() (string, error)
	TransmitLine(message string) error
	Close() error
}

// PreHandshakeHook runs with the target paused at the bring-up
// breakpoint, before execution resumes. It lets a caller inspect or
// modify target state at a deterministic point.
type PreHandshakeHook interface {
	BeforeHandshake(dbg Debugger) error
}

// PreHandshakeHookFunc adapts a plain function to PreHandshakeHook.
type PreHandshakeHookFunc func(dbg Debugger) error

func (f PreHandshakeHookFunc) BeforeHandshake(dbg Debugger) error { return f(dbg) }

// Config carries every parameter of session establishment. The Dial* and
// New* hooks default to the real SSH/GDB/RTT implementations and exist so
// tests can inject fakes.
type Config struct {
	HostAddr     string
	HostLogin    string
	HostPassword string
	SSHPort      int

	GDBServerPort int
	RTTServerPort int

	// GDBServerCommand launches the GDB server (e.g. OpenOCD) on the
	// debug host.
	GDBServerCommand string
	// GDBExecutable is the local debugger client binary.
	GDBExecutable string
	// ExecutablePath is the test binary to flash.
	ExecutablePath string

	GDBTimeout     time.Duration
	FlashTimeout   time.Duration
	MaxUploadTries int

	LogResponses bool
	LogExecution bool
	Logger       *slog.Logger

	PreHandshakeHook PreHandshakeHook

	// ResponseRecorder receives every debugger response, e.g. for
	// artifact capture.
	ResponseRecorder func(gdbmi.Response)

	DialHost    func() (HostConn, error)
	NewDebugger func() (Debugger, error)
	DialTrace   func(host string, port int) (TraceChannel, error)
}

const defaultMaxUploadTries = 5

func (c *Config) setDefaults() {
	if c.MaxUploadTries <= 0 {
		c.MaxUploadTries = defaultMaxUploadTries
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.DialHost == nil {
		c.DialHost = func() (HostConn, error) {
			client, err := sshx.Dial(c.HostAddr, c.HostLogin, c.HostPassword, c.SSHPort)
			if err != nil {
				return nil, err
			}
			client.SetLogger(c.Logger)
			return &sshHost{client: client}, nil
		}
	}
	if c.NewDebugger == nil {
		c.NewDebugger = func() (Debugger, error) {
			return gdb.Start(gdb.Config{
				Executable:       c.GDBExecutable,
				DefaultTimeout:   c.GDBTimeout,
				FlashTimeout:     c.FlashTimeout,
				LogResponses:     c.LogResponses,
				LogExecution:     c.LogExecution,
				Logger:           c.Logger,
				ResponseRecorder: c.ResponseRecorder,
			})
		}
	}
	if c.DialTrace == nil {
		c.DialTrace = func(host string, port int) (TraceChannel, error) {
			client, err := rtt.Dial(host, port, c.GDBTimeout)
			if err != nil {
				return nil, err
			}
			client.SetLogger(c.Logger)
			return client, nil
		}
	}
}

// sshHost adapts sshx.Client to the orchestrator's HostConn: launching
// the GDB server is fire-and-forget, its channels are not consumed.
type sshHost struct {
	client *sshx.Client
}

func (h *sshHost) Execute(command string) error {
	_, err := h.client.Execute(command)
	return err
}

func (h *sshHost) Close() error { return h.client.Close() }

// Session is a fully established debug session. Ownership of all three
// connections belongs to the caller, who closes them at test teardown.
type Session struct {
	ID       string
	Host     HostConn
	Debugger Debugger
	Trace    TraceChannel

	logger *slog.Logger
}

// Close releases the trace channel, the debugger and the host connection.
func (s *Session) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.Trace, s.Debugger, s.Host} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExpectMessages blocks for each expected message in order and fails on
// the first mismatch. The target is expected to terminate every message
// with a newline.
func (s *Session) ExpectMessages(expected []string) error {
	for _, want := range expected {
		s.logger.Info("expecting message", "message", want)
		got, err := s.Trace.ReceiveLine()
		if err != nil {
			return failure(CategoryUnexpectedMessage, "wait for message", err)
		}
		s.logger.Info("received message", "message", got)
		if got != want {
			return failuref(CategoryUnexpectedMessage, "wait for message",
				"expected %q, got %q", want, got)
		}
	}
	return nil
}

// Establish brings the target to a running, handshake-verified state and
// returns the session, or reports failure with no connections left open.
//
// Flashing failures and timeouts are retried up to MaxUploadTries; a
// failure to open the host or debugger connection aborts immediately, as
// it indicates a configuration error rather than flaky hardware.
func Establish(cfg Config) (*Session, error) {
	cfg.setDefaults()

	host, dbg, err := tryInitialize(&cfg)
	if err != nil {
		return nil, err
	}

	abort := func(e *Error) (*Session, error) {
		cfg.Logger.Error("session establishment failed", "category", string(e.Category), "step", e.Step, "err", e.Err)
		_ = dbg.Close()
		_ = host.Close()
		return nil, e
	}

	variable, err := dbg.ReadVariable(RTTSectionSymbol)
	if err != nil {
		return abort(failure(CategoryResolution, "resolve symbol "+RTTSectionSymbol, err))
	}

	if err := dbg.StartProgram(); err != nil {
		return abort(failure(CategoryBringUp, "start program", err))
	}

	trace, err := bringUp(&cfg, dbg, variable.Address)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return abort(se)
		}
		return abort(failure(CategoryBringUp, "trace channel bring-up", err))
	}

	if cfg.PreHandshakeHook != nil {
		if err := cfg.PreHandshakeHook.BeforeHandshake(dbg); err != nil {
			_ = trace.Close()
			return abort(failure(CategoryBringUp, "pre-handshake hook", err))
		}
	}

	if err := dbg.ContinueProgram(); err != nil {
		_ = trace.Close()
		return abort(failure(CategoryBringUp, "resume program", err))
	}

	if err := PerformHandshake(trace, cfg.Logger); err != nil {
		_ = trace.Close()
		var se *Error
		if errors.As(err, &se) {
			return abort(se)
		}
		return abort(failure(CategoryProtocol, "handshake", err))
	}

	return &Session{
		ID:       uuid.NewString(),
		Host:     host,
		Debugger: dbg,
		Trace:    trace,
		logger:   cfg.Logger,
	}, nil
}

// tryInitialize is the bounded retry loop around connecting and flashing.
// It owns the connections of the current attempt and releases them before
// retrying, so no ports leak across attempts.
func tryInitialize(cfg *Config) (HostConn, Debugger, error) {
	remoteAddr := net.JoinHostPort(cfg.HostAddr, strconv.Itoa(cfg.GDBServerPort))

	for attempt := 1; attempt <= cfg.MaxUploadTries; attempt++ {
		cfg.Logger.Info("establishing session and uploading binary",
			"attempt", attempt, "max", cfg.MaxUploadTries)

		host, err := cfg.DialHost()
		if err != nil {
			return nil, nil, failure(CategoryConnection, "open host connection to "+cfg.HostAddr, err)
		}
		if err := host.Execute(cfg.GDBServerCommand); err != nil {
			_ = host.Close()
			return nil, nil, failure(CategoryConnection, "launch gdb server", err)
		}
		dbg, err := cfg.NewDebugger()
		if err != nil {
			_ = host.Close()
			return nil, nil, failure(CategoryConnection, "start local debugger", err)
		}
		if err := dbg.ConnectRemote(remoteAddr); err != nil {
			// A refused connection is a configuration error, not
			// flakiness. Abort without consuming further attempts.
			_ = dbg.Close()
			_ = host.Close()
			return nil, nil, failure(CategoryConnection, "connect to gdb server @ "+remoteAddr, err)
		}

		err = dbg.LoadExecutable(cfg.ExecutablePath)
		if err == nil {
			cfg.Logger.Info("session established", "attempt", attempt)
			return host, dbg, nil
		}
		if errors.Is(err, gdb.ErrTimeout) {
			cfg.Logger.Warn("flashing timed out, restarting session", "attempt", attempt)
		} else {
			cfg.Logger.Warn("loading executable failed, restarting session",
				"executable", cfg.ExecutablePath, "err", err)
		}
		_ = dbg.Close()
		_ = host.Close()
		cfg.Logger.Info("session closed")
	}

	return nil, nil, failure(CategoryUpload, "upload binary "+cfg.ExecutablePath,
		fmt.Errorf("attempts exhausted after %d tries", cfg.MaxUploadTries))
}
