// Package uart exposes a UART port on the debug host as a local byte
// stream. The port is configured with stty and bridged to a TCP socket
// with socat, both executed over the host's SSH connection.
package uart

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// StopBits is the number of UART stop bits.
type StopBits int

const (
	OneStopBit  StopBits = 1
	TwoStopBits StopBits = 2
)

// Parity is the UART parity bit configuration.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Config describes the remote UART and the TCP port of its bridge.
type Config struct {
	// DevicePath is the UART device on the host's filesystem, for
	// example /dev/ttyUSB0.
	DevicePath string
	// Port is the TCP port socat listens on.
	Port     int
	Baudrate int
	DataBits int
	StopBits StopBits
	Parity   Parity
}

func (c Config) withDefaults() Config {
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = OneStopBit
	}
	return c
}

// SttyCommand returns the command configuring the UART device.
func (c Config) SttyCommand() string {
	c = c.withDefaults()
	args := []string{
		"stty",
		"-F", c.DevicePath,
		strconv.Itoa(c.Baudrate),
		fmt.Sprintf("cs%d", c.DataBits),
	}
	if c.StopBits == OneStopBit {
		args = append(args, "-cstopb")
	} else {
		args = append(args, "cstopb")
	}
	switch c.Parity {
	case ParityEven:
		args = append(args, "parenb", "-parodd")
	case ParityOdd:
		args = append(args, "parenb", "parodd")
	default:
		args = append(args, "-parenb")
	}
	return strings.Join(args, " ")
}

// SocatCommand returns the command bridging the UART device to TCP.
func (c Config) SocatCommand() string {
	c = c.withDefaults()
	return strings.Join([]string{
		"socat",
		fmt.Sprintf("%s,b%d,rawer,iexten=0,icanon=0,echo=0", c.DevicePath, c.Baudrate),
		fmt.Sprintf("TCP-L:%d,reuseaddr", c.Port),
	}, " ")
}

var (
	// ErrClosed indicates an operation on a connection that is not open.
	ErrClosed = errors.New("uart: connection is closed")
	// ErrTimeout indicates the operation did not complete in time.
	ErrTimeout = errors.New("uart: timeout")
)

const defaultChunkSize = 4096

// Host is the part of the SSH client the bridge needs: running stty and
// socat, and killing socat on close.
type Host interface {
	Host() string
	Launch(command string) (pid int, err error)
	Kill(pid int) error
}

// Connection is a remote UART bridged over TCP. Not safe for concurrent
// use; the harness is single-threaded by design.
type Connection struct {
	host     Host
	cfg      Config
	conn     net.Conn
	socatPID int
	rxBuf    bytes.Buffer
	logger   *slog.Logger
}

// NewConnection prepares a connection; Open actually establishes it.
func NewConnection(host Host, cfg Config) *Connection {
	return &Connection{
		host:   host,
		cfg:    cfg.withDefaults(),
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

// SetLogger replaces the connection's logger.
func (c *Connection) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Config returns the UART configuration.
func (c *Connection) Config() Config { return c.cfg }

// IsOpen reports whether the bridge is up.
func (c *Connection) IsOpen() bool { return c.conn != nil }

// Open configures the UART with stty, starts the socat bridge and
// connects to it, retrying until the listener is up or the timeout
// expires.
func (c *Connection) Open(timeout time.Duration) error {
	if c.conn != nil {
		return fmt.Errorf("uart: already open")
	}

	stty := c.cfg.SttyCommand()
	c.logger.Info("configuring uart", "command", stty)
	if _, err := c.host.Launch(stty); err != nil {
		return fmt.Errorf("uart: stty: %w", err)
	}

	socat := c.cfg.SocatCommand()
	c.logger.Info("opening socat bridge", "command", socat)
	pid, err := c.host.Launch(socat)
	if err != nil {
		return fmt.Errorf("uart: socat: %w", err)
	}
	c.socatPID = pid
	c.logger.Info("socat running on remote machine", "pid", pid)

	addr := net.JoinHostPort(c.host.Host(), strconv.Itoa(c.cfg.Port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			c.conn = conn
			c.logger.Info("remote uart connection opened", "addr", addr)
			return nil
		}
		if time.Now().After(deadline) {
			c.closeBridge()
			return fmt.Errorf("uart: connect to %s: %w", addr, ErrTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Close shuts down the socket and kills the remote socat process.
func (c *Connection) Close() error {
	if c.conn == nil {
		return ErrClosed
	}
	c.logger.Info("closing remote uart connection")
	err := c.conn.Close()
	c.conn = nil
	c.closeBridge()
	return err
}

func (c *Connection) closeBridge() {
	if c.socatPID != 0 {
		if err := c.host.Kill(c.socatPID); err != nil {
			c.logger.Warn("could not kill remote socat", "pid", c.socatPID, "err", err)
		}
		c.socatPID = 0
	}
}

// WriteBytes transmits data, returning the number of bytes sent.
func (c *Connection) WriteBytes(data []byte, timeout time.Duration) (int, error) {
	if c.conn == nil {
		return 0, ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.conn.Write(data)
	if err != nil {
		if isTimeout(err) {
			return n, ErrTimeout
		}
		return n, fmt.Errorf("uart: write: %w", err)
	}
	return n, nil
}

// WriteString transmits a string.
func (c *Connection) WriteString(message string, timeout time.Duration) (int, error) {
	return c.WriteBytes([]byte(message), timeout)
}

// ReadBytes returns any available data, draining the internal buffer
// first.
func (c *Connection) ReadBytes(timeout time.Duration, maxLength int) ([]byte, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}
	if maxLength <= 0 {
		maxLength = defaultChunkSize
	}
	if c.rxBuf.Len() > 0 {
		return c.takeBuffered(c.rxBuf.Len()), nil
	}
	return c.readSocket(timeout, maxLength)
}

// ReadExact reads exactly length bytes, waiting for more data as needed.
func (c *Connection) ReadExact(length int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		chunk, err := c.ReadBytes(timeout, length-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if len(out) > length {
		// Keep the surplus for the next read.
		c.rxBuf.Write(out[length:])
		out = out[:length]
	}
	return out, nil
}

// ReadString reads up to and including the terminator and returns the
// decoded text.
func (c *Connection) ReadString(terminator byte, timeout time.Duration) (string, error) {
	if c.conn == nil {
		return "", ErrClosed
	}
	deadline := time.Now().Add(timeout)
	for {
		buffered := c.rxBuf.Bytes()
		if i := bytes.IndexByte(buffered, terminator); i >= 0 {
			return string(c.takeBuffered(i + 1)), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		chunk, err := c.readSocket(remaining, defaultChunkSize)
		if err != nil {
			return "", err
		}
		c.rxBuf.Write(chunk)
	}
}

// ExpectLines blocks for each expected line in order, failing on the
// first mismatch. Lines are newline-terminated and compared after
// trimming surrounding whitespace.
func (c *Connection) ExpectLines(expected []string, timeout time.Duration) error {
	for _, want := range expected {
		c.logger.Info("expecting uart line", "line", want)
		raw, err := c.ReadString('\n', timeout)
		if err != nil {
			return fmt.Errorf("uart: wait for %q: %w", want, err)
		}
		got := strings.TrimSpace(raw)
		c.logger.Info("received uart line", "line", got)
		if got != want {
			return fmt.Errorf("uart: unexpected message: expected %q, got %q", want, got)
		}
	}
	return nil
}

func (c *Connection) takeBuffered(n int) []byte {
	out := make([]byte, n)
	_, _ = c.rxBuf.Read(out)
	return out
}

func (c *Connection) readSocket(timeout time.Duration, maxLength int) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxLength)
	n, err := c.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("uart: read: %w", err)
	}
	return buf[:n], nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
