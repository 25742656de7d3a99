// Package rtt implements the client side of the trace channel: a plain
// line-oriented TCP stream exposed by the GDB server's RTT facility.
package rtt

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout indicates an I/O deadline expired before a full line was
// exchanged.
var ErrTimeout = errors.New("rtt: i/o timeout")

const defaultTimeout = 10 * time.Second

// Client is a connected trace-channel endpoint. Messages are newline
// terminated text; there is no binary framing at this layer.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the RTT server exposed by the GDB server at host:port.
func Dial(host string, port int, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("rtt: dial %s: %w", addr, err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an already established connection.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// ReceiveLine blocks for one newline-terminated message and returns it
// without the terminator.
func (c *Client) ReceiveLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", fmt.Errorf("rtt: set read deadline: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("rtt: receive: %w", ErrTimeout)
		}
		return "", fmt.Errorf("rtt: receive: %w", err)
	}
	message := strings.TrimRight(line, "\r\n")
	c.logger.Debug("rtt received", "message", message)
	return message, nil
}

// TransmitLine sends the message terminated with a newline.
func (c *Client) TransmitLine(message string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("rtt: set write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(message + "\n")); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("rtt: transmit: %w", ErrTimeout)
		}
		return fmt.Errorf("rtt: transmit: %w", err)
	}
	c.logger.Debug("rtt transmitted", "message", message)
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
