// Package sshx wraps the SSH control connection to the debug host: command
// execution with PID capture and file transfer over SFTP.
package sshx

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultPort = 22

// Client is an established SSH connection to the debug host.
type Client struct {
	host   string
	client *ssh.Client
	sftp   *sftp.Client
	logger *slog.Logger
}

// Command is a process started on the remote host. Its channels stay open
// until the process exits or Close is called.
type Command struct {
	PID     int
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
	session *ssh.Session
}

// Close releases the command's session without waiting for the remote
// process to exit.
func (c *Command) Close() error {
	return c.session.Close()
}

// Dial connects to the debug host with password authentication. Host keys
// are not verified; debug hosts are lab equipment reachable only from the
// test network.
func Dial(host, login, password string, port int) (*Client, error) {
	if port <= 0 {
		port = defaultPort
	}
	cfg := &ssh.ClientConfig{
		User:            login,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sshx: dial %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sshx: open sftp: %w", err)
	}
	return &Client{
		host:   host,
		client: client,
		sftp:   sftpClient,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}, nil
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Host returns the hostname the client connected to.
func (c *Client) Host() string { return c.host }

// Execute starts a command on the remote host and returns it together
// with its PID. The command is started through a throwaway shell that
// echoes its own PID and then replaces itself with the command, so the
// PID is known before the command produces any output.
func (c *Client) Execute(command string) (*Command, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshx: new session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sshx: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sshx: stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sshx: stderr pipe: %w", err)
	}

	wrapped := fmt.Sprintf("sh -c 'echo $$; exec %s'", command)
	c.logger.Debug("executing remote command", "host", c.host, "command", command)
	if err := session.Start(wrapped); err != nil {
		session.Close()
		return nil, fmt.Errorf("sshx: start %q: %w", command, err)
	}

	buffered := bufio.NewReader(stdout)
	pidLine, err := buffered.ReadString('\n')
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sshx: read pid of %q: %w", command, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("sshx: parse pid %q: %w", strings.TrimSpace(pidLine), err)
	}

	return &Command{
		PID:     pid,
		Stdin:   stdin,
		Stdout:  buffered,
		Stderr:  stderr,
		session: session,
	}, nil
}

// Launch starts a remote command without consuming its channels and
// returns its PID.
func (c *Client) Launch(command string) (int, error) {
	cmd, err := c.Execute(command)
	if err != nil {
		return 0, err
	}
	return cmd.PID, nil
}

// Kill terminates a remote process by PID.
func (c *Client) Kill(pid int) error {
	cmd, err := c.Execute(fmt.Sprintf("kill %d", pid))
	if err != nil {
		return err
	}
	return cmd.Close()
}

// UploadFile copies a local file to the remote host.
func (c *Client) UploadFile(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("sshx: open %s: %w", localPath, err)
	}
	defer src.Close()
	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sshx: create remote %s: %w", remotePath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("sshx: upload %s: %w", localPath, err)
	}
	return nil
}

// DownloadFile copies a remote file to the local machine.
func (c *Client) DownloadFile(remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("sshx: open remote %s: %w", remotePath, err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("sshx: create %s: %w", localPath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("sshx: download %s: %w", remotePath, err)
	}
	return nil
}

// Close shuts down the SFTP channel and the SSH connection.
func (c *Client) Close() error {
	var firstErr error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
