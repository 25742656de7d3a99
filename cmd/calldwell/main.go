package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/calldwell/calldwell/internal/artifacts"
	"github.com/calldwell/calldwell/internal/cargo"
	cliconfig "github.com/calldwell/calldwell/internal/cli/config"
	"github.com/calldwell/calldwell/internal/gdbmi"
	"github.com/calldwell/calldwell/internal/report"
	"github.com/calldwell/calldwell/internal/session"
)

// Exit codes consumed by CI. Session failures and unexpected messages
// are distinct so a dashboard can tell flaky bring-up from a failing
// test; build failures are distinct from both.
const (
	exitSessionFailure    = 1
	exitUnexpectedMessage = 2
	exitBuildFailure      = 100
)

type rootOptions struct {
	configPath string
	boardName  string
	logLevel   string
	verbose    bool

	logger *slog.Logger
	board  *cliconfig.Board
	config *cliconfig.Config
}

func (r *rootOptions) prepare() error {
	level := slog.LevelInfo
	if r.verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(r.logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", r.logLevel)
		}
	}
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	if cfg != nil {
		board, _, err := cfg.Resolve(r.boardName)
		if err != nil {
			return err
		}
		r.board = board
	}
	return nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "calldwell",
		Short: "Host-side harness for firmware integration tests over GDB and RTT",
	}
	defaultConfig := os.Getenv("CALLDWELL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to calldwell config file (default $HOME/.calldwell/config)")
	rootCmd.PersistentFlags().StringVar(&opts.boardName, "board", "", "board name within the config (overrides currentBoard)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable verbose debug logging (same as --log-level=debug)")
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newBoardCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type runFlags struct {
	binary       string
	project      string
	targetTriple string
	release      bool

	host             string
	login            string
	password         string
	sshPort          int
	gdbPort          int
	rttPort          int
	gdbServerCommand string
	gdbExecutable    string
	cleanupCommand   string

	timeout        time.Duration
	flashTimeout   time.Duration
	maxUploadTries int

	logResponses bool
	logExecution bool

	expect       []string
	artifactsDir string
	natsURL      string
	natsPrefix   string
}

func (f *runFlags) applyBoard(board *cliconfig.Board) {
	if board == nil {
		return
	}
	if f.host == "" {
		f.host = board.Host
	}
	if f.login == "" {
		f.login = board.Login
	}
	if f.password == "" {
		f.password = board.Password
	}
	if f.sshPort == 0 {
		f.sshPort = board.SSHPort
	}
	if f.gdbPort == 0 {
		f.gdbPort = board.GDBPort
	}
	if f.rttPort == 0 {
		f.rttPort = board.RTTPort
	}
	if f.gdbServerCommand == "" {
		f.gdbServerCommand = board.GDBServerCommand
	}
	if f.gdbExecutable == "" {
		f.gdbExecutable = board.GDBExecutable
	}
	if f.cleanupCommand == "" {
		f.cleanupCommand = board.CleanupCommand
	}
	if f.targetTriple == "" {
		f.targetTriple = board.TargetTriple
	}
	if f.timeout == 0 && board.TimeoutSeconds > 0 {
		f.timeout = time.Duration(board.TimeoutSeconds) * time.Second
	}
	if f.flashTimeout == 0 && board.FlashTimeoutSeconds > 0 {
		f.flashTimeout = time.Duration(board.FlashTimeoutSeconds) * time.Second
	}
	if f.maxUploadTries == 0 {
		f.maxUploadTries = board.MaxUploadTries
	}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Establish a debug session, verify the handshake and run a test",
		RunE: func(_ *cobra.Command, _ []string) error {
			flags.applyBoard(root.board)
			if err := validateRunFlags(flags); err != nil {
				return err
			}
			if code := runTest(root, flags); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.binary, "binary", "", "path to the test ELF (skips building)")
	cmd.Flags().StringVar(&flags.project, "project", "", "path to a cargo project to build and run")
	cmd.Flags().StringVar(&flags.targetTriple, "target-triple", "", "cargo target triple (e.g. thumbv7em-none-eabihf)")
	cmd.Flags().BoolVar(&flags.release, "release", false, "build the project in release mode")
	cmd.Flags().StringVar(&flags.host, "host", "", "debug host address")
	cmd.Flags().StringVar(&flags.login, "login", "", "debug host SSH login")
	cmd.Flags().StringVar(&flags.password, "password", "", "debug host SSH password (prompted if empty)")
	cmd.Flags().IntVar(&flags.sshPort, "ssh-port", 0, "debug host SSH port (default 22)")
	cmd.Flags().IntVar(&flags.gdbPort, "gdb-port", 0, "GDB server port on the debug host")
	cmd.Flags().IntVar(&flags.rttPort, "rtt-port", 0, "RTT server port opened by the GDB server")
	cmd.Flags().StringVar(&flags.gdbServerCommand, "gdb-server-command", "", "command starting the GDB server on the debug host")
	cmd.Flags().StringVar(&flags.gdbExecutable, "gdb-executable", "", "local GDB client executable")
	cmd.Flags().StringVar(&flags.cleanupCommand, "cleanup-command", "", "command run on the debug host after the test")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "GDB command timeout")
	cmd.Flags().DurationVar(&flags.flashTimeout, "flash-timeout", 0, "binary flashing timeout")
	cmd.Flags().IntVar(&flags.maxUploadTries, "max-upload-tries", 0, "flashing attempts before giving up (default 5)")
	cmd.Flags().BoolVar(&flags.logResponses, "log-responses", false, "log every GDB/MI response")
	cmd.Flags().BoolVar(&flags.logExecution, "log-execution", false, "log every GDB command")
	cmd.Flags().StringArrayVar(&flags.expect, "expect", nil, "message the target must send after the handshake (repeatable, in order)")
	cmd.Flags().StringVar(&flags.artifactsDir, "artifacts-dir", "", "directory for compressed session logs")
	cmd.Flags().StringVar(&flags.natsURL, "nats-url", "", "publish the test outcome to this NATS server")
	cmd.Flags().StringVar(&flags.natsPrefix, "nats-prefix", "calldwell", "subject prefix for published outcomes")
	return cmd
}

func validateRunFlags(flags *runFlags) error {
	if flags.binary == "" && flags.project == "" {
		return fmt.Errorf("either --binary or --project is required")
	}
	if flags.project != "" && flags.targetTriple == "" {
		return fmt.Errorf("--target-triple is required with --project")
	}
	for name, value := range map[string]string{
		"--host":               flags.host,
		"--login":              flags.login,
		"--gdb-server-command": flags.gdbServerCommand,
		"--gdb-executable":     flags.gdbExecutable,
	} {
		if value == "" {
			return fmt.Errorf("%s is required (flag or board config)", name)
		}
	}
	return nil
}

func runTest(root *rootOptions, flags *runFlags) int {
	logger := root.logger
	runID := uuid.NewString()

	binary := flags.binary
	if flags.project != "" {
		built, err := cargo.Build(flags.project, flags.targetTriple, flags.release, logger)
		if err != nil {
			logger.Error("build failed", "project", flags.project, "err", err)
			return exitBuildFailure
		}
		binary = built
	}
	testName := strings.TrimSuffix(filepath.Base(binary), filepath.Ext(binary))

	var recorder *artifacts.Recorder
	if flags.artifactsDir != "" {
		var err error
		recorder, err = artifacts.NewRecorder(flags.artifactsDir, runID)
		if err != nil {
			logger.Error("artifact recorder", "err", err)
			return exitSessionFailure
		}
		defer recorder.Close()
		logger.Info("recording session log", "path", recorder.Path)
	}

	var publisher *report.Publisher
	if flags.natsURL != "" {
		var err error
		publisher, err = report.Connect(flags.natsURL, flags.natsPrefix)
		if err != nil {
			logger.Error("reporting disabled", "err", err)
		} else {
			defer publisher.Close()
		}
	}

	password, err := resolvePassword(flags)
	if err != nil {
		logger.Error("password", "err", err)
		return exitSessionFailure
	}

	started := time.Now()
	publish := func(passed bool, category, message string) {
		if publisher == nil {
			return
		}
		if err := publisher.Publish(report.Outcome{
			RunID:      runID,
			Test:       testName,
			Binary:     binary,
			Passed:     passed,
			Category:   category,
			Message:    message,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}); err != nil {
			logger.Warn("publish outcome", "err", err)
		}
	}

	cfg := session.Config{
		HostAddr:         flags.host,
		HostLogin:        flags.login,
		HostPassword:     password,
		SSHPort:          flags.sshPort,
		GDBServerPort:    flags.gdbPort,
		RTTServerPort:    flags.rttPort,
		GDBServerCommand: flags.gdbServerCommand,
		GDBExecutable:    flags.gdbExecutable,
		ExecutablePath:   binary,
		GDBTimeout:       flags.timeout,
		FlashTimeout:     flags.flashTimeout,
		MaxUploadTries:   flags.maxUploadTries,
		LogResponses:     flags.logResponses,
		LogExecution:     flags.logExecution,
		Logger:           logger,
	}
	if recorder != nil {
		cfg.ResponseRecorder = func(r gdbmi.Response) { recorder.Record("gdb", r.String()) }
	}

	s, err := session.Establish(cfg)
	if err != nil {
		logger.Error("cannot initialize calldwell session", "err", err)
		publish(false, string(categoryOf(err)), err.Error())
		return exitSessionFailure
	}
	logger.Info("session established", "id", s.ID, "binary", binary)
	if recorder != nil {
		recorder.Record("run", "session established id="+s.ID)
	}

	cleanup := func() {
		if flags.cleanupCommand != "" {
			if err := s.Host.Execute(flags.cleanupCommand); err != nil {
				logger.Warn("cleanup command failed", "err", err)
			}
		}
		if err := s.Close(); err != nil {
			logger.Warn("session teardown", "err", err)
		}
	}

	if len(flags.expect) > 0 {
		if err := s.ExpectMessages(flags.expect); err != nil {
			logger.Error("TEST FAILED: unexpected message received", "err", err)
			if recorder != nil {
				recorder.Record("run", "failed: "+err.Error())
			}
			publish(false, string(categoryOf(err)), err.Error())
			cleanup()
			return exitUnexpectedMessage
		}
	}

	cleanup()
	logger.Info("test passed", "test", testName, "run", runID)
	if recorder != nil {
		recorder.Record("run", "passed")
	}
	publish(true, "", "")
	return 0
}

func categoryOf(err error) session.Category {
	var se *session.Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

func resolvePassword(flags *runFlags) (string, error) {
	if flags.password != "" {
		return flags.password, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no password provided and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", flags.login, flags.host)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func newBoardCmd(root *rootOptions) *cobra.Command {
	boardCmd := &cobra.Command{
		Use:   "board",
		Short: "Board config operations",
	}
	boardCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured boards",
		RunE: func(_ *cobra.Command, _ []string) error {
			if root.config == nil || len(root.config.Boards) == 0 {
				fmt.Println("no boards configured")
				return nil
			}
			names := make([]string, 0, len(root.config.Boards))
			for name := range root.config.Boards {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				marker := " "
				if name == root.config.CurrentBoard {
					marker = "*"
				}
				board := root.config.Boards[name]
				fmt.Printf("%s %s\t%s@%s gdb=%d rtt=%d\n", marker, name, board.Login, board.Host, board.GDBPort, board.RTTPort)
			}
			return nil
		},
	})
	boardCmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Set the current board",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if root.config == nil {
				return fmt.Errorf("no config file at %s", root.configPath)
			}
			if _, ok := root.config.Boards[args[0]]; !ok {
				return fmt.Errorf("%w: %s", cliconfig.ErrBoardNotFound, args[0])
			}
			root.config.CurrentBoard = args[0]
			return root.config.Save(root.configPath)
		},
	})
	return boardCmd
}
