// Package config models the board-config file: named debug boards with a
// currentBoard pointer, kubeconfig style.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level config file.
type Config struct {
	CurrentBoard string            `yaml:"currentBoard"`
	Boards       map[string]*Board `yaml:"boards"`
}

// Board encodes connection details for one debug host and its target.
type Board struct {
	Host     string `yaml:"host"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	SSHPort  int    `yaml:"sshPort"`

	GDBPort int `yaml:"gdbPort"`
	RTTPort int `yaml:"rttPort"`

	GDBServerCommand string `yaml:"gdbServerCommand"`
	GDBExecutable    string `yaml:"gdbExecutable"`
	CleanupCommand   string `yaml:"cleanupCommand"`
	TargetTriple     string `yaml:"targetTriple"`

	TimeoutSeconds      int `yaml:"timeoutSeconds"`
	FlashTimeoutSeconds int `yaml:"flashTimeoutSeconds"`
	MaxUploadTries      int `yaml:"maxUploadTries"`
}

// ErrBoardNotFound indicates the requested board is missing.
var ErrBoardNotFound = errors.New("board not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return err
	}
	return nil
}

// Resolve picks a board either by explicit name or the currentBoard value.
func (c *Config) Resolve(name string) (*Board, string, error) {
	if c == nil {
		return nil, "", nil
	}
	boardName := strings.TrimSpace(name)
	if boardName == "" {
		boardName = c.CurrentBoard
	}
	if boardName == "" {
		return nil, "", nil
	}
	board, ok := c.Boards[boardName]
	if !ok {
		return nil, boardName, fmt.Errorf("%w: %s", ErrBoardNotFound, boardName)
	}
	return board, boardName, nil
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
