// Package processfile keeps PID files for the processes a node launches, so
// they can be found again after the node restarts.
package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

const DefaultAppName = "hsu-mgmt"

// ServiceContext selects the default directory when none is configured
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

type Config struct {
	// Directory holds the PID files; empty picks an OS default for Context
	Directory string         `yaml:"directory,omitempty" toml:"directory"`
	Context   ServiceContext `yaml:"context,omitempty" toml:"context" validate:"omitempty,oneof=system user session"`
	AppName   string         `yaml:"app_name,omitempty" toml:"app_name"`
}

type Manager struct {
	directory string
	logger    logging.Logger
}

func NewManager(config Config, logger logging.Logger) *Manager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.Context == "" {
		config.Context = UserService
	}
	directory := config.Directory
	if directory == "" {
		directory = filepath.Join(defaultDirectory(config.Context), config.AppName)
	}
	return &Manager{directory: directory, logger: logger}
}

func (m *Manager) Directory() string {
	return m.directory
}

// PIDFilePath is where the PID of the entity's process is kept
func (m *Manager) PIDFilePath(entityID string) string {
	return filepath.Join(m.directory, entityID+".pid")
}

func (m *Manager) WritePIDFile(entityID string, pid int) error {
	path := m.PIDFilePath(entityID)
	if err := ensureDirectory(m.directory); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}
	m.logger.Debugf("PID file written, entity: %s, pid: %d, path: %s", entityID, pid, path)
	return nil
}

// ReadPIDFile returns the recorded PID; a missing file is a not-found error
func (m *Manager) ReadPIDFile(entityID string) (int, error) {
	path := m.PIDFilePath(entityID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("no PID file", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID file content", err).WithContext("pid_file", path)
	}
	return pid, nil
}

// RemovePIDFile deletes the file; removing a missing file is not an error
func (m *Manager) RemovePIDFile(entityID string) error {
	path := m.PIDFilePath(entityID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

func ensureDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
		return nil
	}
	if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}
	return nil
}

func defaultDirectory(context ServiceContext) string {
	switch context {
	case SystemService:
		switch runtime.GOOS {
		case "windows":
			if programData := os.Getenv("PROGRAMDATA"); programData != "" {
				return programData
			}
			return `C:\ProgramData`
		case "darwin":
			return "/var/run"
		}
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	case SessionService:
		if runtime.GOOS == "linux" {
			sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
			if _, err := os.Stat(sessionDir); err == nil {
				return sessionDir
			}
		}
		return os.TempDir()
	}

	// User service
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support")
		}
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
	}
	return os.TempDir()
}
